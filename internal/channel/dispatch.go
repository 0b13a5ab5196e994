package channel

import (
	"context"
	"fmt"
	"strings"

	"discordgate/internal/domain"
	"discordgate/internal/metrics"
)

// systemEventPreviewRunes bounds the message text carried in system events.
const systemEventPreviewRunes = 160

// dispatchStage is one way of handing an envelope to the agent host.
// Stages run in order until one succeeds.
type dispatchStage struct {
	name string
	run  func(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error
}

// buildStages picks the available dispatch strategies once, at construction.
func (p *Pipeline) buildStages(blocks domain.BlockDispatcher, messages domain.MessageDispatcher, events domain.SystemEventSink) []dispatchStage {
	var stages []dispatchStage
	if blocks != nil {
		stages = append(stages, dispatchStage{
			name: "block",
			run: func(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error {
				if err := blocks.DispatchBlocks(ctx, env, opts); err != nil {
					return err
				}
				if env.IsGroup() && events != nil {
					if err := events.Enqueue(ctx, systemEventText(env), env.SessionKey); err != nil {
						p.logger.Warn("system event enqueue failed", "session", env.SessionKey, "err", err)
					}
				}
				return nil
			},
		})
	}
	if messages != nil {
		stages = append(stages, dispatchStage{
			name: "message",
			run:  messages.DispatchMessage,
		})
	}
	if events != nil {
		stages = append(stages, dispatchStage{
			name: "system_event",
			run: func(ctx context.Context, env *domain.DispatchEnvelope, _ domain.DispatchOptions) error {
				return events.Enqueue(ctx, systemEventText(env), env.SessionKey)
			},
		})
	}
	return stages
}

// dispatch runs the stages in order. Exhausting them drops the reply.
func (p *Pipeline) dispatch(ctx context.Context, env *domain.DispatchEnvelope) {
	opts := domain.DispatchOptions{
		Deliver: p.deliverer(env),
		OnError: func(err error, kind string) {
			p.logger.Warn("discord reply delivery failed",
				"kind", kind,
				"channel_id", env.ConversationID,
				"err", err,
			)
		},
	}

	for _, stage := range p.stages {
		err := runStage(ctx, stage, env, opts)
		if err == nil {
			metrics.DispatchedBy(stage.name).Inc()
			p.logger.Debug("discord message dispatched", "stage", stage.name, "session", env.SessionKey)
			return
		}
		p.logger.Warn("dispatch stage failed",
			"stage", stage.name,
			"session", env.SessionKey,
			"err", err,
		)
	}

	metrics.DispatchExhausted.Inc()
	p.logger.Error("discord reply dropped",
		"message_id", env.MessageID,
		"channel_id", env.ConversationID,
		"stages", len(p.stages),
		"err", domain.ErrDispatchExhausted,
	)
}

func runStage(ctx context.Context, stage dispatchStage, env *domain.DispatchEnvelope, opts domain.DispatchOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s stage panicked: %v", stage.name, r)
		}
	}()
	return stage.run(ctx, env, opts)
}

// deliverer sends each reply block back to the conversation the message came from.
func (p *Pipeline) deliverer(env *domain.DispatchEnvelope) domain.DeliverFunc {
	return func(ctx context.Context, reply domain.ReplyPayload) error {
		if strings.TrimSpace(reply.Text) == "" && reply.MediaURL == "" {
			return nil
		}
		if p.outbound == nil {
			return fmt.Errorf("no outbound delivery configured")
		}
		opts := SendOptions{MediaURL: reply.MediaURL}
		if p.replyTo {
			opts.ReplyTo = env.ReplyToID
		}
		_, err := p.outbound.Send(ctx, "channel:"+env.ConversationID, reply.Text, opts)
		return err
	}
}

// systemEventText is the operator-facing summary of a message.
func systemEventText(env *domain.DispatchEnvelope) string {
	preview := strings.ReplaceAll(env.RawBody, "\r", "")
	preview = strings.ReplaceAll(preview, "\n", `\n`)
	return fmt.Sprintf("Discord message from %s: %s", env.ConversationLabel, truncateRunes(preview, systemEventPreviewRunes))
}
