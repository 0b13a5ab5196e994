package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"discordgate/internal/domain"
)

// maxReplyBody bounds a buffered agent response.
const maxReplyBody = 4 << 20

// Webhook is the buffered reply dispatcher: one POST per envelope, all
// replies delivered after the agent answers. It implements
// domain.MessageDispatcher.
type Webhook struct {
	host   *hostClient
	logger *slog.Logger
}

func NewWebhook(cfg HostConfig) *Webhook {
	host := newHostClient(cfg)
	return &Webhook{host: host, logger: host.logger}
}

// DispatchMessage posts env and delivers every reply in the response.
// An empty reply list means the agent chose not to answer.
func (w *Webhook) DispatchMessage(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error {
	ctx, cancel := context.WithTimeout(ctx, w.host.timeout)
	defer cancel()

	resp, err := w.host.post(ctx, env, modeMessage, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out bufferedReplies
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBody)).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode agent replies: %w", err)
	}

	delivered := deliverAll(ctx, out.Replies, opts)
	w.logger.Debug("agent replies delivered",
		"session", env.SessionKey,
		"replies", len(out.Replies),
		"delivered", delivered,
	)
	return nil
}
