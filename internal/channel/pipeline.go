package channel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"discordgate/internal/domain"
	"discordgate/internal/metrics"
	"discordgate/internal/security"

	"github.com/google/uuid"
)

const (
	providerDiscord     = "discord"
	defaultStartupGrace = 10 * time.Second
	defaultAgentID      = "main"
)

// AccessPolicy judges one inbound message. *security.Policy satisfies it.
type AccessPolicy interface {
	Decide(ctx context.Context, req security.AccessRequest) security.AccessResult
}

// Identity is the bot's own user, recorded once from the first Ready event.
type Identity struct {
	once sync.Once
	v    atomic.Pointer[domain.SessionIdentity]
}

// Set stores id if no identity was recorded yet and reports whether it did.
func (i *Identity) Set(id domain.SessionIdentity) bool {
	set := false
	i.once.Do(func() {
		i.v.Store(&id)
		set = true
	})
	return set
}

// Get returns the recorded identity, or the zero value before Ready.
func (i *Identity) Get() domain.SessionIdentity {
	if p := i.v.Load(); p != nil {
		return *p
	}
	return domain.SessionIdentity{}
}

// PipelineConfig wires the inbound pipeline. Every collaborator after
// Policy is optional.
type PipelineConfig struct {
	AccountID     string
	Identity      *Identity
	StartupGrace  time.Duration // default: 10s
	Policy        AccessPolicy
	Outbound      Sender
	ReplyToMode   bool
	Media         domain.MediaFetcher
	MediaMaxBytes int64
	Router        domain.RouteResolver
	Typing        TypingIndicator
	Blocks        domain.BlockDispatcher
	Messages      domain.MessageDispatcher
	Events        domain.SystemEventSink
	Errors        domain.ErrorReporter
	Logger        *slog.Logger
	Now           func() time.Time
}

// Pipeline classifies, filters and dispatches inbound Discord messages.
type Pipeline struct {
	accountID     string
	identity      *Identity
	grace         time.Duration
	policy        AccessPolicy
	outbound      Sender
	replyTo       bool
	media         domain.MediaFetcher
	mediaMaxBytes int64
	router        domain.RouteResolver
	typing        TypingIndicator
	events        domain.SystemEventSink
	errors        domain.ErrorReporter
	stages        []dispatchStage
	logger        *slog.Logger
	now           func() time.Time

	startedAt atomic.Int64 // unix ms, 0 until MarkStarted
}

// NewPipeline creates a Pipeline from cfg, filling defaults for unset fields.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	if cfg.Identity == nil {
		cfg.Identity = &Identity{}
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	if cfg.Typing == nil {
		cfg.Typing = noopTyping{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pipeline{
		accountID:     cfg.AccountID,
		identity:      cfg.Identity,
		grace:         cfg.StartupGrace,
		policy:        cfg.Policy,
		outbound:      cfg.Outbound,
		replyTo:       cfg.ReplyToMode,
		media:         cfg.Media,
		mediaMaxBytes: cfg.MediaMaxBytes,
		router:        cfg.Router,
		typing:        cfg.Typing,
		events:        cfg.Events,
		errors:        cfg.Errors,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	p.stages = p.buildStages(cfg.Blocks, cfg.Messages, cfg.Events)
	return p
}

// Identity returns the identity the pipeline compares senders against.
func (p *Pipeline) Identity() *Identity { return p.identity }

// MarkStarted records the session start used by the staleness filter.
func (p *Pipeline) MarkStarted(t time.Time) { p.startedAt.Store(t.UnixMilli()) }

// Handle runs one inbound message through the pipeline. It never panics and
// reports failures through the logger and the error reporter.
func (p *Pipeline) Handle(ctx context.Context, msg domain.InboundMessage) {
	metrics.MessagesReceived.Inc()
	defer p.recoverPanic(ctx, msg)

	self := p.identity.Get()
	if msg.IsBot || (self.SelfUserID != "" && msg.SenderID == self.SelfUserID) {
		metrics.MessagesSuppressed.Inc()
		return
	}
	if p.isStale(msg.Timestamp) {
		metrics.MessagesStale.Inc()
		return
	}
	if !msg.HasContent() {
		metrics.MessagesEmpty.Inc()
		return
	}

	access := p.policy.Decide(ctx, security.AccessRequest{
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SenderTag:      msg.SenderTag,
		ConversationID: msg.ConversationID,
		IsDirect:       msg.IsDirect,
		Text:           msg.Text,
		SelfUserID:     self.SelfUserID,
	})
	if !access.Allowed() {
		if access.Decision == domain.AccessChallengeIssued {
			metrics.PairingChallenges.Inc()
		} else {
			metrics.MessagesDenied.Inc()
		}
		p.logger.Debug("discord message dropped by policy",
			"sender", msg.SenderID,
			"channel_id", msg.ConversationID,
			"decision", access.Decision.String(),
			"reason", access.Reason,
		)
		return
	}

	if err := p.process(ctx, msg, self, access); err != nil {
		p.fail(ctx, msg, err)
	}
}

func (p *Pipeline) isStale(ts time.Time) bool {
	started := p.startedAt.Load()
	if started == 0 || ts.IsZero() {
		return false
	}
	return ts.UnixMilli() < started-p.grace.Milliseconds()
}

// process covers media, routing, envelope and dispatch. A panic in any of
// them is turned into an error after the typing session is stopped.
func (p *Pipeline) process(ctx context.Context, msg domain.InboundMessage, self domain.SessionIdentity, access security.AccessResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing message %s: %v\n%s", msg.ID, r, debug.Stack())
		}
	}()

	start := p.now()
	saved := p.materializeMedia(ctx, msg)
	route := p.resolveRoute(ctx, msg)

	typing := p.typing.Start(ctx, msg.ConversationID)
	defer typing.Stop()

	env := p.buildEnvelope(msg, self, access, route, saved)
	p.dispatch(ctx, env)

	metrics.DispatchLatency.Observe(p.now().Sub(start).Seconds())
	return nil
}

// materializeMedia stores the first attachment. Other attachments are ignored.
func (p *Pipeline) materializeMedia(ctx context.Context, msg domain.InboundMessage) *domain.SavedMedia {
	if p.media == nil || len(msg.Attachments) == 0 {
		return nil
	}
	att := msg.Attachments[0]

	saved, err := p.fetchAttachment(ctx, att)
	if err != nil {
		metrics.MediaFailures.Inc()
		p.logger.Warn("discord attachment unavailable",
			"message_id", msg.ID,
			"filename", att.Filename,
			"err", err,
		)
		return nil
	}
	return saved
}

func (p *Pipeline) fetchAttachment(ctx context.Context, att domain.Attachment) (*domain.SavedMedia, error) {
	if p.mediaMaxBytes > 0 && att.Size > p.mediaMaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrMediaUnavailable, att.Size, p.mediaMaxBytes)
	}
	fetched, err := p.media.FetchRemote(ctx, att.URL)
	if err != nil {
		return nil, err
	}
	contentType := fetched.ContentType
	if contentType == "" {
		contentType = att.ContentType
	}
	return p.media.SaveBuffer(ctx, fetched.Data, contentType, "inbound", p.mediaMaxBytes)
}

func (p *Pipeline) resolveRoute(ctx context.Context, msg domain.InboundMessage) domain.Route {
	fallback := domain.Route{
		AgentID:    defaultAgentID,
		SessionKey: fallbackSessionKey(msg),
		AccountID:  p.accountID,
	}
	if p.router == nil {
		return fallback
	}

	peerKind, peerID := domain.ChatTypeGroup, msg.ConversationID
	if msg.IsDirect {
		peerKind, peerID = domain.ChatTypeDirect, msg.SenderID
	}
	route, err := p.router.ResolveRoute(ctx, domain.RouteContext{
		Provider:  providerDiscord,
		AccountID: p.accountID,
		PeerKind:  peerKind,
		PeerID:    peerID,
		GuildID:   msg.GuildID,
		Text:      msg.Text,
	})
	if err != nil || route.SessionKey == "" {
		p.logger.Debug("route resolution fell back", "channel_id", msg.ConversationID, "err", err)
		return fallback
	}
	if route.AccountID == "" {
		route.AccountID = p.accountID
	}
	return route
}

func fallbackSessionKey(msg domain.InboundMessage) string {
	if msg.IsDirect {
		return "agent:" + defaultAgentID + ":main"
	}
	return "agent:" + defaultAgentID + ":" + providerDiscord + ":channel:" + msg.ConversationID
}

func (p *Pipeline) buildEnvelope(msg domain.InboundMessage, self domain.SessionIdentity, access security.AccessResult, route domain.Route, saved *domain.SavedMedia) *domain.DispatchEnvelope {
	env := &domain.DispatchEnvelope{
		ID:                  uuid.NewString(),
		Provider:            providerDiscord,
		Surface:             providerDiscord,
		AccountID:           route.AccountID,
		SessionKey:          route.SessionKey,
		SenderID:            msg.SenderID,
		SenderName:          msg.SenderName,
		SenderTag:           msg.SenderTag,
		ConversationID:      msg.ConversationID,
		ConversationLabel:   conversationLabel(msg),
		Body:                security.StripSelfMention(msg.Text, self.SelfUserID),
		RawBody:             msg.Text,
		MessageID:           msg.ID,
		ReferencedMessageID: msg.ReferencedMessageID,
		WasMentioned:        access.WasMentioned,
		Timestamp:           msg.Timestamp,
	}
	if msg.IsDirect {
		env.ChatType = domain.ChatTypeDirect
		env.From = providerDiscord + ":" + msg.SenderID
		env.To = "user:" + msg.SenderID
	} else {
		env.ChatType = domain.ChatTypeGroup
		env.From = providerDiscord + ":channel:" + msg.ConversationID
		env.To = "channel:" + msg.ConversationID
	}
	if p.replyTo {
		env.ReplyToID = msg.ID
	}
	if saved != nil {
		env.MediaPath = saved.Path
		env.MediaType = saved.ContentType
	}
	return env
}

func conversationLabel(msg domain.InboundMessage) string {
	if msg.IsDirect {
		if msg.SenderName != "" {
			return msg.SenderName
		}
		return msg.SenderID
	}
	if msg.GuildID != "" {
		return "guild:" + msg.GuildID + " #" + msg.ConversationID
	}
	return "#" + msg.ConversationID
}

func (p *Pipeline) recoverPanic(ctx context.Context, msg domain.InboundMessage) {
	if r := recover(); r != nil {
		p.fail(ctx, msg, fmt.Errorf("panic while handling message %s: %v", msg.ID, r))
	}
}

func (p *Pipeline) fail(ctx context.Context, msg domain.InboundMessage, err error) {
	metrics.HandlerErrors.Inc()
	p.logger.Error("discord message handler failed",
		"message_id", msg.ID,
		"channel_id", msg.ConversationID,
		"sender", msg.SenderID,
		"err", err,
	)
	if p.errors == nil {
		return
	}
	p.errors.ReportError(ctx, err, map[string]any{
		"provider":   providerDiscord,
		"message_id": msg.ID,
		"channel_id": msg.ConversationID,
		"sender":     msg.SenderID,
	})
}
