package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"discordgate/internal/domain"
	"discordgate/internal/metrics"

	"github.com/bwmarrin/discordgo"
)

const defaultMaxConcurrent = 8

// MessageHandler processes one decoded inbound message. *Pipeline satisfies it.
type MessageHandler interface {
	Handle(ctx context.Context, msg domain.InboundMessage)
	MarkStarted(t time.Time)
}

// DiscordConfig configures the Discord connection session.
type DiscordConfig struct {
	Client        Connector
	Handler       MessageHandler
	Identity      *Identity
	MaxConcurrent int // in-flight message handlers (default: 8)
	Logger        *slog.Logger
	Now           func() time.Time
}

var _ domain.Channel = (*Discord)(nil)

// Discord owns the gateway connection for one account and feeds decoded
// messages into the handler.
type Discord struct {
	client   Connector
	handler  MessageHandler
	identity *Identity
	sem      chan struct{}
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	mu         sync.Mutex
	closed     bool
	handlerCtx context.Context
	inflight   sync.WaitGroup
}

// NewDiscord creates a new Discord connection session.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Identity == nil {
		cfg.Identity = &Identity{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Discord{
		client:     cfg.Client,
		handler:    cfg.Handler,
		identity:   cfg.Identity,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		logger:     cfg.Logger,
		now:        cfg.Now,
		stopCh:     make(chan struct{}),
		handlerCtx: context.Background(),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to the gateway and blocks until ctx is cancelled or Stop is
// called. A missing token fails before any connection is attempted.
func (d *Discord) Start(ctx context.Context) error {
	gw, err := d.client.Gateway()
	if err != nil {
		return err
	}

	// In-flight handlers outlive the session context so teardown does not
	// abort a reply halfway.
	d.mu.Lock()
	d.handlerCtx = context.WithoutCancel(ctx)
	d.mu.Unlock()

	d.handler.MarkStarted(d.now())

	removeReady := gw.AddHandler(d.onReady)
	removeMessage := gw.AddHandler(d.onMessageCreate)

	if err := gw.Open(); err != nil {
		removeMessage()
		removeReady()
		return &domain.TransportError{Op: "discord connect", Err: err}
	}
	d.logger.Info("discord gateway connected")

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}

	d.logger.Info("discord gateway disconnecting")
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	removeMessage()
	removeReady()

	closeErr := gw.Close()
	d.inflight.Wait()
	if closeErr != nil {
		return &domain.TransportError{Op: "discord close", Err: closeErr}
	}
	return nil
}

// Stop ends a running Start early.
func (d *Discord) Stop() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	return nil
}

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	id := domain.SessionIdentity{SelfUserID: r.User.ID, SelfUsername: r.User.Username}
	if d.identity.Set(id) {
		d.logger.Info("discord bot ready", "user", r.User.Username, "user_id", r.User.ID)
		return
	}
	d.logger.Debug("discord session resumed", "user_id", r.User.ID)
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	msg := decodeMessage(m.Message)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ctx := d.handlerCtx
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		metrics.InFlightMessages.Inc()
		defer metrics.InFlightMessages.Dec()
		d.handler.Handle(ctx, msg)
	}()
}

// decodeMessage maps a gateway message to the adapter's inbound model.
func decodeMessage(m *discordgo.Message) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:             m.ID,
		ConversationID: m.ChannelID,
		GuildID:        m.GuildID,
		IsDirect:       m.GuildID == "",
		Text:           m.Content,
		Timestamp:      m.Timestamp,
	}
	if m.Author != nil {
		msg.SenderID = m.Author.ID
		msg.IsBot = m.Author.Bot
		msg.SenderName = m.Author.GlobalName
		if msg.SenderName == "" {
			msg.SenderName = m.Author.Username
		}
		msg.SenderTag = m.Author.Username
		if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
			msg.SenderTag = fmt.Sprintf("%s#%s", m.Author.Username, m.Author.Discriminator)
		}
	}
	if m.MessageReference != nil {
		msg.ReferencedMessageID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			URL:         a.URL,
			ContentType: a.ContentType,
			Filename:    a.Filename,
			Size:        int64(a.Size),
		})
	}
	return msg
}
