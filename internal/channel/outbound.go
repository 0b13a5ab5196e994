package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"discordgate/internal/domain"
	"discordgate/internal/metrics"
	"discordgate/internal/security"
	"discordgate/internal/transport"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen     = 2000
	defaultOutboundMedia = 25 * 1024 * 1024
)

// SendOptions are the optional parts of an outbound message.
type SendOptions struct {
	ReplyTo  string // message id to thread onto
	MediaURL string // http(s) URL or local path
}

// SendResult identifies the last message sent.
type SendResult struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// Sender delivers a message to a Discord target.
type Sender interface {
	Send(ctx context.Context, target, text string, opts SendOptions) (SendResult, error)
}

// OutboundConfig configures outbound delivery.
type OutboundConfig struct {
	Client        Connector
	ChunkLimit    int   // characters per message (default: 2000)
	MediaMaxBytes int64 // ceiling for outbound attachments (default: 25MB)
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Outbound sends text, media and typing signals through the account's REST client.
type Outbound struct {
	client        Connector
	chunkLimit    int
	mediaMaxBytes int64
	httpClient    *http.Client
	logger        *slog.Logger

	dmChannels sync.Map // user id -> DM channel id
}

func NewOutbound(cfg OutboundConfig) *Outbound {
	if cfg.ChunkLimit <= 0 || cfg.ChunkLimit > discordMaxMsgLen {
		cfg.ChunkLimit = discordMaxMsgLen
	}
	if cfg.MediaMaxBytes <= 0 {
		cfg.MediaMaxBytes = defaultOutboundMedia
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = transport.SharedHTTPClient(60 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Outbound{
		client:        cfg.Client,
		chunkLimit:    cfg.ChunkLimit,
		mediaMaxBytes: cfg.MediaMaxBytes,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
	}
}

type target struct {
	id     string
	isUser bool
}

// parseTarget accepts "user:<id>", "<@id>", "<@!id>", "channel:<id>" or a bare channel id.
func parseTarget(raw string) (target, error) {
	raw = strings.TrimSpace(raw)
	var t target
	switch {
	case strings.HasPrefix(raw, "user:"):
		t = target{id: strings.TrimPrefix(raw, "user:"), isUser: true}
	case strings.HasPrefix(raw, "<@") && strings.HasSuffix(raw, ">"):
		id := strings.TrimSuffix(strings.TrimPrefix(raw, "<@"), ">")
		t = target{id: strings.TrimPrefix(id, "!"), isUser: true}
	case strings.HasPrefix(raw, "channel:"):
		t = target{id: strings.TrimPrefix(raw, "channel:")}
	default:
		t = target{id: raw}
	}
	if strings.TrimSpace(t.id) == "" {
		return target{}, fmt.Errorf("invalid discord target %q", raw)
	}
	return t, nil
}

// Send delivers text (and optionally one attachment) to target. Long text is
// split into several messages; the reply reference and the attachment go on
// the first one.
func (o *Outbound) Send(ctx context.Context, rawTarget, text string, opts SendOptions) (SendResult, error) {
	if strings.TrimSpace(text) == "" && opts.MediaURL == "" {
		return SendResult{}, fmt.Errorf("discord send: empty message")
	}
	t, err := parseTarget(rawTarget)
	if err != nil {
		return SendResult{}, err
	}
	rest, err := o.client.REST()
	if err != nil {
		return SendResult{}, err
	}

	channelID := t.id
	if t.isUser {
		channelID, err = o.dmChannel(ctx, rest, t.id)
		if err != nil {
			metrics.OutboundFailures.Inc()
			return SendResult{}, err
		}
	}

	var file *discordgo.File
	if opts.MediaURL != "" {
		file, err = o.loadMedia(ctx, opts.MediaURL)
		if err != nil {
			metrics.OutboundFailures.Inc()
			return SendResult{}, err
		}
	}

	var result SendResult
	for i, chunk := range splitMessage(text, o.chunkLimit) {
		msg := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			if opts.ReplyTo != "" {
				msg.Reference = &discordgo.MessageReference{
					MessageID: opts.ReplyTo,
					ChannelID: channelID,
				}
			}
			if file != nil {
				msg.Files = []*discordgo.File{file}
			}
		}
		sent, err := rest.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
		if err != nil {
			metrics.OutboundFailures.Inc()
			return result, &domain.TransportError{Op: "discord send", Err: err}
		}
		metrics.OutboundMessages.Inc()
		result = SendResult{MessageID: sent.ID, ChannelID: sent.ChannelID}
		if result.ChannelID == "" {
			result.ChannelID = channelID
		}
	}

	o.logger.Debug("discord message sent", "channel_id", channelID, "message_id", result.MessageID)
	return result, nil
}

// dmChannel resolves (creating on first use) the DM channel with a user.
func (o *Outbound) dmChannel(ctx context.Context, rest RESTClient, userID string) (string, error) {
	if v, ok := o.dmChannels.Load(userID); ok {
		return v.(string), nil
	}
	ch, err := rest.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", &domain.TransportError{Op: "discord dm channel", Err: err}
	}
	o.dmChannels.Store(userID, ch.ID)
	return ch.ID, nil
}

// loadMedia reads an attachment from an http(s) URL or the local disk.
func (o *Outbound) loadMedia(ctx context.Context, mediaURL string) (*discordgo.File, error) {
	var (
		data        []byte
		contentType string
		name        string
	)

	if u, err := url.Parse(mediaURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build media request: %w", err)
		}
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return nil, &domain.TransportError{Op: "fetch outbound media", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &domain.TransportError{Op: "fetch outbound media", Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, o.mediaMaxBytes+1))
		if err != nil {
			return nil, &domain.TransportError{Op: "read outbound media", Err: err}
		}
		contentType = resp.Header.Get("Content-Type")
		name = path.Base(u.Path)
	} else {
		local := strings.TrimPrefix(mediaURL, "file://")
		info, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("outbound media: %w", err)
		}
		if info.Size() > o.mediaMaxBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes", domain.ErrMediaUnavailable, local, info.Size())
		}
		data, err = os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("outbound media: %w", err)
		}
		name = filepath.Base(local)
	}

	if int64(len(data)) > o.mediaMaxBytes {
		return nil, fmt.Errorf("%w: attachment exceeds %d bytes", domain.ErrMediaUnavailable, o.mediaMaxBytes)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	return &discordgo.File{
		Name:        name,
		ContentType: contentType,
		Reader:      bytes.NewReader(data),
	}, nil
}

// Typing posts one typing signal to a channel.
func (o *Outbound) Typing(ctx context.Context, channelID string) error {
	rest, err := o.client.REST()
	if err != nil {
		return err
	}
	if err := rest.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return &domain.TransportError{Op: "discord typing", Err: err}
	}
	return nil
}

// ProbeResult is the outcome of a credential check.
type ProbeResult struct {
	OK       bool          `json:"ok"`
	UserID   string        `json:"userId,omitempty"`
	Username string        `json:"username,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Probe fetches the bot's own user with a hard timeout. It is used for
// health reporting only; the pipeline's identity comes from the Ready event.
func (o *Outbound) Probe(ctx context.Context, timeout time.Duration) ProbeResult {
	start := time.Now()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rest, err := o.client.REST()
	if err != nil {
		return ProbeResult{Error: err.Error(), Elapsed: time.Since(start)}
	}
	u, err := rest.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return ProbeResult{Error: err.Error(), Elapsed: time.Since(start)}
	}
	return ProbeResult{OK: true, UserID: u.ID, Username: u.Username, Elapsed: time.Since(start)}
}

// ProbeToken checks a token without touching any running session.
func ProbeToken(ctx context.Context, token string, timeout time.Duration) ProbeResult {
	client := NewAccountClient(AccountClientConfig{AccountID: "probe", Token: token})
	return NewOutbound(OutboundConfig{Client: client}).Probe(ctx, timeout)
}

// PairingReplier sends pairing instructions to a user's DM channel.
func PairingReplier(s Sender) security.PairingReplyFunc {
	return func(ctx context.Context, userID, text string) error {
		_, err := s.Send(ctx, "user:"+userID, text, SendOptions{})
		return err
	}
}
