package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"discordgate/internal/domain"
	"discordgate/internal/transport"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 2

	modeBlocks  = "blocks"
	modeMessage = "message"

	contentTypeNDJSON = "application/x-ndjson"
)

// HostConfig points at the agent host webhook.
type HostConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration // per dispatch (default: 120s)
	MaxRetries int           // for 429/502/503/504 and network errors (default: 2)
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// hostClient posts envelopes to the agent host. Webhook and Forwarder share it.
type hostClient struct {
	url        string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	client     *http.Client
	logger     *slog.Logger
}

func newHostClient(cfg HostConfig) *hostClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		// The per-dispatch context carries the deadline; streamed replies
		// must not be cut by a client-wide timeout.
		cfg.HTTPClient = transport.StreamingHTTPClient(30 * time.Second)
	}
	return &hostClient{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// replyLine is one NDJSON line, or one element of a buffered reply list.
type replyLine struct {
	Kind     string `json:"kind,omitempty"` // "block" | "final"
	Text     string `json:"text"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

type bufferedReplies struct {
	Replies []replyLine `json:"replies"`
}

// post sends env to the agent host. The caller owns the response body.
func (c *hostClient) post(ctx context.Context, env *domain.DispatchEnvelope, mode, accept string) (*http.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	resp, err := transport.DoWithRetry(ctx, c.client, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)
		req.Header.Set("X-Dispatch-Mode", mode)
		req.Header.Set("X-Session-Key", env.SessionKey)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, &domain.TransportError{Op: "agent " + mode + " dispatch", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &domain.TransportError{
			Op:  "agent " + mode + " dispatch",
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}
	}
	return resp, nil
}

// deliverAll hands each reply to opts.Deliver. A failed delivery is reported
// through opts.OnError and the remaining replies are still attempted.
func deliverAll(ctx context.Context, replies []replyLine, opts domain.DispatchOptions) int {
	delivered := 0
	for _, r := range replies {
		if deliverOne(ctx, r, opts) {
			delivered++
		}
	}
	return delivered
}

func deliverOne(ctx context.Context, r replyLine, opts domain.DispatchOptions) bool {
	if opts.Deliver == nil {
		return false
	}
	kind := r.Kind
	if kind == "" {
		kind = "final"
	}
	if err := opts.Deliver(ctx, domain.ReplyPayload{Text: r.Text, MediaURL: r.MediaURL}); err != nil {
		if opts.OnError != nil {
			opts.OnError(err, kind)
		}
		return false
	}
	return true
}
