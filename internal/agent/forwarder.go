package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"sync"
	"time"

	"discordgate/internal/domain"
)

const (
	defaultConcurrency = 3
	pruneInterval      = time.Minute
)

// ForwarderConfig wires the block dispatcher's consumer side.
type ForwarderConfig struct {
	Host        HostConfig
	Requests    <-chan domain.DispatchRequest
	Concurrency int             // parallel dispatches (default: 3)
	Limiter     *SessionLimiter // optional per-session throttle
	Logger      *slog.Logger
}

// Forwarder drains the dispatch bus and streams each envelope to the agent
// host, delivering reply blocks as they arrive.
type Forwarder struct {
	host        *hostClient
	requests    <-chan domain.DispatchRequest
	concurrency int
	limiter     *SessionLimiter
	logger      *slog.Logger
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Host.Logger == nil {
		cfg.Host.Logger = cfg.Logger
	}
	host := newHostClient(cfg.Host)
	return &Forwarder{
		host:        host,
		requests:    cfg.Requests,
		concurrency: cfg.Concurrency,
		limiter:     cfg.Limiter,
		logger:      host.logger,
	}
}

// Run consumes requests with bounded concurrency until the request channel
// is closed, then waits for in-flight dispatches. Cancelling ctx does not
// abandon queued requests: their senders are still waiting on Done, so the
// bus must be closed to stop the forwarder.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("agent forwarder started", "concurrency", f.concurrency)

	workCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if f.limiter != nil {
				f.limiter.Prune()
			}
		case req, ok := <-f.requests:
			if !ok {
				f.logger.Info("dispatch bus closed, agent forwarder stopping")
				wg.Wait()
				return
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(r domain.DispatchRequest) {
				defer wg.Done()
				defer func() { <-sem }()
				f.complete(r, f.forward(workCtx, r))
			}(req)
		}
	}
}

func (f *Forwarder) complete(req domain.DispatchRequest, err error) {
	if req.Done == nil {
		return
	}
	select {
	case req.Done <- err:
	default:
		f.logger.Warn("dispatch request completed twice")
	}
}

func (f *Forwarder) forward(ctx context.Context, req domain.DispatchRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent forwarder panicked: %v", r)
		}
	}()

	env := req.Envelope
	if env == nil {
		return fmt.Errorf("dispatch request without envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, f.host.timeout)
	defer cancel()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, env.SessionKey); err != nil {
			return fmt.Errorf("rate limit for %s: %w", env.SessionKey, err)
		}
	}

	resp, err := f.host.post(ctx, env, modeBlocks, contentTypeNDJSON+", application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)

	// A host that does not stream may answer with a buffered reply list.
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		var out bufferedReplies
		if err := decoder.Decode(&out); err != nil {
			return fmt.Errorf("decode agent replies: %w", err)
		}
		deliverAll(ctx, out.Replies, req.Options)
		return nil
	}

	blocks := 0
	for decoder.More() {
		var line replyLine
		if err := decoder.Decode(&line); err != nil {
			return fmt.Errorf("decode reply block %d: %w", blocks+1, err)
		}
		if line.Error != "" {
			return fmt.Errorf("agent host: %s", line.Error)
		}
		blocks++
		deliverOne(ctx, line, req.Options)
	}

	f.logger.Debug("agent reply stream finished", "session", env.SessionKey, "blocks", blocks)
	return nil
}
