package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"discordgate/internal/domain"
)

const publishTimeout = 10 * time.Second

// ErrBusClosed is returned when dispatching on a closed bus.
var ErrBusClosed = errors.New("dispatch bus closed")

// DispatchBus is a Go-channel based queue between the inbound pipeline and
// the agent forwarder. It implements domain.BlockDispatcher: DispatchBlocks
// enqueues the envelope and waits until a consumer reports completion.
type DispatchBus struct {
	requests    chan domain.DispatchRequest
	mu          sync.RWMutex
	closed      bool
	subscribed  bool
	waitTimeout time.Duration
	logger      *slog.Logger
}

// New creates a new DispatchBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *DispatchBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchBus{
		requests:    make(chan domain.DispatchRequest, bufferSize),
		waitTimeout: publishTimeout,
		logger:      logger,
	}
}

// Subscribe returns the request stream. Only one consumer is expected.
func (b *DispatchBus) Subscribe() <-chan domain.DispatchRequest {
	b.mu.Lock()
	b.subscribed = true
	b.mu.Unlock()
	return b.requests
}

// DispatchBlocks publishes env and blocks until the consumer finishes with it
// or ctx is done. It waits up to 10 seconds for room on a full bus.
func (b *DispatchBus) DispatchBlocks(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error {
	req := domain.DispatchRequest{Envelope: env, Options: opts, Done: make(chan error, 1)}
	if err := b.publish(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *DispatchBus) publish(ctx context.Context, req domain.DispatchRequest) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	if !b.subscribed {
		return fmt.Errorf("dispatch bus has no consumer")
	}

	select {
	case b.requests <- req:
		return nil
	default:
	}

	// Bus full: wait with timeout instead of dropping.
	b.logger.Warn("dispatch bus full, waiting...", "session", req.Envelope.SessionKey)
	timer := time.NewTimer(b.waitTimeout)
	defer timer.Stop()
	select {
	case b.requests <- req:
		b.logger.Info("dispatch request queued after wait", "session", req.Envelope.SessionKey)
		return nil
	case <-timer.C:
		return fmt.Errorf("dispatch bus full for %s", b.waitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests. Queued requests can still be drained.
func (b *DispatchBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.requests)
	}
}
