package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// typingInterval stays under Discord's ~10s typing expiry.
const typingInterval = 5 * time.Second

// TypingSignaler posts one typing signal.
type TypingSignaler interface {
	Typing(ctx context.Context, channelID string) error
}

// TypingIndicator starts a typing session for one message.
type TypingIndicator interface {
	Start(ctx context.Context, channelID string) TypingHandle
}

// TypingHandle ends a typing session. Stop must be safe to call more than once.
type TypingHandle interface {
	Stop()
}

// TypingConfig configures a Typing indicator.
type TypingConfig struct {
	Signaler TypingSignaler // nil sends nothing
	Interval time.Duration  // default: 5s
	Logger   *slog.Logger
}

// Typing keeps the typing indicator alive while a message is being processed.
type Typing struct {
	signaler TypingSignaler
	interval time.Duration
	logger   *slog.Logger
}

// NewTyping creates a Typing indicator from cfg.
func NewTyping(cfg TypingConfig) *Typing {
	if cfg.Signaler == nil {
		cfg.Signaler = noopSignaler{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = typingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Typing{signaler: cfg.Signaler, interval: cfg.Interval, logger: cfg.Logger}
}

// Start sends a typing signal right away and then every interval until the
// returned session is stopped or ctx is done.
func (t *Typing) Start(ctx context.Context, channelID string) TypingHandle {
	ctx, cancel := context.WithCancel(ctx)
	s := &TypingSession{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		t.signal(ctx, channelID)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.signal(ctx, channelID)
			}
		}
	}()
	return s
}

func (t *Typing) signal(ctx context.Context, channelID string) {
	if ctx.Err() != nil {
		return
	}
	if err := t.signaler.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
		t.logger.Debug("typing signal failed", "channel_id", channelID, "err", err)
	}
}

// TypingSession is one running typing loop.
type TypingSession struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the loop and waits for it to exit, so no signal is sent
// after Stop returns.
func (s *TypingSession) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Active reports whether the loop is still running.
func (s *TypingSession) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type noopSignaler struct{}

func (noopSignaler) Typing(context.Context, string) error { return nil }

type noopTyping struct{}

func (noopTyping) Start(context.Context, string) TypingHandle { return noopHandle{} }

type noopHandle struct{}

func (noopHandle) Stop() {}
