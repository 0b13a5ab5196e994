package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSignaler struct {
	n   atomic.Int32
	err error
}

func (c *countingSignaler) Typing(context.Context, string) error {
	c.n.Add(1)
	return c.err
}

func TestTyping_RepeatsUntilStopped(t *testing.T) {
	sig := &countingSignaler{}
	typing := NewTyping(TypingConfig{Signaler: sig, Interval: 10 * time.Millisecond, Logger: testLogger()})

	h := typing.Start(context.Background(), "chan1")
	assert.Eventually(t, func() bool { return sig.n.Load() >= 3 }, time.Second, 5*time.Millisecond)

	h.Stop()
	after := sig.n.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, sig.n.Load(), "no signal after Stop returns")

	session := h.(*TypingSession)
	assert.False(t, session.Active())
}

func TestTyping_StopIsIdempotent(t *testing.T) {
	typing := NewTyping(TypingConfig{Signaler: &countingSignaler{}, Logger: testLogger()})
	h := typing.Start(context.Background(), "chan1")
	assert.NotPanics(t, func() {
		h.Stop()
		h.Stop()
	})
}

func TestTyping_ImmediateSignal(t *testing.T) {
	sig := &countingSignaler{}
	typing := NewTyping(TypingConfig{Signaler: sig, Interval: time.Hour, Logger: testLogger()})
	h := typing.Start(context.Background(), "chan1")
	defer h.Stop()
	assert.Eventually(t, func() bool { return sig.n.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTyping_ErrorsDoNotStopLoop(t *testing.T) {
	sig := &countingSignaler{err: errors.New("429")}
	typing := NewTyping(TypingConfig{Signaler: sig, Interval: 10 * time.Millisecond, Logger: testLogger()})
	h := typing.Start(context.Background(), "chan1")
	defer h.Stop()
	assert.Eventually(t, func() bool { return sig.n.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestTyping_ParentCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	typing := NewTyping(TypingConfig{Signaler: &countingSignaler{}, Interval: 10 * time.Millisecond, Logger: testLogger()})
	h := typing.Start(ctx, "chan1")
	cancel()
	session := h.(*TypingSession)
	assert.Eventually(t, func() bool { return !session.Active() }, time.Second, 5*time.Millisecond)
	h.Stop()
}

func TestTyping_NilSignalerIsSilent(t *testing.T) {
	typing := NewTyping(TypingConfig{Interval: 5 * time.Millisecond, Logger: testLogger()})
	h := typing.Start(context.Background(), "chan1")
	session := h.(*TypingSession)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, session.Active(), "loop survives ticks without a signaler")
	assert.NotPanics(t, h.Stop)
	assert.False(t, session.Active())
}
