package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"discordgate/internal/domain"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchBus_NoConsumer(t *testing.T) {
	b := New(1, testEBLogger())
	err := b.DispatchBlocks(context.Background(), &domain.DispatchEnvelope{}, domain.DispatchOptions{})
	if err == nil {
		t.Fatal("expected error without a consumer")
	}
}

func TestDispatchBus_RoundTrip(t *testing.T) {
	b := New(1, testEBLogger())
	reqs := b.Subscribe()

	go func() {
		req := <-reqs
		req.Options.Deliver(context.Background(), domain.ReplyPayload{Text: "pong " + req.Envelope.Body})
		req.Done <- nil
	}()

	var got string
	opts := domain.DispatchOptions{Deliver: func(_ context.Context, r domain.ReplyPayload) error {
		got = r.Text
		return nil
	}}
	if err := b.DispatchBlocks(context.Background(), &domain.DispatchEnvelope{Body: "ping"}, opts); err != nil {
		t.Fatal(err)
	}
	if got != "pong ping" {
		t.Errorf("delivered %q", got)
	}
}

func TestDispatchBus_ConsumerError(t *testing.T) {
	b := New(1, testEBLogger())
	reqs := b.Subscribe()
	want := errors.New("agent down")
	go func() {
		req := <-reqs
		req.Done <- want
	}()

	err := b.DispatchBlocks(context.Background(), &domain.DispatchEnvelope{}, domain.DispatchOptions{})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestDispatchBus_Closed(t *testing.T) {
	b := New(1, testEBLogger())
	b.Subscribe()
	b.Close()
	b.Close()

	err := b.DispatchBlocks(context.Background(), &domain.DispatchEnvelope{}, domain.DispatchOptions{})
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("err = %v, want ErrBusClosed", err)
	}
}

func TestDispatchBus_FullTimesOut(t *testing.T) {
	b := New(1, testEBLogger())
	b.waitTimeout = 20 * time.Millisecond
	b.Subscribe()

	// Fill the buffer without a reader.
	if err := b.publish(context.Background(), domain.DispatchRequest{Envelope: &domain.DispatchEnvelope{}, Done: make(chan error, 1)}); err != nil {
		t.Fatal(err)
	}
	err := b.DispatchBlocks(context.Background(), &domain.DispatchEnvelope{}, domain.DispatchOptions{})
	if err == nil {
		t.Fatal("expected timeout error on full bus")
	}
}

func TestDispatchBus_ContextCancelWhileWaiting(t *testing.T) {
	b := New(1, testEBLogger())
	reqs := b.Subscribe()
	go func() { <-reqs }() // consume but never complete

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.DispatchBlocks(ctx, &domain.DispatchEnvelope{}, domain.DispatchOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
