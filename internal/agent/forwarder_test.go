package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordgate/internal/bus"
	"discordgate/internal/domain"
)

func startForwarder(t *testing.T, handler http.HandlerFunc) (*bus.DispatchBus, <-chan struct{}) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b := bus.New(4, testLogger())
	f := NewForwarder(ForwarderConfig{
		Host:        HostConfig{URL: srv.URL, Logger: testLogger()},
		Requests:    b.Subscribe(),
		Concurrency: 2,
		Limiter:     NewSessionLimiter(5, 600),
		Logger:      testLogger(),
	})

	stopped := make(chan struct{})
	go func() {
		f.Run(context.Background())
		close(stopped)
	}()
	return b, stopped
}

func TestForwarder_StreamsBlocks(t *testing.T) {
	b, stopped := startForwarder(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modeBlocks, r.Header.Get("X-Dispatch-Mode"))
		assert.Contains(t, r.Header.Get("Accept"), contentTypeNDJSON)
		w.Header().Set("Content-Type", contentTypeNDJSON)
		io.WriteString(w, `{"kind":"block","text":"thinking"}`+"\n")
		w.(http.Flusher).Flush()
		io.WriteString(w, `{"kind":"final","text":"done"}`+"\n")
	})

	rec := &recordedReplies{}
	err := b.DispatchBlocks(context.Background(), testEnvelope(), rec.options())
	require.NoError(t, err)
	assert.Equal(t, []string{"thinking", "done"}, rec.Texts())

	b.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop after bus close")
	}
}

func TestForwarder_BufferedFallback(t *testing.T) {
	b, _ := startForwarder(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, `{"replies":[{"text":"only"}]}`)
	})
	defer b.Close()

	rec := &recordedReplies{}
	require.NoError(t, b.DispatchBlocks(context.Background(), testEnvelope(), rec.options()))
	assert.Equal(t, []string{"only"}, rec.Texts())
}

func TestForwarder_ErrorLine(t *testing.T) {
	b, _ := startForwarder(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeNDJSON)
		io.WriteString(w, `{"text":"partial"}`+"\n"+`{"error":"model overloaded"}`+"\n")
	})
	defer b.Close()

	rec := &recordedReplies{}
	err := b.DispatchBlocks(context.Background(), testEnvelope(), rec.options())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Equal(t, []string{"partial"}, rec.Texts())
}

func TestForwarder_MalformedStream(t *testing.T) {
	b, _ := startForwarder(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeNDJSON)
		io.WriteString(w, `{"text":"ok"}`+"\n"+`{not json`)
	})
	defer b.Close()

	rec := &recordedReplies{}
	err := b.DispatchBlocks(context.Background(), testEnvelope(), rec.options())
	require.Error(t, err)
	assert.Equal(t, []string{"ok"}, rec.Texts())
}

func TestForwarder_HostDown(t *testing.T) {
	b, _ := startForwarder(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	defer b.Close()

	err := b.DispatchBlocks(context.Background(), testEnvelope(), (&recordedReplies{}).options())
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
}

func TestForwarder_NilEnvelope(t *testing.T) {
	f := NewForwarder(ForwarderConfig{Host: HostConfig{URL: "http://127.0.0.1:0"}, Logger: testLogger()})
	err := f.forward(context.Background(), domain.DispatchRequest{})
	assert.Error(t, err)
}
