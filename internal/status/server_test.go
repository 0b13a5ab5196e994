package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discordgate/internal/bus"
	"discordgate/internal/channel"
	"discordgate/internal/domain"
	"discordgate/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProber struct{ res channel.ProbeResult }

func (p stubProber) Probe(context.Context, time.Duration) channel.ProbeResult { return p.res }

type stubPending struct {
	reqs    []security.PairingRequest
	err     error
	channel string
}

func (s *stubPending) ListPending(_ context.Context, ch string) ([]security.PairingRequest, error) {
	s.channel = ch
	return s.reqs, s.err
}

type stubSender struct {
	target string
	text   string
	opts   channel.SendOptions
	err    error
}

func (s *stubSender) Send(_ context.Context, target, text string, opts channel.SendOptions) (channel.SendResult, error) {
	s.target, s.text, s.opts = target, text, opts
	if s.err != nil {
		return channel.SendResult{}, s.err
	}
	return channel.SendResult{MessageID: "m1", ChannelID: "c1"}, nil
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ok := New(Config{Prober: stubProber{channel.ProbeResult{OK: true, UserID: "999"}}, Logger: testLogger()})
	rec := do(t, ok.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	bad := New(Config{Prober: stubProber{channel.ProbeResult{Error: "401 Unauthorized"}}, Logger: testLogger()})
	rec = do(t, bad.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "401 Unauthorized")

	none := New(Config{Logger: testLogger()})
	rec = do(t, none.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	s := New(Config{Prober: stubProber{channel.ProbeResult{OK: true}}, Logger: testLogger()})
	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	s := New(Config{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "x_total 1\n") }),
		Logger:  testLogger(),
	})
	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "x_total 1\n", rec.Body.String())
}

func TestEvents(t *testing.T) {
	eb := bus.NewEventBus(bus.EventBusConfig{Logger: testLogger()})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	eb.Emit(bus.Event{Type: bus.EventSystem, Timestamp: now.Add(-time.Hour)})
	eb.Emit(bus.Event{Type: bus.EventRuntimeError, Timestamp: now.Add(-time.Minute)})
	eb.Emit(bus.Event{Type: bus.EventSystem, Timestamp: now.Add(-time.Second)})

	s := New(Config{Events: eb, Logger: testLogger(), Now: func() time.Time { return now }})

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?type=system.event", 2},
		{"?since=5m", 2},
		{"?type=system.event&since=5m", 1},
		{"?since=" + now.Add(-2*time.Minute).Format(time.RFC3339), 2},
		{fmt.Sprintf("?since=%d", now.Add(-2*time.Second).UnixMilli()), 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/events"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			var out eventsResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			assert.Len(t, out.Events, tt.want)
		})
	}

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/events?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPairing(t *testing.T) {
	store := &stubPending{reqs: []security.PairingRequest{{Channel: "discord", UserID: "42", Code: "ABCD2345"}}}
	s := New(Config{Pairing: store, Logger: testLogger()})

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/pairing/discord", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "discord", store.channel)
	assert.Contains(t, rec.Body.String(), "ABCD2345")

	rec = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/pairing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", store.channel)

	store.err = errors.New("disk I/O error")
	rec = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/pairing", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk I/O")
}

func signedSend(t *testing.T, secret string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(data))
	req.Header.Set(signatureHeader, Sign(data, secret))
	return req
}

func TestSend(t *testing.T) {
	sender := &stubSender{}
	s := New(Config{Sender: sender, SendSecret: "s3cret", Logger: testLogger()})

	rec := do(t, s.Handler(), signedSend(t, "s3cret", SendRequest{Target: "channel:c1", Text: "hi", ReplyTo: "m0"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "channel:c1", sender.target)
	assert.Equal(t, "hi", sender.text)
	assert.Equal(t, "m0", sender.opts.ReplyTo)
	assert.Contains(t, rec.Body.String(), `"messageId":"m1"`)
}

func TestSend_Rejections(t *testing.T) {
	sender := &stubSender{}
	s := New(Config{Sender: sender, SendSecret: "s3cret", Logger: testLogger()})

	unsigned := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"target":"c1","text":"x"}`))
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), unsigned).Code)

	wrong := signedSend(t, "other", SendRequest{Target: "c1", Text: "x"})
	assert.Equal(t, http.StatusForbidden, do(t, s.Handler(), wrong).Code)

	empty := signedSend(t, "s3cret", SendRequest{Target: "c1"})
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), empty).Code)

	noTarget := signedSend(t, "s3cret", SendRequest{Text: "x"})
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), noTarget).Code)

	assert.Empty(t, sender.target, "rejected requests must not reach the sender")
}

func TestSend_UpstreamErrors(t *testing.T) {
	sender := &stubSender{err: &domain.TransportError{Op: "discord send", Err: errors.New("50013 Missing Permissions")}}
	s := New(Config{Sender: sender, SendSecret: "s3cret", Logger: testLogger()})
	rec := do(t, s.Handler(), signedSend(t, "s3cret", SendRequest{Target: "c1", Text: "x"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	sender.err = fmt.Errorf("load: %w", domain.ErrMediaUnavailable)
	rec = do(t, s.Handler(), signedSend(t, "s3cret", SendRequest{Target: "c1", MediaURL: "/nope.png"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSend_DisabledWithoutSecret(t *testing.T) {
	s := New(Config{Sender: &stubSender{}, Logger: testLogger()})
	rec := do(t, s.Handler(), signedSend(t, "", SendRequest{Target: "c1", Text: "x"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{Prober: stubProber{channel.ProbeResult{OK: true}}, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
