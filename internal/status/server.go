// Package status serves the operator HTTP surface: health, metrics, recent
// events, pending pairing requests and a signed outbound send endpoint.
package status

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"discordgate/internal/bus"
	"discordgate/internal/channel"
	"discordgate/internal/domain"
	"discordgate/internal/security"
)

const (
	defaultProbeTimeout = 5 * time.Second
	maxSendBody         = 1 << 20
	signatureHeader     = "X-Signature-256"
)

// Error codes returned in the JSON error envelope.
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeUpstream           = "UPSTREAM_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// Prober reports whether the bot credentials still work. *channel.Outbound satisfies it.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) channel.ProbeResult
}

// PendingLister lists pairing requests awaiting approval. *security.PairingStore satisfies it.
type PendingLister interface {
	ListPending(ctx context.Context, channel string) ([]security.PairingRequest, error)
}

// EventReplayer returns recent events. *bus.EventBus satisfies it.
type EventReplayer interface {
	Replay(eventType string, since time.Time) []bus.Event
}

// Config wires the status server. Every collaborator is optional; a missing
// one turns its route into a 503.
type Config struct {
	Addr         string
	Prober       Prober
	ProbeTimeout time.Duration
	Pairing      PendingLister
	Events       EventReplayer
	Metrics      http.Handler
	Sender       channel.Sender
	SendSecret   string // POST /send is only registered when set
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	router *mux.Router
	server *http.Server
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/pairing", s.handlePairing).Methods(http.MethodGet)
	r.HandleFunc("/pairing/{channel}", s.handlePairing).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
	if s.cfg.SendSecret != "" {
		r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("status server starting", "addr", ln.Addr().String(), "send", s.cfg.SendSecret != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	}
}

// --- handlers ---

type healthResponse struct {
	Status string              `json:"status"`
	Probe  channel.ProbeResult `json:"probe"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Prober == nil {
		sendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "probe not configured")
		return
	}
	res := s.cfg.Prober.Probe(r.Context(), s.cfg.ProbeTimeout)
	if !res.OK {
		sendJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Probe: res})
		return
	}
	sendJSON(w, http.StatusOK, healthResponse{Status: "ok", Probe: res})
}

type eventsResponse struct {
	Events []bus.Event `json:"events"`
}

// handleEvents replays history. since accepts RFC 3339, unix milliseconds or
// a Go duration meaning "that long ago".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		sendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "event history not configured")
		return
	}
	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		eventType = bus.AnyEvent
	}
	since, err := parseSince(q.Get("since"), s.cfg.Now())
	if err != nil {
		sendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	events := s.cfg.Events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	sendJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339, unix ms or a duration", v)
}

type pairingResponse struct {
	Pending []security.PairingRequest `json:"pending"`
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pairing == nil {
		sendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "pairing store not configured")
		return
	}
	ch := mux.Vars(r)["channel"]
	if ch == "" {
		ch = r.URL.Query().Get("channel")
	}
	pending, err := s.cfg.Pairing.ListPending(r.Context(), ch)
	if err != nil {
		s.logger.Error("list pending pairing requests", "err", err)
		sendError(w, http.StatusInternalServerError, ErrCodeInternalError, "cannot list pairing requests")
		return
	}
	if pending == nil {
		pending = []security.PairingRequest{}
	}
	sendJSON(w, http.StatusOK, pairingResponse{Pending: pending})
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Target   string `json:"target"` // "user:<id>", "channel:<id>", "<@id>" or a bare channel id
	Text     string `json:"text"`
	MediaURL string `json:"mediaUrl,omitempty"`
	ReplyTo  string `json:"replyTo,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		sendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "cannot read body")
		return
	}
	defer r.Body.Close()

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		sendError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing signature")
		return
	}
	if !verifyHMAC(body, s.cfg.SendSecret, sig) {
		sendError(w, http.StatusForbidden, ErrCodeForbidden, "invalid signature")
		return
	}

	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON")
		return
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		sendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "target is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.MediaURL == "" {
		sendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text or mediaUrl is required")
		return
	}
	if s.cfg.Sender == nil {
		sendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "outbound not configured")
		return
	}

	res, err := s.cfg.Sender.Send(r.Context(), req.Target, req.Text, channel.SendOptions{
		ReplyTo:  req.ReplyTo,
		MediaURL: req.MediaURL,
	})
	if err != nil {
		s.logger.Warn("status send failed", "target", req.Target, "err", err)
		status, code := http.StatusBadGateway, ErrCodeUpstream
		if errors.Is(err, domain.ErrMediaUnavailable) {
			status, code = http.StatusUnprocessableEntity, ErrCodeInvalidRequest
		}
		sendError(w, status, code, err.Error())
		return
	}

	s.logger.Info("status send delivered", "target", req.Target, "message_id", res.MessageID)
	sendJSON(w, http.StatusOK, res)
}

// verifyHMAC checks an "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Sign returns the X-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// --- JSON helpers ---

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}
