package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"discordgate/internal/domain"

	"github.com/bwmarrin/discordgo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- REST / gateway ---

type fakeREST struct {
	mu        sync.Mutex
	sent      []sentMessage
	dmCreates []string
	typing    []string
	sendErr   error
	userErr   error
	nextID    int
}

type sentMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

func (f *fakeREST) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Data: data})
	return &discordgo.Message{ID: "m" + string(rune('0'+f.nextID)), ChannelID: channelID}, nil
}

func (f *fakeREST) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmCreates = append(f.dmCreates, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (f *fakeREST) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, channelID)
	return nil
}

func (f *fakeREST) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return &discordgo.User{ID: "999", Username: "gatebot"}, nil
}

func (f *fakeREST) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeGateway struct {
	mu       sync.Mutex
	handlers []interface{}
	opened   chan struct{}
	openErr  error
	closed   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{opened: make(chan struct{})}
}

func (g *fakeGateway) AddHandler(h interface{}) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
	return func() {}
}

func (g *fakeGateway) Open() error {
	if g.openErr != nil {
		return g.openErr
	}
	close(g.opened)
	return nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

func (g *fakeGateway) emitReady(r *discordgo.Ready) {
	g.mu.Lock()
	hs := append([]interface{}(nil), g.handlers...)
	g.mu.Unlock()
	for _, h := range hs {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			fn(nil, r)
		}
	}
}

func (g *fakeGateway) emitMessage(m *discordgo.MessageCreate) {
	g.mu.Lock()
	hs := append([]interface{}(nil), g.handlers...)
	g.mu.Unlock()
	for _, h := range hs {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, m)
		}
	}
}

type fakeConnector struct {
	rest *fakeREST
	gw   *fakeGateway
}

func (c *fakeConnector) REST() (RESTClient, error) { return c.rest, nil }

func (c *fakeConnector) Gateway() (Gateway, error) { return c.gw, nil }

// --- pipeline collaborators ---

type sendCall struct {
	Target string
	Text   string
	Opts   SendOptions
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

func (f *fakeSender) Send(_ context.Context, target, text string, opts SendOptions) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{Target: target, Text: text, Opts: opts})
	return SendResult{MessageID: "out"}, f.err
}

func (f *fakeSender) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type fakeStore struct {
	mu      sync.Mutex
	allow   []string
	codes   map[string]string
	reads   int
	upserts int
}

func (s *fakeStore) ReadAllowlist(context.Context, string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.allow, nil
}

func (s *fakeStore) UpsertPairingRequest(_ context.Context, _, senderID string, _ map[string]string) (domain.PairingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.codes == nil {
		s.codes = map[string]string{}
	}
	if code, ok := s.codes[senderID]; ok {
		return domain.PairingResult{Code: code}, nil
	}
	s.codes[senderID] = "PAIR" + senderID
	return domain.PairingResult{Code: s.codes[senderID], Created: true}, nil
}

func (s *fakeStore) Calls() (reads, upserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.upserts
}

type countingTyping struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (c *countingTyping) Start(context.Context, string) TypingHandle {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return countingHandle{c}
}

func (c *countingTyping) Counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

type countingHandle struct{ c *countingTyping }

func (h countingHandle) Stop() {
	h.c.mu.Lock()
	h.c.stops++
	h.c.mu.Unlock()
}

type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	panicVal any
	reply    *domain.ReplyPayload
	envs     []*domain.DispatchEnvelope
}

func (f *fakeDispatcher) dispatch(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	if f.panicVal != nil {
		panic(f.panicVal)
	}
	if f.reply != nil {
		if err := opts.Deliver(ctx, *f.reply); err != nil {
			opts.OnError(err, "final")
		}
	}
	return f.err
}

func (f *fakeDispatcher) DispatchBlocks(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error {
	return f.dispatch(ctx, env, opts)
}

func (f *fakeDispatcher) DispatchMessage(ctx context.Context, env *domain.DispatchEnvelope, opts domain.DispatchOptions) error {
	return f.dispatch(ctx, env, opts)
}

func (f *fakeDispatcher) Envelopes() []*domain.DispatchEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.DispatchEnvelope(nil), f.envs...)
}

type fakeEvents struct {
	mu    sync.Mutex
	err   error
	texts []string
	keys  []string
}

func (f *fakeEvents) Enqueue(_ context.Context, text, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.keys = append(f.keys, sessionKey)
	return f.err
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeReporter) ReportError(_ context.Context, err error, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

type fakeMedia struct {
	mu      sync.Mutex
	data    []byte
	fetched []string
	saved   int
}

func (f *fakeMedia) FetchRemote(_ context.Context, url string) (*domain.FetchedMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	return &domain.FetchedMedia{Data: f.data, ContentType: "image/png"}, nil
}

func (f *fakeMedia) SaveBuffer(_ context.Context, data []byte, contentType, _ string, maxBytes int64) (*domain.SavedMedia, error) {
	if int64(len(data)) > maxBytes {
		return nil, domain.ErrMediaUnavailable
	}
	f.mu.Lock()
	f.saved++
	f.mu.Unlock()
	return &domain.SavedMedia{Path: "/media/inbound/x.png", ContentType: contentType, Size: int64(len(data))}, nil
}

type fakeRouter struct {
	route domain.Route
	err   error
	last  domain.RouteContext
}

func (f *fakeRouter) ResolveRoute(_ context.Context, rc domain.RouteContext) (domain.Route, error) {
	f.last = rc
	if f.err != nil {
		return domain.Route{}, f.err
	}
	return f.route, nil
}

var errStage = errors.New("stage unavailable")
