package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the gateway.
const (
	EventSystem       = "system.event"
	EventRuntimeError = "runtime.error"

	// AnyEvent subscribes to or replays every type.
	AnyEvent = "*"
)

const defaultEventHistory = 1000

// Event is one operator-visible record.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

type subscription struct {
	id string
	fn EventHandler
}

// EventBusConfig configures an EventBus.
type EventBusConfig struct {
	Source  string // stamped on events emitted by Enqueue and ReportError (default: discord)
	History int    // events kept for Replay (default: 1000)
	Logger  *slog.Logger
	Now     func() time.Time
}

// EventBus is the gateway's system event sink and error reporter. Events are
// kept in a bounded ring for Replay and fanned out to subscribers.
type EventBus struct {
	source string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string][]subscription
	ring []Event
	next int // ring write position once full
	seq  uint64
}

func NewEventBus(cfg EventBusConfig) *EventBus {
	if cfg.Source == "" {
		cfg.Source = "discord"
	}
	if cfg.History <= 0 {
		cfg.History = defaultEventHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EventBus{
		source: cfg.Source,
		logger: cfg.Logger,
		now:    cfg.Now,
		subs:   make(map[string][]subscription),
		ring:   make([]Event, 0, cfg.History),
	}
}

// On subscribes fn to eventType (or AnyEvent) and returns an id for Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	id := uuid.NewString()
	eb.mu.Lock()
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: fn})
	eb.mu.Unlock()
	return id
}

// Off removes the subscription with id.
func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i := range subs {
		if subs[i].id == id {
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records e and calls subscribers synchronously. A panicking
// subscriber is logged and does not affect the others.
func (eb *EventBus) Emit(e Event) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = eb.now()
	}

	eb.mu.Lock()
	eb.seq++
	e.Seq = eb.seq
	if len(eb.ring) < cap(eb.ring) {
		eb.ring = append(eb.ring, e)
	} else {
		eb.ring[eb.next] = e
		eb.next = (eb.next + 1) % len(eb.ring)
	}
	targets := append(append([]subscription(nil), eb.subs[e.Type]...), eb.subs[AnyEvent]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, e)
	}
	return e
}

func (eb *EventBus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event subscriber panicked", "event", e.Type, "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(e)
}

// Replay returns recorded events of eventType (or AnyEvent) at or after
// since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for i := 0; i < len(eb.ring); i++ {
		e := eb.ring[(eb.next+i)%len(eb.ring)]
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == AnyEvent || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Len is the number of events currently held for replay.
func (eb *EventBus) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.ring)
}

// Enqueue records a system event for a session.
func (eb *EventBus) Enqueue(ctx context.Context, text, sessionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.Emit(Event{
		Type:    EventSystem,
		Source:  eb.source,
		Payload: map[string]any{"text": text, "sessionKey": sessionKey},
	})
	return nil
}

// ReportError records a failure caught at a message handler boundary.
func (eb *EventBus) ReportError(_ context.Context, err error, fields map[string]any) {
	if err == nil {
		return
	}
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["error"] = err.Error()
	eb.Emit(Event{Type: EventRuntimeError, Source: eb.source, Payload: payload})
}
