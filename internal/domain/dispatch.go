package domain

import (
	"context"
	"time"
)

// Chat types carried on a DispatchEnvelope.
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

// DispatchEnvelope is the normalized payload handed to the agent host.
// A new envelope is built for every message.
type DispatchEnvelope struct {
	ID                  string    `json:"id"`
	Provider            string    `json:"provider"`
	Surface             string    `json:"surface"`
	AccountID           string    `json:"accountId"`
	SessionKey          string    `json:"sessionKey"`
	ChatType            string    `json:"chatType"`
	From                string    `json:"from"`
	To                  string    `json:"to"`
	SenderID            string    `json:"senderId"`
	SenderName          string    `json:"senderName"`
	SenderTag           string    `json:"senderTag,omitempty"`
	ConversationID      string    `json:"conversationId"`
	ConversationLabel   string    `json:"conversationLabel"`
	Body                string    `json:"body"`
	RawBody             string    `json:"rawBody"`
	MediaPath           string    `json:"mediaPath,omitempty"`
	MediaType           string    `json:"mediaType,omitempty"`
	MessageID           string    `json:"messageId"`
	ReplyToID           string    `json:"replyToId,omitempty"`
	ReferencedMessageID string    `json:"referencedMessageId,omitempty"`
	WasMentioned        bool      `json:"wasMentioned"`
	Timestamp           time.Time `json:"timestamp"`
}

// IsGroup reports whether the envelope came from a non-direct conversation.
func (e *DispatchEnvelope) IsGroup() bool { return e.ChatType == ChatTypeGroup }

// DeliverFunc sends one reply block back to the originating conversation.
type DeliverFunc func(ctx context.Context, reply ReplyPayload) error

// DispatchOptions carries the callbacks a dispatcher uses while producing replies.
type DispatchOptions struct {
	Deliver DeliverFunc
	// OnError is informational: the dispatcher reports delivery failures here
	// and decides on its own whether to keep going.
	OnError func(err error, kind string)
}

// BlockDispatcher hands an envelope to the agent and streams reply blocks
// through opts.Deliver as they are produced.
type BlockDispatcher interface {
	DispatchBlocks(ctx context.Context, env *DispatchEnvelope, opts DispatchOptions) error
}

// MessageDispatcher hands an envelope to the agent and delivers the buffered
// replies once the agent is done.
type MessageDispatcher interface {
	DispatchMessage(ctx context.Context, env *DispatchEnvelope, opts DispatchOptions) error
}

// DispatchRequest is an envelope in flight on the in-process dispatch bus.
type DispatchRequest struct {
	Envelope *DispatchEnvelope
	Options  DispatchOptions
	// Done receives exactly one value once the consumer finished with the request.
	Done chan error
}

// SystemEventSink is the last-resort visibility channel for operators.
type SystemEventSink interface {
	Enqueue(ctx context.Context, text string, sessionKey string) error
}

// ErrorReporter receives per-message failures that were caught at the
// handler boundary.
type ErrorReporter interface {
	ReportError(ctx context.Context, err error, fields map[string]any)
}
