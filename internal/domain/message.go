package domain

import (
	"strings"
	"time"
)

// Attachment is a file attached to an inbound message.
type Attachment struct {
	URL         string
	ContentType string
	Filename    string
	Size        int64
}

// InboundMessage is a decoded MESSAGE_CREATE event. It is never mutated after decoding.
type InboundMessage struct {
	ID                  string
	ConversationID      string
	GuildID             string // empty for direct messages
	IsDirect            bool
	SenderID            string
	SenderName          string
	SenderTag           string // username#discriminator or the bare username
	IsBot               bool
	Text                string
	Timestamp           time.Time
	ReferencedMessageID string
	Attachments         []Attachment
}

// HasContent reports whether the message carries text or at least one attachment.
func (m InboundMessage) HasContent() bool {
	return strings.TrimSpace(m.Text) != "" || len(m.Attachments) > 0
}

// SessionIdentity is the bot's own user, known once the gateway reports ready.
type SessionIdentity struct {
	SelfUserID   string
	SelfUsername string
}

// ReplyPayload is one block of agent output to deliver back to the conversation.
type ReplyPayload struct {
	Text     string `json:"text"`
	MediaURL string `json:"mediaUrl,omitempty"`
}
