package domain

import "context"

// PairingResult is returned by PairingStore.UpsertPairingRequest.
type PairingResult struct {
	Code string
	// Created is true only the first time a request is issued for a sender.
	Created bool
}

// PairingStore persists allowlist approvals and pending pairing requests.
type PairingStore interface {
	ReadAllowlist(ctx context.Context, channel string) ([]string, error)
	UpsertPairingRequest(ctx context.Context, channel, senderID string, meta map[string]string) (PairingResult, error)
}

// FetchedMedia is a remote file loaded into memory.
type FetchedMedia struct {
	Data        []byte
	ContentType string
}

// SavedMedia is a file persisted to local storage.
type SavedMedia struct {
	Path        string
	ContentType string
	Size        int64
}

// MediaFetcher downloads inbound attachments and stores them locally.
type MediaFetcher interface {
	FetchRemote(ctx context.Context, url string) (*FetchedMedia, error)
	SaveBuffer(ctx context.Context, data []byte, contentType, direction string, maxBytes int64) (*SavedMedia, error)
}

// RouteContext describes the peer a message came from.
type RouteContext struct {
	Provider  string
	AccountID string
	PeerKind  string // ChatTypeDirect or ChatTypeGroup
	PeerID    string
	GuildID   string
	Text      string
}

// Route is the agent session an inbound message belongs to.
type Route struct {
	AgentID    string
	SessionKey string
	AccountID  string
}

// RouteResolver maps an inbound peer to an agent session.
type RouteResolver interface {
	ResolveRoute(ctx context.Context, rc RouteContext) (Route, error)
}
