// Package media downloads inbound attachments and keeps them on local disk
// so the agent host can read them by path.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"discordgate/internal/domain"
	"discordgate/internal/transport"

	"github.com/google/uuid"
)

// defaultFetchLimit bounds a single download so a misbehaving CDN cannot
// exhaust memory before the size ceiling is checked.
const defaultFetchLimit = 100 * 1024 * 1024

// Config configures the media store.
type Config struct {
	Dir        string
	FetchLimit int64 // hard cap on bytes read per download (default: 100MB)
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Store implements domain.MediaFetcher.
type Store struct {
	dir        string
	fetchLimit int64
	client     *http.Client
	logger     *slog.Logger
}

// NewStore creates the media directory and returns a store rooted at it.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("media store: no directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = transport.SharedHTTPClient(60 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		dir:        cfg.Dir,
		fetchLimit: cfg.FetchLimit,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// FetchRemote downloads url into memory. Bodies larger than the fetch limit
// fail with domain.ErrMediaUnavailable.
func (s *Store) FetchRemote(ctx context.Context, url string) (*domain.FetchedMedia, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "fetch media", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.TransportError{Op: "fetch media", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.fetchLimit+1))
	if err != nil {
		return nil, &domain.TransportError{Op: "read media", Err: err}
	}
	if int64(len(data)) > s.fetchLimit {
		return nil, fmt.Errorf("%w: download exceeds %d bytes", domain.ErrMediaUnavailable, s.fetchLimit)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &domain.FetchedMedia{Data: data, ContentType: contentType}, nil
}

// SaveBuffer writes data to <dir>/<direction>/<uuid><ext>. Buffers larger
// than maxBytes are rejected with domain.ErrMediaUnavailable.
func (s *Store) SaveBuffer(ctx context.Context, data []byte, contentType, direction string, maxBytes int64) (*domain.SavedMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrMediaUnavailable, len(data), maxBytes)
	}
	if direction == "" {
		direction = "inbound"
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	dir := filepath.Join(s.dir, filepath.Base(direction))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+extensionFor(contentType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write media: %w", err)
	}

	s.logger.Debug("media saved", "path", path, "size", len(data), "content_type", contentType)
	return &domain.SavedMedia{Path: path, ContentType: contentType, Size: int64(len(data))}, nil
}

func extensionFor(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	switch base {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "text/plain":
		return ".txt"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
