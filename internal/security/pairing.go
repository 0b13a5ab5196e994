package security

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"discordgate/internal/domain"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

const (
	pairingCodeLength   = 8
	pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairingCodeAttempts = 500

	defaultPendingTTL = time.Hour
	defaultMaxPending = 3
)

// PairingConfig configures the SQLite pairing store.
type PairingConfig struct {
	DB         *sql.DB // optional: opened from DBPath when nil
	DBPath     string
	PendingTTL time.Duration
	MaxPending int // pending requests allowed per channel
	Logger     *slog.Logger
	Now        func() time.Time
}

// PairingRequest is a pending request from a sender who is not allowed yet.
type PairingRequest struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	UserID     string            `json:"userId"`
	Code       string            `json:"code"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastSeenAt time.Time         `json:"lastSeenAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// AllowedUser is an approved allowlist entry.
type AllowedUser struct {
	Channel    string    `json:"channel"`
	UserID     string    `json:"userId"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// PairingStore persists pending pairing requests and approved senders.
// Timestamps are stored as unix milliseconds.
type PairingStore struct {
	db         *sql.DB
	ownsDB     bool
	pendingTTL time.Duration
	maxPending int
	logger     *slog.Logger
	now        func() time.Time
}

// NewPairingStore opens (or reuses) the database and creates the tables.
func NewPairingStore(cfg PairingConfig) (*PairingStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}

	db, owns := cfg.DB, false
	if db == nil {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("pairing store: no database path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory: %w", err)
		}
		var err error
		db, err = sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("cannot open pairing database: %w", err)
		}
		// Single connection for SQLite.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		owns = true
	}

	s := &PairingStore{
		db:         db,
		ownsDB:     owns,
		pendingTTL: cfg.PendingTTL,
		maxPending: cfg.MaxPending,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if err := runMigrations(context.Background(), db, cfg.Logger); err != nil {
		if owns {
			db.Close()
		}
		return nil, fmt.Errorf("pairing migration failed: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *PairingStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// SchemaVersion is the highest migration applied to the database.
func (s *PairingStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersionOf(ctx, s.db)
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist yet.
func (s *PairingStore) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot pairing database: %w", err)
	}
	return nil
}

// ReadAllowlist returns the approved user ids for channel, oldest first.
func (s *PairingStore) ReadAllowlist(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM pairing_allowlist WHERE channel = ? ORDER BY approved_at, user_id`, channel)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertPairingRequest returns the sender's pending code, creating one if
// needed. Created is true only when a new request was inserted. When the
// channel already has MaxPending requests the result is empty.
func (s *PairingStore) UpsertPairingRequest(ctx context.Context, channel, userID string, meta map[string]string) (domain.PairingResult, error) {
	now := s.now()
	metaJSON, _ := json.Marshal(meta)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PairingResult{}, fmt.Errorf("begin pairing tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = ? AND expires_at <= ?`,
		channel, now.UnixMilli(),
	); err != nil {
		return domain.PairingResult{}, fmt.Errorf("expire pairing requests: %w", err)
	}

	var code string
	err = tx.QueryRowContext(ctx,
		`SELECT code FROM pairing_requests WHERE channel = ? AND user_id = ?`,
		channel, userID,
	).Scan(&code)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE pairing_requests SET last_seen_at = ?, meta = ? WHERE channel = ? AND user_id = ?`,
			now.UnixMilli(), string(metaJSON), channel, userID,
		); err != nil {
			return domain.PairingResult{}, fmt.Errorf("touch pairing request: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.PairingResult{}, err
		}
		return domain.PairingResult{Code: code, Created: false}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.PairingResult{}, fmt.Errorf("lookup pairing request: %w", err)
	}

	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pairing_requests WHERE channel = ?`, channel,
	).Scan(&pending); err != nil {
		return domain.PairingResult{}, fmt.Errorf("count pairing requests: %w", err)
	}
	if pending >= s.maxPending {
		s.logger.Warn("pairing queue full", "channel", channel, "pending", pending)
		return domain.PairingResult{}, tx.Commit()
	}

	code, err = s.uniqueCode(ctx, tx, channel)
	if err != nil {
		return domain.PairingResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pairing_requests (id, channel, user_id, code, meta, created_at, last_seen_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), channel, userID, code, string(metaJSON),
		now.UnixMilli(), now.UnixMilli(), now.Add(s.pendingTTL).UnixMilli(),
	); err != nil {
		return domain.PairingResult{}, fmt.Errorf("insert pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.PairingResult{}, err
	}
	return domain.PairingResult{Code: code, Created: true}, nil
}

func (s *PairingStore) uniqueCode(ctx context.Context, tx *sql.Tx, channel string) (string, error) {
	for i := 0; i < pairingCodeAttempts; i++ {
		code := generateSecureCode(pairingCodeLength)
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pairing_requests WHERE channel = ? AND code = ?`, channel, code,
		).Scan(&n); err != nil {
			return "", fmt.Errorf("check pairing code: %w", err)
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique pairing code")
}

// Approve moves the request matching code into the allowlist.
func (s *PairingStore) Approve(ctx context.Context, channel, code string) (*PairingRequest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pairing tx: %w", err)
	}
	defer tx.Rollback()

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT id, channel, user_id, code, meta, created_at, last_seen_at, expires_at
		 FROM pairing_requests WHERE channel = ? AND code = ? AND expires_at > ?`,
		channel, code, now.UnixMilli(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pairing code: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_allowlist (channel, user_id, approved_at) VALUES (?, ?, ?)`,
		channel, req.UserID, now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("store approval: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE id = ?`, req.ID); err != nil {
		return nil, fmt.Errorf("remove pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("user paired", "channel", channel, "user_id", req.UserID)
	return req, nil
}

// Reject drops the pending request matching code.
func (s *PairingStore) Reject(ctx context.Context, channel, code string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = ? AND code = ?`,
		channel, strings.ToUpper(strings.TrimSpace(code)),
	)
	if err != nil {
		return fmt.Errorf("reject pairing request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPairingNotFound
	}
	return nil
}

// Revoke removes an approved user from the allowlist.
func (s *PairingStore) Revoke(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_allowlist WHERE channel = ? AND user_id = ?`, channel, userID)
	return err
}

// ListPending returns unexpired requests, oldest first. An empty channel lists all channels.
func (s *PairingStore) ListPending(ctx context.Context, channel string) ([]PairingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, user_id, code, meta, created_at, last_seen_at, expires_at
		 FROM pairing_requests WHERE (? = '' OR channel = ?) AND expires_at > ?
		 ORDER BY created_at`,
		channel, channel, s.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []PairingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ListAllowed returns approved users. An empty channel lists all channels.
func (s *PairingStore) ListAllowed(ctx context.Context, channel string) ([]AllowedUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, user_id, approved_at FROM pairing_allowlist
		 WHERE (? = '' OR channel = ?) ORDER BY approved_at`,
		channel, channel,
	)
	if err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	defer rows.Close()

	var out []AllowedUser
	for rows.Next() {
		var (
			u          AllowedUser
			approvedAt int64
		)
		if err := rows.Scan(&u.Channel, &u.UserID, &approvedAt); err != nil {
			return nil, err
		}
		u.ApprovedAt = time.UnixMilli(approvedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// CleanExpired deletes expired pending requests and returns how many were removed.
func (s *PairingStore) CleanExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("clean pairing requests: %w", err)
	}
	return res.RowsAffected()
}

// StartJanitor runs CleanExpired on the given cron schedule until ctx is done.
func (s *PairingStore) StartJanitor(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "@every 1m"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		n, err := s.CleanExpired(ctx)
		if err != nil {
			s.logger.Warn("pairing cleanup failed", "err", err)
			return
		}
		if n > 0 {
			s.logger.Debug("expired pairing requests removed", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("pairing cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*PairingRequest, error) {
	var (
		req                          PairingRequest
		meta                         sql.NullString
		createdAt, lastSeen, expires int64
	)
	if err := row.Scan(&req.ID, &req.Channel, &req.UserID, &req.Code, &meta, &createdAt, &lastSeen, &expires); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		_ = json.Unmarshal([]byte(meta.String), &req.Meta)
	}
	req.CreatedAt = time.UnixMilli(createdAt)
	req.LastSeenAt = time.UnixMilli(lastSeen)
	req.ExpiresAt = time.UnixMilli(expires)
	return &req, nil
}

// generateSecureCode returns a random code drawn from an alphabet without
// look-alike characters (no 0/O, 1/I).
func generateSecureCode(length int) string {
	code := make([]byte, length)
	max := big.NewInt(int64(len(pairingCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			code[i] = pairingCodeAlphabet[0]
			continue
		}
		code[i] = pairingCodeAlphabet[n.Int64()]
	}
	return string(code)
}
