package security

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current pairing database schema version.
const schemaVersion = 2

// migration is one schema step, applied once and tracked in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "pairing requests and allowlist",
		SQL: `
		CREATE TABLE IF NOT EXISTS pairing_requests (
			id           TEXT PRIMARY KEY,
			channel      TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			code         TEXT NOT NULL,
			meta         TEXT,
			created_at   INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL,
			UNIQUE(channel, user_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_code ON pairing_requests(channel, code);

		CREATE TABLE IF NOT EXISTS pairing_allowlist (
			channel     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			approved_at INTEGER NOT NULL,
			PRIMARY KEY(channel, user_id)
		);
		`,
	},
	{
		Version:     2,
		Description: "expiry and approval-order indexes",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_pairing_expiry ON pairing_requests(expires_at);
		CREATE INDEX IF NOT EXISTS idx_allowlist_order ON pairing_allowlist(channel, approved_at);
		`,
	},
}

// runMigrations applies all pending migrations in order.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := schemaVersionOf(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying pairing migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncateSQL(stmt, 200))
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

// schemaVersionOf returns the highest applied migration, 0 for a new database.
func schemaVersionOf(ctx context.Context, db *sql.DB) (int, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema table: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

// splitSQL splits a multi-statement script on semicolons.
func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncateSQL(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
