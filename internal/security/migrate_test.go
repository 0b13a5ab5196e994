package security

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testMigrationDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pairing.db")+"?_journal_mode=WAL")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testMigrationDB(t)
	ctx := context.Background()

	if err := runMigrations(ctx, db, testPairingLogger()); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	version, err := schemaVersionOf(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testMigrationDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := runMigrations(ctx, db, testPairingLogger()); err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d schema_version rows, got %d", len(migrations), count)
	}
}

func TestRunMigrations_CreatesExpectedObjects(t *testing.T) {
	db := testMigrationDB(t)
	if err := runMigrations(context.Background(), db, testPairingLogger()); err != nil {
		t.Fatal(err)
	}

	objects := []struct{ kind, name string }{
		{"table", "pairing_requests"},
		{"table", "pairing_allowlist"},
		{"index", "idx_pairing_code"},
		{"index", "idx_pairing_expiry"},
		{"index", "idx_allowlist_order"},
	}
	for _, o := range objects {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type=? AND name=?", o.kind, o.name).Scan(&name)
		if err != nil {
			t.Errorf("%s %q not found: %v", o.kind, o.name, err)
		}
	}
}

func TestRunMigrations_UpgradesFromV1(t *testing.T) {
	db := testMigrationDB(t)
	ctx := context.Background()

	if err := runMigrations(ctx, db, testPairingLogger()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("DROP INDEX idx_pairing_expiry"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("DELETE FROM schema_version WHERE version = 2"); err != nil {
		t.Fatal(err)
	}

	if err := runMigrations(ctx, db, testPairingLogger()); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_pairing_expiry'").Scan(&name); err != nil {
		t.Errorf("expiry index not recreated: %v", err)
	}
}

func TestSchemaVersionOf_NoTable(t *testing.T) {
	db := testMigrationDB(t)

	version, err := schemaVersionOf(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for fresh DB, got %d", version)
	}
}

func TestSplitSQL(t *testing.T) {
	got := splitSQL(`
		CREATE TABLE a (x INTEGER);
		  ;
		CREATE INDEX i ON a(x);
	`)
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (x INTEGER)" {
		t.Errorf("unexpected first statement %q", got[0])
	}
}

func TestPairingStore_SchemaVersion(t *testing.T) {
	s, _ := testPairingStore(t, 3)

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("store schema version = %d, want %d", version, schemaVersion)
	}
}
