package database

import (
	"context"
	"embed"
	"errors"
	"testing"
	"testing/fstest"
	"time"
)

// testMigrationsDir is the directory containing test migration files.
const testMigrationsDir = "testdata"

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

// testMigrator returns a Migrator over the test migrations.
func testMigrator() *Migrator {
	return &Migrator{FS: testMigrationsFS, Dir: testMigrationsDir}
}

// TestMigrator_Init verifies migrations are applied when the writer is opened.
func TestMigrator_Init(t *testing.T) {
	mgr := openTestManager(t, NewRegistry(), "migrate.db")
	conn := checkoutWriter(t, mgr)
	defer mgr.CloseConnection(conn) //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, table := range []string{"kv", "meta", "schema_migrations"} {
		var name string
		err := conn.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	applied, pending, err := testMigrator().Status(ctx, conn)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %d", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}
	for _, rec := range applied {
		if rec.AppliedAt.IsZero() {
			t.Errorf("migration %s has zero AppliedAt", rec.Version)
		}
	}
}

// TestMigrator_InitIdempotent verifies every writable connection can run Init.
func TestMigrator_InitIdempotent(t *testing.T) {
	mgr := openTestManager(t, NewRegistry(), "idempotent.db")
	ctx := context.Background()

	// Sync connections run the initializer again on the same file.
	for i := 0; i < 3; i++ {
		sc, err := mgr.OpenSyncConnection(ctx)
		if err != nil {
			t.Fatalf("OpenSyncConnection() #%d error = %v", i, err)
		}
		if err := sc.Release(); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}

	conn := checkoutWriter(t, mgr)
	defer mgr.CloseConnection(conn) //nolint:errcheck // Test cleanup

	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("SELECT error = %v", err)
	}
	if count != 2 {
		t.Errorf("schema_migrations rows = %d, want 2", count)
	}
}

// TestMigrator_PendingMigration verifies a newly shipped migration is applied
// to an existing database.
func TestMigrator_PendingMigration(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	first := &Migrator{FS: fstest.MapFS{
		"m/20260101_000000_one.up.sql": {Data: []byte("CREATE TABLE one (id INTEGER)")},
	}, Dir: "m"}
	second := &Migrator{FS: fstest.MapFS{
		"m/20260101_000000_one.up.sql": {Data: []byte("CREATE TABLE one (id INTEGER)")},
		"m/20260201_000000_two.up.sql": {Data: []byte("CREATE TABLE two (id INTEGER)")},
	}, Dir: "m"}

	mgr, err := reg.Open(ctx, t.TempDir()+"/pending.db", first, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	conn := checkoutWriter(t, mgr)
	defer mgr.CloseConnection(conn) //nolint:errcheck // Test cleanup

	_, pending, err := second.Status(ctx, conn)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "two" {
		t.Fatalf("pending = %+v, want migration two", pending)
	}

	if err := conn.WithTx(ctx, func(tx *Tx) error {
		return second.Init(ctx, tx)
	}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, pending, err = second.Status(ctx, conn)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after Init = %d, want 0", len(pending))
	}
}

// TestMigrator_UnknownVersion verifies a database from a newer binary is
// reported as ErrSchemaUpgrade.
func TestMigrator_UnknownVersion(t *testing.T) {
	mgr := openTestManager(t, NewRegistry(), "unknown.db")
	conn := checkoutWriter(t, mgr)
	defer mgr.CloseConnection(conn) //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := conn.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES ('29990101_000000', '2999-01-01T00:00:00Z')",
	); err != nil {
		t.Fatalf("INSERT error = %v", err)
	}

	err := conn.WithTx(ctx, func(tx *Tx) error {
		return testMigrator().Init(ctx, tx)
	})
	if !errors.Is(err, ErrSchemaUpgrade) {
		t.Errorf("Init() error = %v, want ErrSchemaUpgrade", err)
	}
}

// TestMigrator_NoMigrations verifies an empty migrator is a no-op.
func TestMigrator_NoMigrations(t *testing.T) {
	var m *Migrator
	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("Load() = %d migrations, want 0", len(migrations))
	}

	empty := &Migrator{FS: fstest.MapFS{"m/readme.txt": {Data: []byte("nothing")}}, Dir: "m"}
	migrations, err = empty.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("Load() = %d migrations, want 0", len(migrations))
	}
}

// TestMigrator_LoadSorted verifies migrations are ordered by version.
func TestMigrator_LoadSorted(t *testing.T) {
	migrations, err := testMigrator().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("Load() = %d migrations, want 2", len(migrations))
	}
	if migrations[0].Name != "create_kv" || migrations[1].Name != "create_meta" {
		t.Errorf("Load() order = %s, %s", migrations[0].Name, migrations[1].Name)
	}
}

func TestParseMigrationFile(t *testing.T) {
	tests := []struct {
		filename string
		version  string
		name     string
		up       bool
		ok       bool
	}{
		{"20260118_120000_create_users.up.sql", "20260118_120000", "create_users", true, true},
		{"20260118_120000_initial_schema.down.sql", "20260118_120000", "initial_schema", false, true},
		{"20260118_120000_add_email_to_users.up.sql", "20260118_120000", "add_email_to_users", true, true},
		{"readme.txt", "", "", false, false},
		{"20260118_120000_create_users.sql", "", "", false, false},
		{"invalid.up.sql", "", "", false, false},
		{"2026011x_120000_create_users.up.sql", "", "", false, false},
		{"20260118_120000.up.sql", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, up, ok := parseMigrationFile(tt.filename)
			if ok != tt.ok || version != tt.version || name != tt.name || up != tt.up {
				t.Errorf("parseMigrationFile(%q) = %q, %q, %v, %v; want %q, %q, %v, %v",
					tt.filename, version, name, up, ok, tt.version, tt.name, tt.up, tt.ok)
			}
		})
	}
}
