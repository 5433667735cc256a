package database

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"time"
)

// Initializer prepares the schema of every writable connection.
//
// Init is called inside an already-open transaction, before the connection is
// handed out. It should create or migrate tables and return an error wrapping
// ErrSchemaUpgrade when the schema on disk cannot be used by this binary.
type Initializer interface {
	Init(ctx context.Context, tx *Tx) error
}

// InitializerFunc adapts a function to the Initializer interface.
type InitializerFunc func(ctx context.Context, tx *Tx) error

// Init calls f(ctx, tx).
func (f InitializerFunc) Init(ctx context.Context, tx *Tx) error {
	return f(ctx, tx)
}

// Migration is one schema change, loaded from
// YYYYMMDD_HHMMSS_name.up.sql.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	UpSQL   string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

var (
	migrationFileRE = regexp.MustCompile(`^(\d{8}_\d{6})_(.+)\.(up|down)\.sql$`)
	versionRE       = regexp.MustCompile(`^\d{8}_\d{6}$`)
)

// parseMigrationFile splits a migration file name into its version, name
// and direction. ok is false for any other file.
func parseMigrationFile(filename string) (version, name string, up, ok bool) {
	m := migrationFileRE.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false, false
	}
	return m[1], m[2], m[3] == "up", true
}

// Migrator is an Initializer that applies the up migrations found in Dir
// of FS, recording each applied version in schema_migrations. Every
// pending migration runs in the initializer transaction, so a failure
// leaves the database untouched.
//
//	//go:embed migrations/*.sql
//	var migrationsFS embed.FS
//
//	var migrator = &database.Migrator{FS: migrationsFS, Dir: "migrations"}
type Migrator struct {
	FS  fs.FS
	Dir string
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`

// Init applies pending migrations in tx. A database that records a version
// this binary does not ship, or a malformed version, fails with
// ErrSchemaUpgrade.
func (m *Migrator) Init(ctx context.Context, tx *Tx) error {
	if _, err := tx.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	shipped, err := m.Load()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	records, err := appliedMigrations(ctx, tx)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}

	known := make(map[string]struct{}, len(shipped))
	for _, mig := range shipped {
		known[mig.Version] = struct{}{}
	}
	done := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if !versionRE.MatchString(rec.Version) {
			return fmt.Errorf("%w: malformed migration version %q", ErrSchemaUpgrade, rec.Version)
		}
		if _, ok := known[rec.Version]; !ok {
			return fmt.Errorf("%w: migration %s is newer than this binary", ErrSchemaUpgrade, rec.Version)
		}
		done[rec.Version] = struct{}{}
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	for _, mig := range shipped {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
			return fmt.Errorf("migration %s_%s: %w", mig.Version, mig.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", mig.Version, stamp,
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", mig.Version, err)
		}
	}
	return nil
}

// Status lists the applied and the still pending migrations.
func (m *Migrator) Status(ctx context.Context, q Querier) (applied []MigrationRecord, pending []Migration, err error) {
	if applied, err = appliedMigrations(ctx, q); err != nil {
		return nil, nil, err
	}
	shipped, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	pending = slices.DeleteFunc(shipped, func(mig Migration) bool {
		return slices.ContainsFunc(applied, func(r MigrationRecord) bool { return r.Version == mig.Version })
	})
	return applied, pending, nil
}

// Load reads the up migrations in version order. A nil Migrator has none.
func (m *Migrator) Load() ([]Migration, error) {
	if m == nil || m.FS == nil {
		return nil, nil
	}
	dir := cmp.Or(m.Dir, ".")

	entries, err := fs.ReadDir(m.FS, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		version, name, up, ok := parseMigrationFile(e.Name())
		if e.IsDir() || !ok || !up {
			continue
		}
		body, err := fs.ReadFile(m.FS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, UpSQL: string(body)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func appliedMigrations(ctx context.Context, q Querier) ([]MigrationRecord, error) {
	rows, err := q.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var (
			rec   MigrationRecord
			stamp string
		)
		if err := rows.Scan(&rec.Version, &stamp); err != nil {
			return nil, fmt.Errorf("%w: scanning schema_migrations: %w", ErrSchemaUpgrade, err)
		}
		rec.AppliedAt, _ = time.Parse(time.RFC3339, stamp) //nolint:errcheck // Written by Init
		out = append(out, rec)
	}
	return out, rows.Err()
}
