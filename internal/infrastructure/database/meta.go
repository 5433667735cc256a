package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MetaTableSQL creates the key/value metadata table used by GetMeta and PutMeta.
// Store migrations include it in their initial schema.
const MetaTableSQL = `CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value NOT NULL
) WITHOUT ROWID`

// GetMeta reads a value from the meta table.
//
// Returns:
//   - string: Stored value
//   - bool: false if the key is absent
//   - error: If the query fails
func GetMeta(ctx context.Context, q Querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, true, nil
}

// PutMeta stores a value in the meta table, replacing any previous value.
func PutMeta(ctx context.Context, e Execer, key, value string) error {
	if _, err := e.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	); err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a key from the meta table. Missing keys are not an error.
func DeleteMeta(ctx context.Context, e Execer, key string) error {
	if _, err := e.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting meta %q: %w", key, err)
	}
	return nil
}
