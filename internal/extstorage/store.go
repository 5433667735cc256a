package extstorage

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrator = &database.Migrator{FS: migrationsFS, Dir: "migrations"}

// Sync quotas, as defined for storage.sync.
const (
	QuotaBytes        = 102400
	QuotaBytesPerItem = 8192
	MaxItems          = 512
)

const maxExtensionIDLen = 255

const (
	statusSynced  = 0
	statusChanged = 1
	statusNew     = 2
)

// Logger defines the logging interface used by the store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StorageChange is the old and new value of one key. A missing side means
// the key did not exist.
type StorageChange struct {
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

// StorageChanges maps changed keys to their change.
type StorageChanges map[string]StorageChange

// Options configures a Store.
type Options struct {
	Database database.Options
	Logger   Logger
}

// Store is the extension storage of one profile.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Writes are serialised by the store.
type Store struct {
	mgr    *database.Manager
	logger Logger

	writeMu sync.Mutex
}

// Open opens or creates the extension storage database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	mgr, err := database.Open(ctx, path, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening extension storage: %w", err)
	}
	return newStore(mgr, opts), nil
}

// OpenMemory opens extension storage on the shared in-memory database name.
func OpenMemory(ctx context.Context, name string, opts Options) (*Store, error) {
	mgr, err := database.OpenMemory(ctx, name, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening extension storage: %w", err)
	}
	return newStore(mgr, opts), nil
}

func newStore(mgr *database.Manager, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Store{mgr: mgr, logger: logger}
}

// Get returns the values of keys for extID. Keys that are not set are
// omitted; nil keys returns every value.
func (s *Store) Get(ctx context.Context, extID string, keys []string) (map[string]json.RawMessage, error) {
	if err := validateExtensionID(extID); err != nil {
		return nil, err
	}
	data, err := s.read(ctx, extID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return data, nil
	}

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// BytesInUse returns the quota usage of keys for extID, or of every key if
// keys is nil.
func (s *Store) BytesInUse(ctx context.Context, extID string, keys []string) (int, error) {
	data, err := s.Get(ctx, extID, keys)
	if err != nil {
		return 0, err
	}
	return usage(data), nil
}

// Set stores items for extID, replacing existing values of the same keys.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - extID: Extension ID
//   - items: Keys and JSON values to store
//
// Returns:
//   - StorageChanges: One entry per key in items
//   - error: ErrInvalidExtensionID, ErrInvalidValue, ErrQuotaExceeded, or a database error
func (s *Store) Set(ctx context.Context, extID string, items map[string]json.RawMessage) (StorageChanges, error) {
	if err := validateExtensionID(extID); err != nil {
		return nil, err
	}

	values := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidValue, k, err)
		}
		if itemSize(k, buf.Bytes()) > QuotaBytesPerItem {
			return nil, fmt.Errorf("%w: key %q is larger than %d bytes", ErrQuotaExceeded, k, QuotaBytesPerItem)
		}
		values[k] = buf.Bytes()
	}

	changes := make(StorageChanges, len(values))
	err := s.withWriter(ctx, func(ctx context.Context, tx *database.Tx) error {
		data, err := readData(ctx, tx, extID)
		if err != nil {
			return err
		}
		for k, v := range values {
			changes[k] = StorageChange{OldValue: data[k], NewValue: v}
			data[k] = v
		}
		if len(data) > MaxItems {
			return fmt.Errorf("%w: more than %d items", ErrQuotaExceeded, MaxItems)
		}
		if usage(data) > QuotaBytes {
			return fmt.Errorf("%w: more than %d bytes", ErrQuotaExceeded, QuotaBytes)
		}
		return writeData(ctx, tx, extID, data)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Remove deletes keys for extID and returns the removed values.
func (s *Store) Remove(ctx context.Context, extID string, keys []string) (StorageChanges, error) {
	if err := validateExtensionID(extID); err != nil {
		return nil, err
	}

	changes := make(StorageChanges)
	err := s.withWriter(ctx, func(ctx context.Context, tx *database.Tx) error {
		data, err := readData(ctx, tx, extID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if v, ok := data[k]; ok {
				changes[k] = StorageChange{OldValue: v}
				delete(data, k)
			}
		}
		if len(changes) == 0 {
			return nil
		}
		return writeData(ctx, tx, extID, data)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Clear deletes every key of extID and returns the removed values.
func (s *Store) Clear(ctx context.Context, extID string) (StorageChanges, error) {
	if err := validateExtensionID(extID); err != nil {
		return nil, err
	}

	changes := make(StorageChanges)
	err := s.withWriter(ctx, func(ctx context.Context, tx *database.Tx) error {
		data, err := readData(ctx, tx, extID)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		for k, v := range data {
			changes[k] = StorageChange{OldValue: v}
		}
		return writeData(ctx, tx, extID, nil)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) read(ctx context.Context, extID string) (map[string]json.RawMessage, error) {
	conn, err := s.mgr.OpenConnection(ctx, database.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("opening extension storage reader: %w", err)
	}
	defer s.mgr.CloseConnection(conn) //nolint:errcheck // Read-only, nothing to lose
	return readData(ctx, conn, extID)
}

// withWriter checks out the ReadWrite connection, runs fn in a transaction
// and parks the connection again.
func (s *Store) withWriter(ctx context.Context, fn func(ctx context.Context, tx *database.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.mgr.OpenConnection(ctx, database.ReadWrite)
	if err != nil {
		return fmt.Errorf("opening extension storage writer: %w", err)
	}
	defer s.mgr.CloseConnection(conn) //nolint:errcheck // Parking cannot fail for our own writer

	return conn.WithTx(ctx, func(tx *database.Tx) error {
		return fn(ctx, tx)
	})
}

// readData returns the stored map of extID, empty if there is none.
func readData(ctx context.Context, q database.Querier, extID string) (map[string]json.RawMessage, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, "SELECT data FROM extension_data WHERE ext_id = ?", extID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading storage of %s: %w", extID, err)
	}

	data := make(map[string]json.RawMessage)
	if !raw.Valid {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &data); err != nil {
		return nil, fmt.Errorf("decoding storage of %s: %w", extID, err)
	}
	return data, nil
}

// writeData stores data as a local change. An empty map deletes the row, or
// leaves a tombstone if the server has seen it.
func writeData(ctx context.Context, tx *database.Tx, extID string, data map[string]json.RawMessage) error {
	var status int
	err := tx.QueryRowContext(ctx, "SELECT sync_status FROM extension_data WHERE ext_id = ?", extID).Scan(&status)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading sync status of %s: %w", extID, err)
	}

	if len(data) == 0 {
		if !exists {
			return nil
		}
		if status == statusNew {
			_, err = tx.ExecContext(ctx, "DELETE FROM extension_data WHERE ext_id = ?", extID)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE extension_data SET data = NULL, sync_status = ? WHERE ext_id = ?", statusChanged, extID)
		}
		if err != nil {
			return fmt.Errorf("clearing storage of %s: %w", extID, err)
		}
		return nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding storage of %s: %w", extID, err)
	}
	if !exists {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO extension_data (ext_id, data, sync_status) VALUES (?, ?, ?)",
			extID, string(encoded), statusNew)
	} else {
		next := statusChanged
		if status == statusNew {
			next = statusNew
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE extension_data SET data = ?, sync_status = ? WHERE ext_id = ?",
			string(encoded), next, extID)
	}
	if err != nil {
		return fmt.Errorf("writing storage of %s: %w", extID, err)
	}
	return nil
}

// itemSize is the quota cost of one key: its length plus the length of its
// JSON value.
func itemSize(key string, value json.RawMessage) int {
	return len(key) + len(value)
}

func usage(data map[string]json.RawMessage) int {
	total := 0
	for k, v := range data {
		total += itemSize(k, v)
	}
	return total
}

func validateExtensionID(id string) error {
	if id == "" || len(id) > maxExtensionIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidExtensionID, id)
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidExtensionID, id)
	}
	return nil
}
