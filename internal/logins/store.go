package logins

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/interrupt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrator = &database.Migrator{FS: migrationsFS, Dir: "migrations"}

// Row sync states.
const (
	statusSynced  = 0
	statusChanged = 1
	statusNew     = 2
)

// metaGlobalState holds the persisted orchestrator state of Store.Sync.
const metaGlobalState = "global_sync_state_v2"

const loginColumns = `id, origin, form_action_origin, http_realm, username_field, password_field,
	enc_fields, times_used, time_created, time_last_used, time_password_changed`

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

// Options configures a Store.
type Options struct {
	// EncryptionKey is the passphrase protecting usernames and passwords. Required.
	EncryptionKey string //nolint:gosec // Config field, not a hard-coded secret

	// KDF overrides the key derivation cost. Zero uses auth.DefaultKDFParams.
	KDF auth.KDFParams

	// Database tunes the underlying connections.
	Database database.Options

	Logger Logger
}

// Store is a login database.
type Store struct {
	mgr    *database.Manager
	logger Logger
	kdf    auth.KDFParams
	now    func() time.Time

	mu      sync.Mutex
	writer  *database.Conn
	cipher  *fieldCipher
	cleanup runtime.Cleanup
	closed  bool
}

// Open opens or creates the login database at path.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - path: Filesystem path or file: URL of the database
//   - opts: Encryption key and tuning
//
// Returns:
//   - *Store: Open store, to be closed with Close
//   - error: ErrMissingKey, ErrWrongKey, database.ErrConnectionAlreadyOpen if
//     another Store has the same database open, or an open failure
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.EncryptionKey == "" {
		return nil, ErrMissingKey
	}
	mgr, err := database.Open(ctx, path, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening login database: %w", err)
	}
	return newStore(ctx, mgr, opts)
}

// OpenMemory opens a login store on the shared in-memory database name.
func OpenMemory(ctx context.Context, name string, opts Options) (*Store, error) {
	if opts.EncryptionKey == "" {
		return nil, ErrMissingKey
	}
	mgr, err := database.OpenMemory(ctx, name, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening login database: %w", err)
	}
	return newStore(ctx, mgr, opts)
}

func newStore(ctx context.Context, mgr *database.Manager, opts Options) (*Store, error) {
	writer, err := mgr.OpenConnection(ctx, database.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("opening login writer: %w", err)
	}

	kdf := opts.KDF
	if kdf == (auth.KDFParams{}) {
		kdf = auth.DefaultKDFParams
	}

	var c *fieldCipher
	err = writer.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		c, err = setupCipher(ctx, tx, opts.EncryptionKey, kdf)
		return err
	})
	if err != nil {
		mgr.CloseConnection(writer) //nolint:errcheck // Already failing
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Store{
		mgr:    mgr,
		logger: logger,
		kdf:    kdf,
		now:    time.Now,
		writer: writer,
		cipher: c,
	}
	s.cleanup = runtime.AddCleanup(s, func(w *database.Conn) { w.Close() }, writer) //nolint:errcheck // Store is gone
	return s, nil
}

// Close hands the writer back to the database manager. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	return s.mgr.CloseConnection(s.writer)
}

// withWriter runs fn with exclusive use of the writer.
func (s *Store) withWriter(fn func(w *database.Conn, c *fieldCipher) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return fn(s.writer, s.cipher)
}

func (s *Store) currentCipher() (*fieldCipher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.cipher, nil
}

// Add stores a new login and returns its ID.
//
// A missing ID is generated. Unset timestamps default to now and TimesUsed
// defaults to 1.
//
// Returns:
//   - string: ID of the stored login
//   - error: ErrInvalidLogin, ErrDuplicateLogin, or a database failure
func (s *Store) Add(ctx context.Context, login Login) (string, error) {
	if err := login.Validate(); err != nil {
		return "", err
	}
	if login.ID == "" {
		login.ID = uuid.NewString()
	}

	now := s.now().UnixMilli()
	if login.TimeCreated == 0 {
		login.TimeCreated = now
	}
	if login.TimeLastUsed == 0 {
		login.TimeLastUsed = now
	}
	if login.TimePasswordChanged == 0 {
		login.TimePasswordChanged = now
	}
	if login.TimesUsed == 0 {
		login.TimesUsed = 1
	}

	err := s.withWriter(func(w *database.Conn, c *fieldCipher) error {
		return w.WithTx(ctx, func(tx *database.Tx) error {
			var one int
			err := tx.QueryRowContext(ctx, "SELECT 1 FROM logins WHERE id = ?", login.ID).Scan(&one)
			if err == nil {
				return fmt.Errorf("%w: id %s already exists", ErrDuplicateLogin, login.ID)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("checking login %s: %w", login.ID, err)
			}
			if err := checkDupe(ctx, tx, c, &login); err != nil {
				return err
			}
			return insertLogin(ctx, tx, c, &login, statusNew, 0)
		})
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("login added", "id", login.ID, "origin", login.Origin)
	return login.ID, nil
}

// Get returns a login by ID.
func (s *Store) Get(ctx context.Context, id string) (*Login, error) {
	var login *Login
	err := s.withWriter(func(w *database.Conn, c *fieldCipher) error {
		row := w.QueryRowContext(ctx,
			"SELECT "+loginColumns+" FROM logins WHERE id = ? AND is_deleted = 0", id)
		var err error
		login, err = scanLogin(row, c)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return login, nil
}

// List returns every login ordered by origin.
func (s *Store) List(ctx context.Context) ([]Login, error) {
	var out []Login
	err := s.withWriter(func(w *database.Conn, c *fieldCipher) error {
		var err error
		out, err = queryLogins(ctx, w, c,
			"SELECT "+loginColumns+" FROM logins WHERE is_deleted = 0 ORDER BY origin, id")
		return err
	})
	return out, err
}

// GetByBaseDomain returns the logins whose origin host is domain or one of
// its subdomains.
func (s *Store) GetByBaseDomain(ctx context.Context, domain string) ([]Login, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Login, 0)
	for _, l := range all {
		if matchesBaseDomain(l.Origin, domain) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Update replaces a login's fields.
//
// TimeCreated is kept, TimesUsed is incremented, and TimePasswordChanged moves
// only when the password differs.
func (s *Store) Update(ctx context.Context, login Login) error {
	if login.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidLogin)
	}
	if err := login.Validate(); err != nil {
		return err
	}
	now := s.now().UnixMilli()

	return s.withWriter(func(w *database.Conn, c *fieldCipher) error {
		return w.WithTx(ctx, func(tx *database.Tx) error {
			row := tx.QueryRowContext(ctx,
				"SELECT "+loginColumns+" FROM logins WHERE id = ? AND is_deleted = 0", login.ID)
			existing, err := scanLogin(row, c)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if err := checkDupe(ctx, tx, c, &login); err != nil {
				return err
			}

			login.TimeCreated = existing.TimeCreated
			login.TimesUsed = existing.TimesUsed + 1
			login.TimeLastUsed = now
			login.TimePasswordChanged = existing.TimePasswordChanged
			if login.Password != existing.Password {
				login.TimePasswordChanged = now
			}

			sealed, err := c.sealFields(&login)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE logins SET
				origin = ?, form_action_origin = ?, http_realm = ?,
				username_field = ?, password_field = ?, enc_fields = ?,
				times_used = ?, time_last_used = ?, time_password_changed = ?,
				sync_status = CASE sync_status WHEN ? THEN ? ELSE sync_status END
				WHERE id = ?`,
				login.Origin, nullString(login.FormActionOrigin), nullString(login.HTTPRealm),
				login.UsernameField, login.PasswordField, sealed,
				login.TimesUsed, login.TimeLastUsed, login.TimePasswordChanged,
				statusSynced, statusChanged,
				login.ID)
			if err != nil {
				return fmt.Errorf("updating login %s: %w", login.ID, err)
			}
			return nil
		})
	})
}

// Touch records a use of the login.
func (s *Store) Touch(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	return s.withWriter(func(w *database.Conn, _ *fieldCipher) error {
		res, err := w.ExecContext(ctx, `UPDATE logins SET
			times_used = times_used + 1, time_last_used = ?,
			sync_status = CASE sync_status WHEN ? THEN ? ELSE sync_status END
			WHERE id = ? AND is_deleted = 0`,
			now, statusSynced, statusChanged, id)
		if err != nil {
			return fmt.Errorf("touching login %s: %w", id, err)
		}
		return requireAffected(res)
	})
}

// Delete removes a login. Logins that reached the server leave a tombstone
// for the next sync.
//
// Returns:
//   - bool: false if the login did not exist
//   - error: If the database operation fails
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	now := s.now().UnixMilli()
	var deleted bool
	err := s.withWriter(func(w *database.Conn, _ *fieldCipher) error {
		return w.WithTx(ctx, func(tx *database.Tx) error {
			var err error
			deleted, err = deleteLogin(ctx, tx, id, now)
			return err
		})
	})
	return deleted, err
}

// Wipe deletes every login, leaving tombstones so the deletions sync.
// It runs under an interrupt scope of the writer.
func (s *Store) Wipe(ctx context.Context) error {
	now := s.now().UnixMilli()
	return s.withWriter(func(w *database.Conn, _ *fieldCipher) error {
		return w.WithInterruptScope(ctx, func(ctx context.Context, _ *interrupt.Scope) error {
			return w.WithTx(ctx, func(tx *database.Tx) error {
				if _, err := tx.ExecContext(ctx, "DELETE FROM logins WHERE sync_status = ?", statusNew); err != nil {
					return fmt.Errorf("wiping new logins: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `UPDATE logins SET
					is_deleted = 1, enc_fields = '', sync_status = ?, time_last_used = ?
					WHERE is_deleted = 0`, statusChanged, now); err != nil {
					return fmt.Errorf("wiping logins: %w", err)
				}
				return nil
			})
		})
	})
}

// WipeLocal deletes every login and all sync metadata without leaving
// tombstones. The server copy is untouched.
func (s *Store) WipeLocal(ctx context.Context) error {
	return s.withWriter(func(w *database.Conn, _ *fieldCipher) error {
		return w.WithTx(ctx, func(tx *database.Tx) error {
			if _, err := tx.ExecContext(ctx, "DELETE FROM logins"); err != nil {
				return fmt.Errorf("wiping local logins: %w", err)
			}
			return database.DeleteMeta(ctx, tx, metaGlobalState)
		})
	})
}

// Rekey re-encrypts every login under a new passphrase and salt.
func (s *Store) Rekey(ctx context.Context, newKey string) error {
	if newKey == "" {
		return ErrMissingKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	salt, err := auth.NewSalt()
	if err != nil {
		return err
	}
	next, err := newFieldCipher(newKey, salt, s.kdf)
	if err != nil {
		return err
	}

	err = s.writer.WithTx(ctx, func(tx *database.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT id, enc_fields FROM logins WHERE enc_fields <> ''")
		if err != nil {
			return fmt.Errorf("reading logins: %w", err)
		}
		resealed := make(map[string]string)
		for rows.Next() {
			var id, sealed string
			if err := rows.Scan(&id, &sealed); err != nil {
				rows.Close()
				return fmt.Errorf("scanning login: %w", err)
			}
			plain, err := s.cipher.open(sealed)
			if err != nil {
				rows.Close()
				return fmt.Errorf("decrypting login %s: %w", id, err)
			}
			if resealed[id], err = next.seal(plain); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating logins: %w", err)
		}

		for id, sealed := range resealed {
			if _, err := tx.ExecContext(ctx, "UPDATE logins SET enc_fields = ? WHERE id = ?", sealed, id); err != nil {
				return fmt.Errorf("re-encrypting login %s: %w", id, err)
			}
		}

		check, err := next.seal([]byte(keyCheckPlaintext))
		if err != nil {
			return err
		}
		if err := database.PutMeta(ctx, tx, metaSalt, encodeSalt(salt)); err != nil {
			return err
		}
		return database.PutMeta(ctx, tx, metaKeyCheck, check)
	})
	if err != nil {
		return err
	}

	s.cipher = next
	s.logger.Info("login store rekeyed")
	return nil
}

// NewInterruptHandle returns a handle that interrupts syncs of this store.
// It fails with database.ErrConnectionAlreadyOpen while a sync is running.
func (s *Store) NewInterruptHandle(ctx context.Context) (*interrupt.Handle, error) {
	return s.mgr.NewSyncInterruptHandle(ctx)
}

func insertLogin(ctx context.Context, tx *database.Tx, c *fieldCipher, l *Login, status int, serverModified int64) error {
	sealed, err := c.sealFields(l)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO logins (`+loginColumns+`, sync_status, is_deleted, server_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin = excluded.origin,
			form_action_origin = excluded.form_action_origin,
			http_realm = excluded.http_realm,
			username_field = excluded.username_field,
			password_field = excluded.password_field,
			enc_fields = excluded.enc_fields,
			times_used = excluded.times_used,
			time_created = excluded.time_created,
			time_last_used = excluded.time_last_used,
			time_password_changed = excluded.time_password_changed,
			sync_status = excluded.sync_status,
			is_deleted = 0,
			server_modified = excluded.server_modified`,
		l.ID, l.Origin, nullString(l.FormActionOrigin), nullString(l.HTTPRealm),
		l.UsernameField, l.PasswordField, sealed,
		l.TimesUsed, l.TimeCreated, l.TimeLastUsed, l.TimePasswordChanged,
		status, serverModified)
	if err != nil {
		return fmt.Errorf("storing login %s: %w", l.ID, err)
	}
	return nil
}

func deleteLogin(ctx context.Context, tx *database.Tx, id string, now int64) (bool, error) {
	var status, isDeleted int
	err := tx.QueryRowContext(ctx, "SELECT sync_status, is_deleted FROM logins WHERE id = ?", id).
		Scan(&status, &isDeleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && isDeleted == 1) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading login %s: %w", id, err)
	}

	if status == statusNew {
		_, err = tx.ExecContext(ctx, "DELETE FROM logins WHERE id = ?", id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE logins SET
			is_deleted = 1, enc_fields = '', sync_status = ?, time_last_used = ?
			WHERE id = ?`, statusChanged, now, id)
	}
	if err != nil {
		return false, fmt.Errorf("deleting login %s: %w", id, err)
	}
	return true, nil
}

// checkDupe fails if another live login is for the same account.
func checkDupe(ctx context.Context, q database.Querier, c *fieldCipher, l *Login) error {
	candidates, err := queryLogins(ctx, q, c,
		"SELECT "+loginColumns+" FROM logins WHERE origin = ? AND id <> ? AND is_deleted = 0",
		l.Origin, l.ID)
	if err != nil {
		return err
	}
	for i := range candidates {
		if isDupe(&candidates[i], l) {
			return fmt.Errorf("%w: matches %s", ErrDuplicateLogin, candidates[i].ID)
		}
	}
	return nil
}

func queryLogins(ctx context.Context, q database.Querier, c *fieldCipher, query string, args ...any) ([]Login, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logins: %w", err)
	}
	defer rows.Close()

	out := make([]Login, 0)
	for rows.Next() {
		l, err := scanLogin(rows, c)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logins: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLogin(row scanner, c *fieldCipher) (*Login, error) {
	var (
		l          Login
		formAction sql.NullString
		realm      sql.NullString
		sealed     string
	)
	err := row.Scan(&l.ID, &l.Origin, &formAction, &realm, &l.UsernameField, &l.PasswordField,
		&sealed, &l.TimesUsed, &l.TimeCreated, &l.TimeLastUsed, &l.TimePasswordChanged)
	if err != nil {
		return nil, err
	}
	l.FormActionOrigin = formAction.String
	l.HTTPRealm = realm.String

	if sealed != "" {
		if err := c.openFields(sealed, &l); err != nil {
			return nil, fmt.Errorf("decrypting login %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString converts an empty string to NULL for nullable columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
