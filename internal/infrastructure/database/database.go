package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/appservices/internal/interrupt"
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// defaultBusyTimeout is how long SQLite waits on a lock held by another process.
	defaultBusyTimeout = 5 * time.Second

	// connectionTimeout bounds the initial connectivity check of a new connection.
	connectionTimeout = 5 * time.Second
)

// Driver names registered with database/sql. Each runs the pragmas of its
// connection kind from a go-sqlite3 connect hook, so they are reapplied if
// database/sql ever replaces the underlying connection.
const (
	driverWritable = "sqlite3_appservices_rw"
	driverReadOnly = "sqlite3_appservices_ro"
)

// Storage tuning applied to every connection before any schema work.
var (
	writablePragmas = []string{
		"PRAGMA page_size = 32768",
		"PRAGMA temp_store = 2",
		"PRAGMA cache_size = -6144",
		"PRAGMA journal_mode = WAL",
		"PRAGMA wal_autocheckpoint = 62",
		"PRAGMA foreign_keys = ON",
	}
	readOnlyPragmas = []string{
		"PRAGMA temp_store = 2",
		"PRAGMA cache_size = -6144",
		"PRAGMA foreign_keys = ON",
		"PRAGMA query_only = 1",
	}
)

func init() {
	sql.Register(driverWritable, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) error { return execPragmas(c, writablePragmas) },
	})
	sql.Register(driverReadOnly, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) error { return execPragmas(c, readOnlyPragmas) },
	})
}

func execPragmas(c *sqlite3.SQLiteConn, pragmas []string) error {
	for _, p := range pragmas {
		if _, err := c.Exec(p, nil); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Options tunes the connections a Manager opens.
type Options struct {
	// BusyTimeout is how long SQLite waits for a lock held by another process.
	// Default: 5s
	BusyTimeout time.Duration

	// StatementCacheSize is the number of prepared statements kept per connection.
	// Default: 128
	StatementCacheSize int

	// Logger receives connection lifecycle messages. Optional.
	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = defaultBusyTimeout
	}
	if o.StatementCacheSize <= 0 {
		o.StatementCacheSize = defaultStatementCacheSize
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// Logger is the optional logging interface used by this package.
// It is satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Execer is implemented by *Conn and *Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is implemented by *Conn and *Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is a single SQLite connection opened by a Manager.
//
// A Conn is owned by one goroutine at a time. The exception is its interrupt
// handle, which may be used from any goroutine to cancel work in progress.
type Conn struct {
	db         *sql.DB
	kind       ConnKind
	managerID  uint64
	path       string
	lock       writeLock
	interrupts *interrupt.Counter
	stmts      *stmtCache
	closed     atomic.Bool
}

// connSpec describes a connection to open.
type connSpec struct {
	path      string
	memory    bool
	kind      ConnKind
	managerID uint64
	lock      writeLock
	init      Initializer
	opts      Options

	// interrupts is shared between connections when set; otherwise each
	// connection gets its own counter.
	interrupts *interrupt.Counter
}

// openConn opens and prepares a connection.
//
// It performs the following setup:
//  1. Creates the database directory for writable file databases
//  2. Opens a single-connection pool with the pragmas for the kind
//  3. Verifies the connection with a ping
//  4. Runs the initializer inside a transaction (writable kinds only)
func openConn(ctx context.Context, spec connSpec) (*Conn, error) {
	if !spec.memory && spec.kind.writable() {
		if err := os.MkdirAll(filepath.Dir(spec.path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	driver := driverWritable
	if spec.kind == ReadOnly {
		driver = driverReadOnly
	}

	sqlDB, err := sql.Open(driver, buildDSN(spec.path, spec.memory, spec.kind, spec.opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection per handle. Pragmas, the interrupt target and the
	// transaction state all live on that connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	interrupts := spec.interrupts
	if interrupts == nil {
		interrupts = interrupt.NewCounter()
	}

	c := &Conn{
		db:         sqlDB,
		kind:       spec.kind,
		managerID:  spec.managerID,
		path:       spec.path,
		lock:       spec.lock,
		interrupts: interrupts,
		stmts:      newStmtCache(spec.opts.StatementCacheSize),
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", classifyOpenError(err))
	}

	if spec.kind.writable() && spec.init != nil {
		err := c.WithTx(ctx, func(tx *Tx) error {
			return spec.init.Init(ctx, tx)
		})
		if err != nil {
			c.stmts.close()
			sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("initialising schema: %w", classifyOpenError(err))
		}
	}

	if !spec.memory && spec.kind.writable() {
		// Owner read/write only. The file exists once the pragmas have run.
		_ = os.Chmod(spec.path, filePermissions) //nolint:errcheck // Not fatal on filesystems without modes
	}

	return c, nil
}

// classifyOpenError maps "not a database" and corruption failures to ErrSchemaUpgrade.
func classifyOpenError(err error) error {
	if errors.Is(err, ErrSchemaUpgrade) {
		return err
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return fmt.Errorf("%w: %w", ErrSchemaUpgrade, err)
		}
	}
	return err
}

// Kind returns the connection kind.
func (c *Conn) Kind() ConnKind {
	return c.kind
}

// ManagerID returns the identity of the manager that opened the connection.
func (c *Conn) ManagerID() uint64 {
	return c.managerID
}

// Path returns the database path or shared-memory name.
func (c *Conn) Path() string {
	return c.path
}

// NewInterruptHandle returns a handle that cancels the live interrupt scopes
// of this connection. It may be called from any goroutine.
func (c *Conn) NewInterruptHandle() *interrupt.Handle {
	return c.interrupts.Handle()
}

// BeginInterruptScope starts an interrupt scope for one logical operation.
// Statements must be issued with scope.Context() to be cancellable.
func (c *Conn) BeginInterruptScope(ctx context.Context) *interrupt.Scope {
	return c.interrupts.BeginScope(ctx)
}

// WithInterruptScope runs fn inside a fresh interrupt scope.
//
// Any failure returned by fn after the scope was interrupted is reported as
// ErrInterrupted. go-sqlite3 calls sqlite3_interrupt when the scope context is
// cancelled, so long-running statements stop at their next check-point.
//
// Parameters:
//   - ctx: Parent context
//   - fn: Operation to run, receiving the scope context and the scope
//
// Returns:
//   - error: fn's error, mapped to ErrInterrupted if the scope was interrupted
func (c *Conn) WithInterruptScope(ctx context.Context, fn func(ctx context.Context, scope *interrupt.Scope) error) error {
	scope := c.interrupts.BeginScope(ctx)
	defer scope.Close()

	if err := fn(scope.Context(), scope); err != nil {
		return scope.Wrap(err)
	}
	return scope.Err()
}

// ExecContext executes a statement that doesn't return rows.
// Statements are prepared once and cached per connection.
//
// On writable connections the statement runs in autocommit mode under the
// manager's write lock, exactly like a one-statement transaction. It must
// not be called while a Tx of the same manager is open on this goroutine.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - query: SQL statement with ? or :name placeholders
//   - args: Arguments for placeholders
//
// Returns:
//   - sql.Result: Contains LastInsertId and RowsAffected
//   - error: If execution fails
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.kind.writable() && c.lock != nil {
		if err := c.lock.acquire(ctx); err != nil {
			return nil, fmt.Errorf("waiting for write lock: %w", err)
		}
		defer c.lock.release()
	}
	stmt, err := c.stmts.prepare(ctx, c.db, query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// QueryContext executes a query that returns rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	stmt, err := c.stmts.prepare(ctx, c.db, query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	return rows, nil
}

// QueryRowContext executes a query that returns at most one row.
// Errors are deferred until Scan.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := c.stmts.prepare(ctx, c.db, query)
	if err != nil {
		// Let database/sql surface the same failure through Row.Scan.
		return c.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// BeginTx starts a transaction.
//
// Writable connections take the manager's cooperative write lock first, so the
// ReadWrite and Sync connections of one manager never hold write transactions
// at the same time. The lock is released by Commit or Rollback.
//
// Parameters:
//   - ctx: Context for timeout/cancellation, also bounds the wait for the lock
//   - opts: Transaction options (nil for defaults)
//
// Returns:
//   - *Tx: Transaction to execute statements on
//   - error: If the lock wait is cancelled or the transaction cannot start
//
// Example:
//
//	tx, err := conn.BeginTx(ctx, nil)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback() //nolint:errcheck // No-op after commit
//
//	// ... execute statements on tx ...
//
//	return tx.Commit()
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var unlock func()
	if c.kind.writable() && c.lock != nil {
		if err := c.lock.acquire(ctx); err != nil {
			return nil, fmt.Errorf("waiting for write lock: %w", err)
		}
		unlock = c.lock.release
	}

	tx, err := c.db.BeginTx(ctx, opts)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &Tx{tx: tx, unlock: unlock}, nil
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (c *Conn) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// HealthCheck verifies the connection is usable.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Conn) HealthCheck(ctx context.Context) error {
	var result int
	if err := c.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the connection. Writable connections run an optimize hint first.
// Close is idempotent.
//
// Connections checked out of a Manager should be handed back with
// Manager.CloseConnection (ReadWrite) or SyncConn.Release (Sync) instead.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.kind.writable() {
		ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
		_, _ = c.db.ExecContext(ctx, "PRAGMA optimize(0x02)") //nolint:errcheck // Hint only
		cancel()
	}
	c.stmts.close()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Tx is a transaction on a Conn.
type Tx struct {
	tx     *sql.Tx
	unlock func()
	done   atomic.Bool
}

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// QueryContext executes a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	return rows, nil
}

// QueryRowContext executes a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction and releases the write lock.
func (t *Tx) Commit() error {
	defer t.finish()
	return t.tx.Commit()
}

// Rollback aborts the transaction and releases the write lock.
// It returns sql.ErrTxDone after Commit, like *sql.Tx.
func (t *Tx) Rollback() error {
	defer t.finish()
	return t.tx.Rollback()
}

func (t *Tx) finish() {
	if t.done.CompareAndSwap(false, true) && t.unlock != nil {
		t.unlock()
	}
}

// writeLock is the cooperative write lock shared by the connections of one
// manager. It is a one-slot channel so waiting can honour a context.
type writeLock chan struct{}

func newWriteLock() writeLock {
	return make(writeLock, 1)
}

func (l writeLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l writeLock) release() {
	<-l
}
