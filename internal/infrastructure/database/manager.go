package database

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/appservices/internal/interrupt"
)

// managerIDs hands out process-unique manager identities.
var managerIDs atomic.Uint64

// Manager owns one database and enforces its connection discipline:
// exactly one ReadWrite connection, at most one Sync connection, and any
// number of ReadOnly connections.
//
// Managers are obtained from a Registry (normally through Open), which
// guarantees a single Manager per normalised path for as long as someone holds
// it. A Manager is released when its last strong reference is dropped; its
// parked ReadWrite connection is then closed by a runtime cleanup.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Connections handed out are owned by the caller until returned.
type Manager struct {
	id     uint64
	path   string
	memory bool
	init   Initializer
	opts   Options
	logger Logger

	// lock is the cooperative write lock shared by every writable connection.
	lock writeLock

	// slot parks the ReadWrite connection while nobody has it checked out.
	slot *writeSlot

	// syncActive is true while a Sync connection is checked out.
	syncActive atomic.Bool

	// syncInterrupts is shared by every Sync connection, so handles obtained
	// before a sync starts can cancel it.
	syncInterrupts *interrupt.Counter
}

// writeSlot holds the ReadWrite connection. It is kept apart from Manager so
// the manager's cleanup can close the parked connection.
type writeSlot struct {
	mu         sync.Mutex
	conn       *Conn
	checkedOut bool
}

func (s *writeSlot) closeParked() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close() //nolint:errcheck // Manager is gone, nobody to report to
	}
}

// newManager constructs a manager and its initial ReadWrite connection.
//
// If the first open fails with ErrSchemaUpgrade and the path is a regular
// file, the file is deleted and the open retried exactly once.
func newManager(ctx context.Context, path string, memory bool, init Initializer, opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	m := &Manager{
		id:             managerIDs.Add(1),
		path:           path,
		memory:         memory,
		init:           init,
		opts:           opts,
		logger:         opts.Logger,
		lock:           newWriteLock(),
		slot:           &writeSlot{},
		syncInterrupts: interrupt.NewCounter(),
	}

	conn, err := openConn(ctx, m.spec(ReadWrite))
	if err != nil && errors.Is(err, ErrSchemaUpgrade) && !memory && isRegularFile(path) {
		m.logger.Warn("database schema unusable, deleting and recreating",
			"path", path,
			"error", err,
		)
		if rmErr := removeDatabaseFiles(path); rmErr != nil {
			return nil, fmt.Errorf("removing unusable database: %w", rmErr)
		}
		conn, err = openConn(ctx, m.spec(ReadWrite))
	}
	if err != nil {
		return nil, err
	}

	m.slot.conn = conn
	runtime.AddCleanup(m, func(s *writeSlot) { s.closeParked() }, m.slot)

	m.logger.Debug("database manager created", "path", path, "manager_id", m.id)
	return m, nil
}

func (m *Manager) spec(kind ConnKind) connSpec {
	spec := connSpec{
		path:      m.path,
		memory:    m.memory,
		kind:      kind,
		managerID: m.id,
		lock:      m.lock,
		opts:      m.opts,
	}
	if kind.writable() {
		spec.init = m.init
	}
	if kind == Sync {
		spec.interrupts = m.syncInterrupts
	}
	return spec
}

// ID returns the process-unique identity of the manager.
func (m *Manager) ID() uint64 {
	return m.id
}

// Path returns the canonical path (or memory name) of the database.
func (m *Manager) Path() string {
	return m.path
}

// OpenConnection checks out a connection of the given kind.
//
// ReadOnly always opens a fresh connection. ReadWrite hands out the manager's
// single writer and fails with ErrConnectionAlreadyOpen while it is checked
// out. Sync connections are opened with OpenSyncConnection.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - kind: ReadOnly or ReadWrite
//
// Returns:
//   - *Conn: Connection owned by the caller until returned with CloseConnection
//   - error: ErrConnectionAlreadyOpen, ErrWrongConnectionKind, or an open failure
func (m *Manager) OpenConnection(ctx context.Context, kind ConnKind) (*Conn, error) {
	switch kind {
	case ReadOnly:
		return openConn(ctx, m.spec(ReadOnly))
	case ReadWrite:
		return m.checkoutWriter(ctx)
	case Sync:
		return nil, fmt.Errorf("%w: sync connections are opened with OpenSyncConnection", ErrWrongConnectionKind)
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongConnectionKind, kind)
	}
}

func (m *Manager) checkoutWriter(ctx context.Context) (*Conn, error) {
	m.slot.mu.Lock()
	defer m.slot.mu.Unlock()

	if m.slot.checkedOut {
		return nil, fmt.Errorf("%w: %s", ErrConnectionAlreadyOpen, ReadWrite)
	}

	conn := m.slot.conn
	if conn == nil {
		// The previous writer was closed by its owner before being returned.
		var err error
		conn, err = openConn(ctx, m.spec(ReadWrite))
		if err != nil {
			return nil, err
		}
	}

	m.slot.conn = nil
	m.slot.checkedOut = true
	return conn, nil
}

// OpenSyncConnection checks out the manager's Sync connection.
//
// The returned SyncConn must be released with Release, normally deferred right
// after the call. A SyncConn that becomes unreachable without being released
// is released by a runtime cleanup.
//
// Returns:
//   - *SyncConn: Guard owning the Sync connection
//   - error: ErrConnectionAlreadyOpen if a Sync connection is already out
func (m *Manager) OpenSyncConnection(ctx context.Context) (*SyncConn, error) {
	if !m.syncActive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrConnectionAlreadyOpen, Sync)
	}

	conn, err := openConn(ctx, m.spec(Sync))
	if err != nil {
		m.syncActive.Store(false)
		return nil, err
	}

	lease := &syncLease{conn: conn, active: &m.syncActive}
	sc := &SyncConn{Conn: conn, lease: lease}
	runtime.AddCleanup(sc, func(l *syncLease) { l.release() }, lease)
	return sc, nil
}

// CloseConnection hands a connection back to the manager.
//
// ReadWrite connections are parked for the next OpenConnection(ReadWrite);
// ReadOnly connections are closed. A connection from another manager is
// rejected with ErrWrongManagerForClose and the manager is left untouched.
//
// Returning a ReadWrite connection that is not checked out panics: it means
// two writers existed at once.
func (m *Manager) CloseConnection(conn *Conn) error {
	if conn == nil {
		return nil
	}
	if conn.managerID != m.id {
		return fmt.Errorf("%w: connection belongs to manager %d, not %d",
			ErrWrongManagerForClose, conn.managerID, m.id)
	}

	switch conn.kind {
	case ReadWrite:
		m.slot.mu.Lock()
		defer m.slot.mu.Unlock()

		if !m.slot.checkedOut || m.slot.conn != nil {
			panic("database: write connection returned while the write slot is occupied")
		}
		m.slot.checkedOut = false
		if !conn.closed.Load() {
			m.slot.conn = conn
		}
		return nil
	case ReadOnly:
		return conn.Close()
	default:
		return fmt.Errorf("%w: sync connections are returned with SyncConn.Release", ErrWrongConnectionKind)
	}
}

// NewSyncInterruptHandle returns a handle that interrupts work on this
// manager's Sync connections.
//
// It checks out the Sync connection only long enough to make sure none is in
// use, so it fails with ErrConnectionAlreadyOpen while a sync is running.
// Callers use it to be able to cancel a sync before the sync has started.
func (m *Manager) NewSyncInterruptHandle(ctx context.Context) (*interrupt.Handle, error) {
	sc, err := m.OpenSyncConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Release() //nolint:errcheck // Closing a fresh connection
	return sc.NewInterruptHandle(), nil
}

// HealthCheck verifies the database can be read.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (m *Manager) HealthCheck(ctx context.Context) error {
	conn, err := m.OpenConnection(ctx, ReadOnly)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	defer m.CloseConnection(conn) //nolint:errcheck // Read-only, nothing to lose
	return conn.HealthCheck(ctx)
}

// SyncConn is the scope guard for a manager's Sync connection.
//
// Release closes the connection and clears the manager's sync flag. Defer it
// immediately so every exit path releases the connection:
//
//	sc, err := mgr.OpenSyncConnection(ctx)
//	if err != nil {
//	    return err
//	}
//	defer sc.Release()
type SyncConn struct {
	*Conn
	lease *syncLease
}

// Release returns the Sync connection. It is safe to call more than once.
func (sc *SyncConn) Release() error {
	return sc.lease.release()
}

// syncLease is the part of a SyncConn its cleanup needs.
type syncLease struct {
	once   sync.Once
	conn   *Conn
	active *atomic.Bool
	err    error
}

func (l *syncLease) release() error {
	l.once.Do(func() {
		l.err = l.conn.Close()
		l.active.Store(false)
	})
	return l.err
}
