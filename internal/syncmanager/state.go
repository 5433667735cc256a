package syncmanager

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrator = &database.Migrator{FS: migrationsFS, Dir: "migrations"}

const metaGlobalState = "global_state"

// StateStore persists the orchestrator's global state between runs.
//
// It holds the ReadWrite connection of its database for its lifetime.
type StateStore struct {
	mgr *database.Manager

	mu   sync.Mutex
	conn *database.Conn
}

// OpenStateStore opens or creates the state database at path.
func OpenStateStore(ctx context.Context, path string, opts database.Options) (*StateStore, error) {
	mgr, err := database.Open(ctx, path, migrator, opts)
	if err != nil {
		return nil, fmt.Errorf("opening sync state database: %w", err)
	}
	return newStateStore(ctx, mgr)
}

// OpenMemoryStateStore opens a state store on a shared in-memory database.
func OpenMemoryStateStore(ctx context.Context, name string, opts database.Options) (*StateStore, error) {
	mgr, err := database.OpenMemory(ctx, name, migrator, opts)
	if err != nil {
		return nil, fmt.Errorf("opening sync state database: %w", err)
	}
	return newStateStore(ctx, mgr)
}

func newStateStore(ctx context.Context, mgr *database.Manager) (*StateStore, error) {
	conn, err := mgr.OpenConnection(ctx, database.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("opening sync state connection: %w", err)
	}
	return &StateStore{mgr: mgr, conn: conn}, nil
}

// Load returns the persisted state, or "" if there is none.
func (s *StateStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return "", ErrClosed
	}

	v, _, err := database.GetMeta(ctx, s.conn, metaGlobalState)
	if err != nil {
		return "", fmt.Errorf("loading sync state: %w", err)
	}
	return v, nil
}

// Save replaces the persisted state.
func (s *StateStore) Save(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}

	return s.conn.WithTx(ctx, func(tx *database.Tx) error {
		return database.PutMeta(ctx, tx, metaGlobalState, state)
	})
}

// Clear forgets the persisted state.
func (s *StateStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}

	return s.conn.WithTx(ctx, func(tx *database.Tx) error {
		return database.DeleteMeta(ctx, tx, metaGlobalState)
	})
}

// HealthCheck pings the state database.
func (s *StateStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrClosed
	}
	return s.conn.HealthCheck(ctx)
}

// Close returns the connection to its manager. It is safe to call twice.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.mgr.CloseConnection(s.conn)
	s.conn = nil
	return err
}
