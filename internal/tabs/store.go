package tabs

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/syncengine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrator = &database.Migrator{FS: migrationsFS, Dir: "migrations"}

const (
	// EngineName is the engine ID and remote collection of tabs.
	EngineName = "tabs"

	// urlHistoryLimit is the number of history entries uploaded per tab.
	urlHistoryLimit = 5

	// maxPayloadBytes bounds the uploaded record. Least recently used tabs
	// are dropped until the record fits.
	maxPayloadBytes = 200 * 1024

	// clientTTL hides clients that have not uploaded for this long.
	clientTTL = 21 * 24 * time.Hour
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

// Options configures a Store.
type Options struct {
	// LocalID identifies this client's record. Default: a random UUID.
	LocalID string

	// ClientName and DeviceType describe this client to others.
	ClientName string
	DeviceType string

	Database database.Options
	Logger   Logger
}

// Store holds the local tabs and the persisted tabs of other clients.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Store struct {
	mgr        *database.Manager
	localID    string
	clientName string
	deviceType string
	logger     Logger
	now        func() time.Time

	mu         sync.Mutex
	local      []RemoteTab
	localDirty bool
}

// Open opens or creates the tabs database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	mgr, err := database.Open(ctx, path, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening tabs database: %w", err)
	}
	return newStore(mgr, opts), nil
}

// OpenMemory opens a tabs store on the shared in-memory database name.
func OpenMemory(ctx context.Context, name string, opts Options) (*Store, error) {
	mgr, err := database.OpenMemory(ctx, name, migrator, opts.Database)
	if err != nil {
		return nil, fmt.Errorf("opening tabs database: %w", err)
	}
	return newStore(mgr, opts), nil
}

func newStore(mgr *database.Manager, opts Options) *Store {
	if opts.LocalID == "" {
		opts.LocalID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Store{
		mgr:        mgr,
		localID:    opts.LocalID,
		clientName: opts.ClientName,
		deviceType: opts.DeviceType,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// LocalID returns the ID of this client's record.
func (s *Store) LocalID() string {
	return s.localID
}

// SetLocalTabs replaces the tabs this client uploads on the next sync.
func (s *Store) SetLocalTabs(tabs []RemoteTab) {
	cp := make([]RemoteTab, len(tabs))
	copy(cp, tabs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = cp
	s.localDirty = true
}

// LocalTabs returns a copy of the local tabs.
func (s *Store) LocalTabs() []RemoteTab {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]RemoteTab, len(s.local))
	copy(cp, s.local)
	return cp
}

// RemoteTabs returns the tabs of every other client seen recently, most
// recently modified first.
func (s *Store) RemoteTabs(ctx context.Context) ([]ClientRemoteTabs, error) {
	conn, err := s.mgr.OpenConnection(ctx, database.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("opening tabs reader: %w", err)
	}
	defer s.mgr.CloseConnection(conn) //nolint:errcheck // Read-only, nothing to lose

	cutoff := s.now().Add(-clientTTL).UnixMilli()
	rows, err := conn.QueryContext(ctx, `SELECT client_id, client_name, device_type, last_modified, tabs
		FROM remote_clients WHERE client_id <> ? AND last_modified >= ?
		ORDER BY last_modified DESC, client_id`, s.localID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying remote tabs: %w", err)
	}
	defer rows.Close()

	out := make([]ClientRemoteTabs, 0)
	for rows.Next() {
		var (
			c    ClientRemoteTabs
			tabs string
		)
		if err := rows.Scan(&c.ClientID, &c.ClientName, &c.DeviceType, &c.LastModified, &tabs); err != nil {
			return nil, fmt.Errorf("scanning remote client: %w", err)
		}
		if err := json.Unmarshal([]byte(tabs), &c.RemoteTabs); err != nil {
			return nil, fmt.Errorf("decoding tabs of %s: %w", c.ClientID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating remote clients: %w", err)
	}
	return out, nil
}

// localRecord builds this client's record, or returns false if there is
// nothing new to upload.
func (s *Store) localRecord() (syncengine.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.localDirty {
		return syncengine.Record{}, false, nil
	}

	tabs := make([]RemoteTab, 0, len(s.local))
	for _, t := range s.local {
		if len(t.URLHistory) == 0 {
			continue
		}
		if len(t.URLHistory) > urlHistoryLimit {
			t.URLHistory = t.URLHistory[:urlHistoryLimit]
		}
		tabs = append(tabs, t)
	}
	sort.SliceStable(tabs, func(i, j int) bool { return tabs[i].LastUsed > tabs[j].LastUsed })

	for {
		rec, err := syncengine.NewRecord(s.localID, tabsRecord{
			ClientName: s.clientName,
			DeviceType: s.deviceType,
			Tabs:       tabs,
		})
		if err != nil {
			return syncengine.Record{}, false, err
		}
		if len(rec.Payload) <= maxPayloadBytes || len(tabs) == 0 {
			return rec, true, nil
		}
		tabs = tabs[:len(tabs)-1]
	}
}

func (s *Store) markLocal(dirty bool) {
	s.mu.Lock()
	s.localDirty = dirty
	s.mu.Unlock()
}

// Sync runs the tabs engine alone against client and returns the run's
// telemetry as JSON.
//
// No state is persisted between calls, so each call fetches every client's
// record. Only a failure of the tabs engine, or an aborted run, is returned
// as an error.
func (s *Store) Sync(ctx context.Context, client syncengine.Client) (string, error) {
	eng := newEngine(s)
	defer eng.Close() //nolint:errcheck // Releasing the sync connection

	res := syncengine.SyncMultiple(ctx, client, []syncengine.Engine{eng}, syncengine.Params{
		Reason: "store",
		Logger: s.logger,
	})
	if err := res.Escalate(EngineName); err != nil {
		return "", fmt.Errorf("syncing tabs: %w", err)
	}
	return res.Telemetry.JSON()
}

// Reset forgets every remote client and marks the local tabs for upload.
func (s *Store) Reset(ctx context.Context) error {
	eng := newEngine(s)
	defer eng.Close() //nolint:errcheck // Releasing the sync connection
	return eng.Reset(ctx, syncengine.Disconnected())
}

// registered is the store offered to the sync manager.
var registered syncengine.Slot[Store]

// RegisterWithSyncManager offers s to the sync manager through a weak reference.
func (s *Store) RegisterWithSyncManager() {
	registered.Register(s)
}

// RegisteredSyncEngine builds the tabs engine from the registered store.
// The engine implements io.Closer.
func RegisteredSyncEngine(engineID string) (syncengine.Engine, bool) {
	if engineID != EngineName {
		return nil, false
	}
	return syncengine.Resolve(&registered, func(s *Store) syncengine.Engine {
		return newEngine(s)
	})
}
