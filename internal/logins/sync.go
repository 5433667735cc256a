package logins

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/appservices/internal/syncengine"
)

// registered is the store offered to the sync manager.
var registered syncengine.Slot[Store]

// RegisterWithSyncManager offers s to the sync manager. The registration
// holds a weak reference and replaces any previous one.
func (s *Store) RegisterWithSyncManager() {
	registered.Register(s)
}

// RegisteredSyncEngine builds the engine for engineID from the registered
// store. It returns false if the ID is not EngineName, nothing was
// registered, or the registered store has been collected.
//
// The returned engine implements io.Closer and must be closed after the run.
func RegisteredSyncEngine(engineID string) (syncengine.Engine, bool) {
	if engineID != EngineName {
		return nil, false
	}
	return syncengine.Resolve(&registered, func(s *Store) syncengine.Engine {
		return newEngine(s)
	})
}

// Sync runs the passwords engine alone against client.
//
// The orchestrator state is read from and written back to the store's meta
// table. Only a failure of the passwords engine, or an aborted run, is
// returned as an error; the telemetry is returned either way.
func (s *Store) Sync(ctx context.Context, client syncengine.Client) (*syncengine.SyncTelemetry, error) {
	eng := newEngine(s)
	defer eng.Close() //nolint:errcheck // Releasing the sync connection

	sc, err := eng.conn(ctx)
	if err != nil {
		return nil, err
	}
	persisted, err := eng.globalState(ctx)
	if err != nil {
		return nil, err
	}

	scope := sc.BeginInterruptScope(ctx)
	defer scope.Close()

	res := syncengine.SyncMultiple(scope.Context(), client, []syncengine.Engine{eng}, syncengine.Params{
		Reason:         "store",
		PersistedState: persisted,
		Interruptee:    scope,
		Logger:         s.logger,
	})

	var runErr error
	if err := res.Escalate(EngineName); err != nil {
		runErr = fmt.Errorf("syncing logins: %w", scope.Wrap(err))
	}
	// The state is saved even when ctx was cancelled mid-run.
	if err := eng.setGlobalState(context.WithoutCancel(ctx), res.PersistedState); err != nil {
		return &res.Telemetry, errors.Join(runErr, fmt.Errorf("saving sync state: %w", err))
	}
	return &res.Telemetry, runErr
}

// Reset disconnects the store from the server: every login will be uploaded
// again by the next sync, and the persisted sync state is dropped.
func (s *Store) Reset(ctx context.Context) error {
	eng := newEngine(s)
	defer eng.Close() //nolint:errcheck // Releasing the sync connection
	return eng.Reset(ctx, syncengine.Disconnected())
}
