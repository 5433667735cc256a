// Package syncengine defines the contract between data stores and the sync
// orchestrator, and runs multi-engine sync rounds against a storage service.
//
// A store exposes its data through an Engine. The orchestrator never imports
// store packages: stores offer themselves through a Slot, which holds only a
// weak reference, so a registration lives exactly as long as the store.
//
//	var storeForManager syncengine.Slot[Store]
//
//	func (s *Store) RegisterWithSyncManager() {
//	    storeForManager.Register(s)
//	}
//
// SyncMultiple runs engines in caller order:
//
//	result := syncengine.SyncMultiple(ctx, client, []syncengine.Engine{engine}, syncengine.Params{
//	    Reason:         "scheduled",
//	    PersistedState: state,
//	    MemCached:      &memCached,
//	})
//	saveState(result.PersistedState) // always, even on failure
//	if err := result.Escalate("passwords"); err != nil {
//	    return err
//	}
//
// Failure Policy:
//   - Transport, authentication and cancellation failures abort the run.
//   - Any other engine failure is recorded in Result.EngineResults and the
//     run continues with the next engine.
//   - Result.PersistedState is always populated.
package syncengine
