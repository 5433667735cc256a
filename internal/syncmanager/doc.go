// Package syncmanager runs the registered sync engines of the daemon.
//
// A Manager owns the orchestrator state (kept in its own small database),
// the in-memory counters between runs and the telemetry sinks. Each engine
// is reached through a Provider, normally a store package's
// RegisteredSyncEngine, so a store that has been closed and released
// simply shows up as unavailable in the next run.
//
// Only one run happens at a time. Runs are started by the scheduler, by the
// API, or by an MQTT command, and can be interrupted from any goroutine.
//
//	mgr, err := syncmanager.New(syncmanager.Options{
//	    Providers: map[string]syncmanager.Provider{
//	        logins.EngineName: func() (syncengine.Engine, bool) {
//	            return logins.RegisteredSyncEngine(logins.EngineName)
//	        },
//	    },
//	    Client:        newStorageClient,
//	    State:         state,
//	    PrimaryEngine: logins.EngineName,
//	})
//	resp, err := mgr.Sync(ctx, syncmanager.Request{Reason: syncmanager.ReasonUser})
package syncmanager
