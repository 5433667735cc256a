package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nerrad567/appservices/internal/extstorage"
	"github.com/nerrad567/appservices/internal/infrastructure/config"
	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/infrastructure/logging"
	"github.com/nerrad567/appservices/internal/logins"
	"github.com/nerrad567/appservices/internal/storageclient"
	"github.com/nerrad567/appservices/internal/syncengine"
	"github.com/nerrad567/appservices/internal/syncmanager"
	"github.com/nerrad567/appservices/internal/tabs"
)

// Database file names inside storage.dir.
const (
	loginsDBFile    = "logins.db"
	tabsDBFile      = "tabs.db"
	extStorageFile  = "webext.db"
	suggestDBFile   = "suggest.db"
	syncStateDBFile = "syncstate.db"
)

// profile holds the open stores of one profile. The sync manager only sees
// them through weak registrations, so the profile must stay reachable for as
// long as syncs run.
type profile struct {
	logins *logins.Store // nil without security.logins_key
	tabs   *tabs.Store
	ext    *extstorage.Store
	state  *syncmanager.StateStore
}

func dbOptions(cfg *config.Config, log *logging.Logger) database.Options {
	return database.Options{
		BusyTimeout:        cfg.GetBusyTimeout(),
		StatementCacheSize: cfg.Storage.StatementCacheSize,
		Logger:             log,
	}
}

// openProfile opens every synced store and registers it with the sync manager.
func openProfile(ctx context.Context, cfg *config.Config, log *logging.Logger) (*profile, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	opts := dbOptions(cfg, log)
	p := &profile{}

	if cfg.Security.LoginsKey != "" {
		store, err := logins.Open(ctx, cfg.StoragePath(loginsDBFile), logins.Options{
			EncryptionKey: cfg.Security.LoginsKey,
			Database:      opts,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("opening logins: %w", err)
		}
		p.logins = store
		store.RegisterWithSyncManager()
	} else {
		log.Warn("security.logins_key not set, passwords engine unavailable")
	}

	var err error
	p.tabs, err = tabs.Open(ctx, cfg.StoragePath(tabsDBFile), tabs.Options{
		LocalID:    cfg.Client.ID,
		ClientName: cfg.Client.Name,
		DeviceType: cfg.Client.DeviceType,
		Database:   opts,
		Logger:     log,
	})
	if err != nil {
		p.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("opening tabs: %w", err)
	}
	p.tabs.RegisterWithSyncManager()

	p.ext, err = extstorage.Open(ctx, cfg.StoragePath(extStorageFile), extstorage.Options{
		Database: opts,
		Logger:   log,
	})
	if err != nil {
		p.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("opening extension storage: %w", err)
	}
	p.ext.RegisterWithSyncManager()

	p.state, err = syncmanager.OpenStateStore(ctx, cfg.StoragePath(syncStateDBFile), opts)
	if err != nil {
		p.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("opening sync state: %w", err)
	}

	log.Info("profile opened", "dir", cfg.Storage.Dir, "passwords", p.logins != nil)
	return p, nil
}

// Close closes the stores that hold connections.
func (p *profile) Close() error {
	var errs []error
	if p.state != nil {
		errs = append(errs, p.state.Close())
	}
	if p.logins != nil {
		errs = append(errs, p.logins.Close())
	}
	return errors.Join(errs...)
}

// providers maps every engine name to its registered store.
func providers() map[string]syncmanager.Provider {
	return map[string]syncmanager.Provider{
		logins.EngineName: func() (syncengine.Engine, bool) {
			return logins.RegisteredSyncEngine(logins.EngineName)
		},
		tabs.EngineName: func() (syncengine.Engine, bool) {
			return tabs.RegisteredSyncEngine(tabs.EngineName)
		},
		extstorage.EngineName: func() (syncengine.Engine, bool) {
			return extstorage.RegisteredSyncEngine(extstorage.EngineName)
		},
	}
}

// clientFactory creates a storage client per run from the configured account.
func clientFactory(cfg *config.Config, log *logging.Logger) syncmanager.ClientFactory {
	creds := syncengine.Credentials{
		KeyID:       cfg.Sync.KeyID,
		AccessToken: cfg.Sync.AccessToken,
		ServerURL:   cfg.Sync.ServerURL,
		SyncKey:     cfg.Sync.SyncKey,
	}
	return func(ctx context.Context) (syncengine.Client, error) {
		client, err := storageclient.New(ctx, creds, storageclient.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// newManager creates the sync manager for p with the configured engines.
func newManager(cfg *config.Config, p *profile, sinks []syncmanager.Sink, log *logging.Logger) (*syncmanager.Manager, error) {
	all := providers()
	selected := make(map[string]syncmanager.Provider, len(cfg.Sync.Engines))
	for _, name := range cfg.Sync.Engines {
		provider, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", syncmanager.ErrUnknownEngine, name)
		}
		selected[name] = provider
	}

	return syncmanager.New(syncmanager.Options{
		Providers:     selected,
		Order:         cfg.Sync.Engines,
		Client:        clientFactory(cfg, log),
		State:         p.state,
		PrimaryEngine: cfg.Sync.PrimaryEngine,
		Sinks:         sinks,
		Logger:        log,
	})
}
