package tabs

import (
	"context"
	"fmt"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/syncengine"
)

type engine struct {
	store *Store
	sc    *database.SyncConn
}

var _ syncengine.Engine = (*engine)(nil)

func newEngine(s *Store) *engine {
	return &engine{store: s}
}

func (e *engine) withTx(ctx context.Context, fn func(tx *database.Tx) error) error {
	if e.sc == nil {
		sc, err := e.store.mgr.OpenSyncConnection(ctx)
		if err != nil {
			return fmt.Errorf("opening tabs sync connection: %w", err)
		}
		e.sc = sc
	}
	return e.sc.WithTx(ctx, fn)
}

// Close releases the Sync connection.
func (e *engine) Close() error {
	if e.sc == nil {
		return nil
	}
	err := e.sc.Release()
	e.sc = nil
	return err
}

func (e *engine) CollectionName() string { return EngineName }

// ApplyIncoming stores the records of other clients. Our own record is
// ignored.
func (e *engine) ApplyIncoming(ctx context.Context, records []syncengine.Record) (syncengine.IncomingOutcome, error) {
	var out syncengine.IncomingOutcome
	err := e.withTx(ctx, func(tx *database.Tx) error {
		for _, r := range records {
			if r.ID == e.store.localID {
				out.Reconciled++
				continue
			}
			if r.Deleted {
				if _, err := tx.ExecContext(ctx, "DELETE FROM remote_clients WHERE client_id = ?", r.ID); err != nil {
					return fmt.Errorf("removing client %s: %w", r.ID, err)
				}
				out.Applied++
				continue
			}

			var rec tabsRecord
			if err := r.DecodePayload(&rec); err != nil {
				e.store.logger.Warn("skipping invalid tabs record", "id", r.ID, "error", err)
				out.Failed++
				continue
			}
			if rec.Tabs == nil {
				rec.Tabs = []RemoteTab{}
			}
			tabs, err := encodeTabs(rec.Tabs)
			if err != nil {
				out.Failed++
				continue
			}

			if _, err := tx.ExecContext(ctx, `INSERT INTO remote_clients
				(client_id, client_name, device_type, last_modified, tabs) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(client_id) DO UPDATE SET
					client_name = excluded.client_name,
					device_type = excluded.device_type,
					last_modified = excluded.last_modified,
					tabs = excluded.tabs`,
				r.ID, rec.ClientName, rec.DeviceType, r.Modified, tabs); err != nil {
				return fmt.Errorf("storing client %s: %w", r.ID, err)
			}
			out.Applied++
		}
		return nil
	})
	if err != nil {
		return syncengine.IncomingOutcome{Failed: len(records)}, err
	}
	return out, nil
}

// StageOutgoing returns this client's record if the local tabs changed.
func (e *engine) StageOutgoing(context.Context) ([]syncengine.Record, error) {
	rec, ok, err := e.store.localRecord()
	if err != nil || !ok {
		return nil, err
	}
	return []syncengine.Record{rec}, nil
}

func (e *engine) SetUploaded(_ context.Context, _ int64, ids []string) error {
	for _, id := range ids {
		if id == e.store.localID {
			e.store.markLocal(false)
		}
	}
	return nil
}

// Reset forgets every remote client and marks the local tabs for upload.
func (e *engine) Reset(ctx context.Context, assoc syncengine.Association) error {
	err := e.withTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM remote_clients"); err != nil {
			return fmt.Errorf("clearing remote clients: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.store.markLocal(true)
	e.store.logger.Debug("tabs sync reset", "association", assoc.String())
	return nil
}

// Wipe forgets every remote client and the local tabs.
func (e *engine) Wipe(ctx context.Context) error {
	err := e.withTx(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM remote_clients")
		return err
	})
	if err != nil {
		return fmt.Errorf("wiping tabs: %w", err)
	}
	e.store.SetLocalTabs(nil)
	e.store.markLocal(false)
	return nil
}
