package extstorage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/interrupt"
	"github.com/nerrad567/appservices/internal/syncengine"
)

// EngineName is the engine ID and remote collection of extension storage.
const EngineName = "extension-storage"

// record is the payload of one extension's storage on the server.
type record struct {
	ExtID string `json:"extId"`
	Data  string `json:"data"`
}

type engine struct {
	store *Store
	sc    *database.SyncConn
}

var _ syncengine.Engine = (*engine)(nil)

func newEngine(s *Store) *engine {
	return &engine{store: s}
}

func (e *engine) conn(ctx context.Context) (*database.SyncConn, error) {
	if e.sc == nil {
		sc, err := e.store.mgr.OpenSyncConnection(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening extension storage sync connection: %w", err)
		}
		e.sc = sc
	}
	return e.sc, nil
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

func (e *engine) withTx(ctx context.Context, fn func(ctx context.Context, tx *database.Tx) error) error {
	sc, err := e.conn(ctx)
	if err != nil {
		return err
	}
	return sc.WithInterruptScope(ctx, func(ctx context.Context, _ *interrupt.Scope) error {
		return sc.WithTx(ctx, func(tx *database.Tx) error {
			return fn(ctx, tx)
		})
	})
}

func (e *engine) CollectionName() string { return EngineName }

// ApplyIncoming merges server records into local storage.
//
// Unchanged local data is replaced by the server's. When both sides changed,
// the server map is taken and local values win key by key; the merged map is
// uploaded on the same run. A server deletion loses against a local change.
func (e *engine) ApplyIncoming(ctx context.Context, records []syncengine.Record) (syncengine.IncomingOutcome, error) {
	var out syncengine.IncomingOutcome
	err := e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		for _, r := range records {
			applied, err := applyRecord(ctx, tx, r)
			switch {
			case errors.Is(err, syncengine.ErrInvalidRecord):
				e.store.logger.Warn("skipping invalid extension storage record", "id", r.ID, "error", err)
				out.Failed++
			case err != nil:
				return err
			case applied:
				out.Applied++
			default:
				out.Reconciled++
			}
		}
		return nil
	})
	if err != nil {
		return syncengine.IncomingOutcome{Failed: len(records)}, err
	}
	return out, nil
}

// applyRecord applies r and reports whether local data changed to the
// server's version.
func applyRecord(ctx context.Context, tx *database.Tx, r syncengine.Record) (bool, error) {
	var (
		local  sql.NullString
		status int
		srvMod int64
	)
	err := tx.QueryRowContext(ctx,
		"SELECT data, sync_status, server_modified FROM extension_data WHERE ext_id = ?", r.ID).
		Scan(&local, &status, &srvMod)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("reading storage of %s: %w", r.ID, err)
	}

	if r.Deleted {
		if !exists || status != statusSynced {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM extension_data WHERE ext_id = ?", r.ID); err != nil {
			return false, fmt.Errorf("applying deletion of %s: %w", r.ID, err)
		}
		return true, nil
	}

	var rec record
	if err := r.DecodePayload(&rec); err != nil {
		return false, err
	}
	remote := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(rec.Data), &remote); err != nil {
		return false, fmt.Errorf("%w: record %s: %w", syncengine.ErrInvalidRecord, r.ID, err)
	}

	if exists && status == statusSynced && srvMod == r.Modified {
		return false, nil
	}

	if exists && status != statusSynced && local.Valid {
		var mine map[string]json.RawMessage
		if err := json.Unmarshal([]byte(local.String), &mine); err != nil {
			return false, fmt.Errorf("decoding storage of %s: %w", r.ID, err)
		}
		for k, v := range mine {
			remote[k] = v
		}
		if err := putRecord(ctx, tx, r.ID, remote, statusChanged, r.Modified); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := putRecord(ctx, tx, r.ID, remote, statusSynced, r.Modified); err != nil {
		return false, err
	}
	return true, nil
}

func putRecord(ctx context.Context, tx *database.Tx, extID string, data map[string]json.RawMessage, status int, serverModified int64) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding storage of %s: %w", extID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO extension_data (ext_id, data, sync_status, server_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ext_id) DO UPDATE SET
			data = excluded.data,
			sync_status = excluded.sync_status,
			server_modified = excluded.server_modified`,
		extID, string(encoded), status, serverModified)
	if err != nil {
		return fmt.Errorf("storing %s: %w", extID, err)
	}
	return nil
}

// StageOutgoing returns the storage of every extension changed locally.
func (e *engine) StageOutgoing(ctx context.Context) ([]syncengine.Record, error) {
	sc, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := sc.QueryContext(ctx,
		"SELECT ext_id, data FROM extension_data WHERE sync_status <> ? ORDER BY ext_id", statusSynced)
	if err != nil {
		return nil, fmt.Errorf("querying outgoing extension storage: %w", err)
	}
	defer rows.Close()

	var out []syncengine.Record
	for rows.Next() {
		var (
			id   string
			data sql.NullString
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning outgoing extension storage: %w", err)
		}
		if !data.Valid {
			out = append(out, syncengine.Tombstone(id))
			continue
		}
		rec, err := syncengine.NewRecord(id, record{ExtID: id, Data: data.String})
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outgoing extension storage: %w", err)
	}
	return out, nil
}

// SetUploaded marks ids as synced and drops their tombstones.
func (e *engine) SetUploaded(ctx context.Context, serverModified int64, ids []string) error {
	return e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM extension_data WHERE ext_id = ? AND data IS NULL", id); err != nil {
				return fmt.Errorf("dropping tombstone %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE extension_data SET sync_status = ?, server_modified = ? WHERE ext_id = ?",
				statusSynced, serverModified, id); err != nil {
				return fmt.Errorf("marking %s uploaded: %w", id, err)
			}
		}
		return nil
	})
}

// Reset drops tombstones and marks all storage as new.
func (e *engine) Reset(ctx context.Context, assoc syncengine.Association) error {
	err := e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM extension_data WHERE data IS NULL"); err != nil {
			return fmt.Errorf("dropping tombstones: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE extension_data SET sync_status = ?, server_modified = 0", statusNew); err != nil {
			return fmt.Errorf("resetting sync status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.store.logger.Info("extension storage sync reset", "association", assoc.String())
	return nil
}

// Wipe deletes the storage of every extension.
func (e *engine) Wipe(ctx context.Context) error {
	return e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM extension_data"); err != nil {
			return fmt.Errorf("wiping extension storage: %w", err)
		}
		return nil
	})
}

// registered is the store offered to the sync manager.
var registered syncengine.Slot[Store]

// RegisterWithSyncManager offers s to the sync manager through a weak
// reference. A later registration replaces it.
func (s *Store) RegisterWithSyncManager() {
	registered.Register(s)
}

// RegisteredSyncEngine builds the extension storage engine from the
// registered store. The engine must be closed after the run.
func RegisteredSyncEngine(engineID string) (syncengine.Engine, bool) {
	if engineID != EngineName {
		return nil, false
	}
	return syncengine.Resolve(&registered, func(s *Store) syncengine.Engine {
		return newEngine(s)
	})
}
