package logins

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/appservices/internal/infrastructure/database"
	"github.com/nerrad567/appservices/internal/interrupt"
	"github.com/nerrad567/appservices/internal/syncengine"
)

// EngineName is the engine ID and remote collection of logins.
const EngineName = "passwords"

// engine syncs a Store through the database's Sync connection.
//
// The connection is checked out on first use and released by Close.
type engine struct {
	store *Store
	sc    *database.SyncConn
}

var _ syncengine.Engine = (*engine)(nil)

func newEngine(s *Store) *engine {
	return &engine{store: s}
}

func (e *engine) conn(ctx context.Context) (*database.SyncConn, error) {
	if e.sc != nil {
		return e.sc, nil
	}
	sc, err := e.store.mgr.OpenSyncConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening logins sync connection: %w", err)
	}
	e.sc = sc
	return sc, nil
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

// withTx runs fn in a write transaction under an interrupt scope.
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

type applyResult int

const (
	resultApplied applyResult = iota
	resultReconciled
	resultFailed
)

// ApplyIncoming merges server records. A local change wins over an
// incoming record whose password is not newer; a server deletion always wins.
func (e *engine) ApplyIncoming(ctx context.Context, records []syncengine.Record) (syncengine.IncomingOutcome, error) {
	c, err := e.store.currentCipher()
	if err != nil {
		return syncengine.IncomingOutcome{}, err
	}

	var out syncengine.IncomingOutcome
	err = e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		for _, r := range records {
			res, err := applyRecord(ctx, tx, c, r)
			if err != nil {
				return err
			}
			switch res {
			case resultApplied:
				out.Applied++
			case resultReconciled:
				out.Reconciled++
			case resultFailed:
				e.store.logger.Warn("skipping invalid login record", "id", r.ID)
				out.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return syncengine.IncomingOutcome{Failed: len(records)}, err
	}
	return out, nil
}

func applyRecord(ctx context.Context, tx *database.Tx, c *fieldCipher, r syncengine.Record) (applyResult, error) {
	var (
		status, isDeleted int
		pwChanged, srvMod int64
	)
	err := tx.QueryRowContext(ctx,
		"SELECT sync_status, is_deleted, time_password_changed, server_modified FROM logins WHERE id = ?", r.ID).
		Scan(&status, &isDeleted, &pwChanged, &srvMod)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reading login %s: %w", r.ID, err)
	}

	if r.Deleted {
		if !exists {
			return resultReconciled, nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM logins WHERE id = ?", r.ID); err != nil {
			return 0, fmt.Errorf("applying deletion of %s: %w", r.ID, err)
		}
		return resultApplied, nil
	}

	var l Login
	if err := r.DecodePayload(&l); err != nil {
		return resultFailed, nil
	}
	l.ID = r.ID
	if err := l.Validate(); err != nil {
		return resultFailed, nil
	}

	if exists {
		// Our own upload coming back.
		if status == statusSynced && srvMod == r.Modified {
			return resultReconciled, nil
		}
		if status != statusSynced && pwChanged >= l.TimePasswordChanged {
			return resultReconciled, nil
		}
	}

	if err := insertLogin(ctx, tx, c, &l, statusSynced, r.Modified); err != nil {
		return 0, err
	}
	return resultApplied, nil
}

// StageOutgoing returns every changed login and tombstone.
func (e *engine) StageOutgoing(ctx context.Context) ([]syncengine.Record, error) {
	c, err := e.store.currentCipher()
	if err != nil {
		return nil, err
	}
	sc, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}

	var out []syncengine.Record
	err = sc.WithInterruptScope(ctx, func(ctx context.Context, _ *interrupt.Scope) error {
		rows, err := sc.QueryContext(ctx,
			"SELECT "+loginColumns+", is_deleted FROM logins WHERE sync_status <> ? ORDER BY id", statusSynced)
		if err != nil {
			return fmt.Errorf("querying outgoing logins: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				l          Login
				formAction sql.NullString
				realm      sql.NullString
				sealed     string
				isDeleted  int
			)
			if err := rows.Scan(&l.ID, &l.Origin, &formAction, &realm, &l.UsernameField, &l.PasswordField,
				&sealed, &l.TimesUsed, &l.TimeCreated, &l.TimeLastUsed, &l.TimePasswordChanged, &isDeleted); err != nil {
				return fmt.Errorf("scanning outgoing login: %w", err)
			}
			if isDeleted == 1 {
				out = append(out, syncengine.Tombstone(l.ID))
				continue
			}
			l.FormActionOrigin = formAction.String
			l.HTTPRealm = realm.String
			if err := c.openFields(sealed, &l); err != nil {
				return fmt.Errorf("decrypting login %s: %w", l.ID, err)
			}
			rec, err := syncengine.NewRecord(l.ID, &l)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetUploaded marks ids as synced and drops their tombstones.
func (e *engine) SetUploaded(ctx context.Context, serverModified int64, ids []string) error {
	return e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM logins WHERE id = ? AND is_deleted = 1", id); err != nil {
				return fmt.Errorf("dropping tombstone %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE logins SET sync_status = ?, server_modified = ? WHERE id = ?",
				statusSynced, serverModified, id); err != nil {
				return fmt.Errorf("marking %s uploaded: %w", id, err)
			}
		}
		return nil
	})
}

// Reset marks every login as new and drops tombstones. Resetting to
// Disconnected also forgets the persisted sync state.
func (e *engine) Reset(ctx context.Context, assoc syncengine.Association) error {
	err := e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM logins WHERE is_deleted = 1"); err != nil {
			return fmt.Errorf("dropping tombstones: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE logins SET sync_status = ?, server_modified = 0", statusNew); err != nil {
			return fmt.Errorf("resetting sync status: %w", err)
		}
		if !assoc.IsConnected() {
			return database.DeleteMeta(ctx, tx, metaGlobalState)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.store.logger.Info("logins sync reset", "association", assoc.String())
	return nil
}

// Wipe deletes every local login.
func (e *engine) Wipe(ctx context.Context) error {
	return e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM logins"); err != nil {
			return fmt.Errorf("wiping logins: %w", err)
		}
		return nil
	})
}

func (e *engine) globalState(ctx context.Context) (string, error) {
	sc, err := e.conn(ctx)
	if err != nil {
		return "", err
	}
	v, _, err := database.GetMeta(ctx, sc, metaGlobalState)
	return v, err
}

func (e *engine) setGlobalState(ctx context.Context, state string) error {
	return e.withTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		return database.PutMeta(ctx, tx, metaGlobalState, state)
	})
}
