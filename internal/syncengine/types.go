package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is one item of a collection as exchanged with the storage service.
type Record struct {
	// ID is the record GUID, unique within its collection.
	ID string `json:"id"`

	// Modified is the server timestamp in milliseconds. Zero for records
	// that have not been uploaded yet.
	Modified int64 `json:"modified"`

	// Deleted marks a tombstone. Tombstones carry no payload.
	Deleted bool `json:"deleted,omitempty"`

	// Payload is the engine-specific JSON body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Tombstone returns a deletion record for id.
func Tombstone(id string) Record {
	return Record{ID: id, Deleted: true}
}

// DecodePayload unmarshals the record payload into v.
func (r Record) DecodePayload(v any) error {
	if r.Deleted || len(r.Payload) == 0 {
		return fmt.Errorf("%w: record %s has no payload", ErrInvalidRecord, r.ID)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: record %s: %w", ErrInvalidRecord, r.ID, err)
	}
	return nil
}

// NewRecord builds a record with v marshalled as its payload.
func NewRecord(id string, v any) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("%w: record %s: %w", ErrInvalidRecord, id, err)
	}
	return Record{ID: id, Payload: payload}, nil
}

// IncomingOutcome counts what an engine did with incoming records.
type IncomingOutcome struct {
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	Reconciled int `json:"reconciled"`
}

// Add accumulates another outcome.
func (o *IncomingOutcome) Add(other IncomingOutcome) {
	o.Applied += other.Applied
	o.Failed += other.Failed
	o.Reconciled += other.Reconciled
}

// Association ties an engine's local data to a remote collection.
// The zero value is Disconnected.
type Association struct {
	syncID string
}

// Connected returns the association with the remote collection syncID.
func Connected(syncID string) Association {
	return Association{syncID: syncID}
}

// Disconnected returns the association of an engine with no remote.
func Disconnected() Association {
	return Association{}
}

// IsConnected reports whether the association names a remote collection.
func (a Association) IsConnected() bool {
	return a.syncID != ""
}

// SyncID returns the remote collection identity, or "" when disconnected.
func (a Association) SyncID() string {
	return a.syncID
}

func (a Association) String() string {
	if !a.IsConnected() {
		return "disconnected"
	}
	return "connected(" + a.syncID + ")"
}

// Engine adapts one data domain to the sync orchestrator.
//
// Engines are short-lived: a new one is built for each run, bound to the
// store it was resolved from. Implementations may also implement io.Closer
// to release connections when the run ends.
type Engine interface {
	// CollectionName is the remote collection, also used as the engine name
	// in results and telemetry.
	CollectionName() string

	// ApplyIncoming merges records fetched from the server into local state.
	ApplyIncoming(ctx context.Context, records []Record) (IncomingOutcome, error)

	// StageOutgoing returns the local changes that need uploading.
	StageOutgoing(ctx context.Context) ([]Record, error)

	// SetUploaded marks ids as stored on the server at serverModified.
	SetUploaded(ctx context.Context, serverModified int64, ids []string) error

	// Reset forgets sync metadata and re-associates local data.
	// Local records are kept and will be uploaded again.
	Reset(ctx context.Context, assoc Association) error

	// Wipe deletes all local data of the engine.
	Wipe(ctx context.Context) error
}

// Credentials identify the account on the storage service.
type Credentials struct {
	KeyID       string `json:"key_id" yaml:"key_id"`
	AccessToken string `json:"access_token" yaml:"access_token"` //nolint:gosec // Config field, not a hard-coded secret
	ServerURL   string `json:"server_url" yaml:"server_url"`
	SyncKey     string `json:"sync_key" yaml:"sync_key"` //nolint:gosec // Config field, not a hard-coded secret
}

// CollectionInfo describes one remote collection.
type CollectionInfo struct {
	SyncID   string `json:"sync_id"`
	Modified int64  `json:"modified"`
}

// Batch is the result of one fetch.
type Batch struct {
	Records []Record `json:"records"`

	// Timestamp is the server time of the fetch in milliseconds. Records
	// newer than this were not included.
	Timestamp int64 `json:"timestamp"`
}

// Client is the storage service as seen by the orchestrator.
type Client interface {
	// Collections returns every collection the account has.
	Collections(ctx context.Context) (map[string]CollectionInfo, error)

	// InitCollection creates name with syncID unless it already exists, and
	// returns the collection as stored.
	InitCollection(ctx context.Context, name, syncID string) (CollectionInfo, error)

	// Fetch returns records of name modified after since.
	Fetch(ctx context.Context, name string, since int64) (Batch, error)

	// Upload stores records and returns their server timestamp.
	Upload(ctx context.Context, name string, records []Record) (int64, error)
}
