package syncengine

import (
	"encoding/json"
	"fmt"
	"time"
)

// globalStateVersion is bumped when GlobalState changes incompatibly.
// Persisted state of another version is discarded.
const globalStateVersion = 2

// GlobalState is the cross-run sync state persisted by the caller.
// It round-trips through Params.PersistedState and Result.PersistedState.
type GlobalState struct {
	Version     int                        `json:"version"`
	Collections map[string]CollectionState `json:"collections"`
}

// CollectionState is what the orchestrator remembers about one collection.
type CollectionState struct {
	// SyncID is the remote collection identity the local data belongs to.
	SyncID string `json:"sync_id"`

	// LastModified is the server timestamp fetched up to.
	LastModified int64 `json:"last_modified"`
}

// NewGlobalState returns an empty state.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		Version:     globalStateVersion,
		Collections: make(map[string]CollectionState),
	}
}

// ParseGlobalState decodes persisted state.
//
// An empty string yields a fresh state and no error. Unreadable state, or
// state of another version, yields a fresh state and a non-nil error, so the
// caller can note the reset and carry on.
func ParseGlobalState(s string) (*GlobalState, error) {
	if s == "" {
		return NewGlobalState(), nil
	}

	var gs GlobalState
	if err := json.Unmarshal([]byte(s), &gs); err != nil {
		return NewGlobalState(), fmt.Errorf("decoding persisted sync state: %w", err)
	}
	if gs.Version != globalStateVersion {
		return NewGlobalState(), fmt.Errorf("persisted sync state version %d, want %d", gs.Version, globalStateVersion)
	}
	if gs.Collections == nil {
		gs.Collections = make(map[string]CollectionState)
	}
	return &gs, nil
}

// Marshal encodes the state. Map keys are sorted, so equal states encode to
// identical strings.
func (gs *GlobalState) Marshal() string {
	data, err := json.Marshal(gs)
	if err != nil {
		// Only strings and integers; cannot fail.
		panic(fmt.Sprintf("syncengine: encoding global state: %v", err))
	}
	return string(data)
}

// MemoryCachedState is process-lifetime state kept between runs.
// It is owned by the caller and must not be shared by concurrent runs.
type MemoryCachedState struct {
	Runs                int       `json:"runs"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSync            time.Time `json:"last_sync"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`

	// collections is the listing fetched by the last run.
	collections map[string]CollectionInfo
}

// record updates the counters after a run.
func (m *MemoryCachedState) record(at time.Time, err error) {
	m.Runs++
	m.LastSync = at
	if err != nil {
		m.ConsecutiveFailures++
		m.LastError = err.Error()
		return
	}
	m.ConsecutiveFailures = 0
	m.LastSuccess = at
	m.LastError = ""
}

// Collections returns the collection listing seen by the last run.
func (m *MemoryCachedState) Collections() map[string]CollectionInfo {
	out := make(map[string]CollectionInfo, len(m.collections))
	for k, v := range m.collections {
		out[k] = v
	}
	return out
}
