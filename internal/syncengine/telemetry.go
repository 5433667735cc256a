package syncengine

import (
	"encoding/json"
	"time"
)

// SyncTelemetry describes one orchestration run.
type SyncTelemetry struct {
	ID         string            `json:"id"`
	Reason     string            `json:"reason"`
	Started    time.Time         `json:"started"`
	TookMillis int64             `json:"took_ms"`
	Engines    []EngineTelemetry `json:"engines"`

	// Failure is set when the run was aborted.
	Failure string `json:"failure,omitempty"`

	// StateReset is set when the persisted state could not be used.
	StateReset bool `json:"state_reset,omitempty"`
}

// EngineTelemetry describes one engine within a run.
type EngineTelemetry struct {
	Name       string          `json:"name"`
	Incoming   IncomingOutcome `json:"incoming"`
	Outgoing   OutgoingOutcome `json:"outgoing"`
	TookMillis int64           `json:"took_ms"`

	// Reset names the association the engine was reset to during the run.
	Reset string `json:"reset,omitempty"`

	Wiped   bool   `json:"wiped,omitempty"`
	Failure string `json:"failure,omitempty"`
}

// OutgoingOutcome counts uploaded records.
type OutgoingOutcome struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Failed reports whether any engine recorded a failure.
func (t *SyncTelemetry) Failed() bool {
	if t.Failure != "" {
		return true
	}
	for _, e := range t.Engines {
		if e.Failure != "" {
			return true
		}
	}
	return false
}

// JSON encodes the telemetry.
func (t *SyncTelemetry) JSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
