package storageclient

import (
	"errors"
	"fmt"

	"github.com/nerrad567/appservices/internal/syncengine"
)

// ErrHMACMismatch is returned when a fetched record was not written with the
// same sync key. It wraps syncengine.ErrAuth, so it aborts the sync run.
var ErrHMACMismatch = fmt.Errorf("%w: record HMAC mismatch", syncengine.ErrAuth)

// ErrRequest is returned for a request the server rejected as invalid.
// It fails only the engine that made it.
var ErrRequest = errors.New("storageclient: request rejected")

// HTTPError is a non-2xx response from the storage service.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storageclient: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("storageclient: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Unwrap classifies the status for the orchestrator's failure policy:
// 401 and 403 are authentication failures, 5xx and 429 are transport
// failures, anything else is a rejected request.
func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return syncengine.ErrAuth
	case e.StatusCode >= 500 || e.StatusCode == 429:
		return syncengine.ErrTransport
	default:
		return ErrRequest
	}
}
