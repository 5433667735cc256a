package syncengine

import (
	"context"
	"errors"

	"github.com/nerrad567/appservices/internal/interrupt"
)

// Sentinel errors for sync runs.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransport is returned when the storage service cannot be reached or
	// fails on its side. It aborts the whole run.
	ErrTransport = errors.New("syncengine: transport failure")

	// ErrAuth is returned when the storage service rejects the credentials.
	// It aborts the whole run.
	ErrAuth = errors.New("syncengine: authentication failure")

	// ErrEngineUnavailable is returned when a registered store has been
	// released and its engine can no longer be built.
	ErrEngineUnavailable = errors.New("syncengine: engine unavailable")

	// ErrInvalidRecord is returned when a record cannot be applied or staged.
	ErrInvalidRecord = errors.New("syncengine: invalid record")
)

// IsAbort reports whether err must stop the whole run rather than only the
// engine that returned it.
func IsAbort(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, interrupt.ErrInterrupted)
}

// EngineError records which engine a failure belongs to.
type EngineError struct {
	Engine string
	Op     string
	Err    error
}

func (e *EngineError) Error() string {
	return "syncengine: " + e.Engine + ": " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}
