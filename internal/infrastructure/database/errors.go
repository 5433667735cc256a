package database

import (
	"errors"
	"fmt"

	"github.com/nerrad567/appservices/internal/interrupt"
)

// Sentinel errors for connection management.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionAlreadyOpen is returned when the ReadWrite or Sync
	// connection of a manager is already checked out.
	ErrConnectionAlreadyOpen = errors.New("database: connection of this kind is already open")

	// ErrWrongManagerForClose is returned when a connection is handed back to
	// a manager that did not open it.
	ErrWrongManagerForClose = errors.New("database: connection closed by the wrong manager")

	// ErrWrongConnectionKind is returned when an operation is not valid for
	// the kind of connection it was given.
	ErrWrongConnectionKind = errors.New("database: wrong connection kind")

	// ErrIllegalPath is matched by IllegalPathError.
	ErrIllegalPath = errors.New("database: illegal path")

	// ErrSchemaUpgrade is returned when the schema on disk is unsupported or corrupt.
	// Manager construction deletes the file and retries once when it sees this error.
	ErrSchemaUpgrade = errors.New("database: unsupported or corrupt schema")

	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("database: connection is closed")

	// ErrInterrupted is returned when work was cancelled through an interrupt handle.
	ErrInterrupted = interrupt.ErrInterrupted
)

// IllegalPathError reports a path that cannot be normalised to an absolute,
// canonical filesystem path.
type IllegalPathError struct {
	Path string
	Err  error
}

func (e *IllegalPathError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("database: illegal path %q", e.Path)
	}
	return fmt.Sprintf("database: illegal path %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IllegalPathError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrIllegalPath.
func (e *IllegalPathError) Is(target error) bool {
	return target == ErrIllegalPath
}
