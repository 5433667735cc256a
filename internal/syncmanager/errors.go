package syncmanager

import "errors"

// Sentinel errors for the sync manager.
var (
	// ErrSyncInProgress is returned when a run, or a disconnect, is already
	// in progress.
	ErrSyncInProgress = errors.New("syncmanager: sync already in progress")

	// ErrUnknownEngine is returned when a request names an engine that has
	// no provider.
	ErrUnknownEngine = errors.New("syncmanager: unknown engine")

	// ErrUnknownCommand is returned for command topics the manager does not handle.
	ErrUnknownCommand = errors.New("syncmanager: unknown command")

	// ErrInvalidCommand is returned for command payloads that do not decode.
	ErrInvalidCommand = errors.New("syncmanager: invalid command payload")

	// ErrClosed is returned by a StateStore after Close.
	ErrClosed = errors.New("syncmanager: state store closed")
)
