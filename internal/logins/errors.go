package logins

import "errors"

var (
	// ErrNotFound is returned when a login ID does not exist.
	ErrNotFound = errors.New("login not found")

	// ErrInvalidLogin is returned when a login fails validation.
	ErrInvalidLogin = errors.New("invalid login")

	// ErrDuplicateLogin is returned when an equivalent login already exists.
	ErrDuplicateLogin = errors.New("duplicate login")

	// ErrMissingKey is returned when a store is opened without an encryption key.
	ErrMissingKey = errors.New("encryption key is required")

	// ErrWrongKey is returned when the key cannot decrypt the stored data.
	ErrWrongKey = errors.New("wrong encryption key")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("login store is closed")
)
