package suggest

import "errors"

var (
	// ErrInvalidKeyword is returned for an empty query keyword.
	ErrInvalidKeyword = errors.New("invalid keyword")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("suggest store is closed")
)
