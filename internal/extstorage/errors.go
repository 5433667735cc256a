package extstorage

import "errors"

var (
	// ErrInvalidExtensionID is returned for an empty or malformed extension ID.
	ErrInvalidExtensionID = errors.New("invalid extension id")

	// ErrQuotaExceeded is returned when a write would exceed a sync quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidValue is returned when a value is not valid JSON.
	ErrInvalidValue = errors.New("invalid storage value")
)
