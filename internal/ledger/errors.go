package ledger

import "errors"

var (
	// ErrStoreUnavailable means the ledger could not be read or written.
	// Callers must not read it as "no usage".
	ErrStoreUnavailable = errors.New("usage store unavailable")

	ErrInvalidRecord = errors.New("invalid usage record")
)
