package storage

import "errors"

// Sentinel errors for the storage engine's error taxonomy. Callers should
// compare with errors.Is rather than string matching.
var (
	// ErrPoolExhausted is returned when an arena has no free slot left.
	ErrPoolExhausted = errors.New("storage: pool exhausted")

	// ErrDuplicateID is returned when inserting a node whose id is already indexed.
	ErrDuplicateID = errors.New("storage: duplicate id")

	// ErrAlreadyLocked is returned when open() finds an existing lockfile.
	ErrAlreadyLocked = errors.New("storage: data directory already locked")

	// ErrNotLocked is returned by ForceUnlock when no lockfile is present.
	ErrNotLocked = errors.New("storage: data directory is not locked")

	// ErrCorrupt covers WAL header mismatches and WAL frames that fail
	// decoding or their CRC check. An unusable snapshot is not reported with
	// it: restore falls back to the .bak copy and then to empty pools.
	ErrCorrupt = errors.New("storage: corrupt data")

	// ErrIO wraps an underlying file operation failure. Once returned, the
	// engine rejects further writes until the process is restarted.
	ErrIO = errors.New("storage: io error")

	// ErrReadOnly is returned when a mutation is attempted on a read-only session.
	ErrReadOnly = errors.New("storage: database is read-only")
)
