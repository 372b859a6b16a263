// Package pserrors defines the sentinel errors shared across the
// buffer-pool and hash-index packages, so callers can errors.Is
// against a stable taxonomy instead of matching error strings.
package pserrors

import "errors"

var (
	// ErrCapacityExceeded is returned when the buffer pool has no free
	// or evictable frame, or the hash index cannot split a bucket any
	// further because its directory is already at max depth.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotResident names a page that is required to be cached and is
	// not. No operation in this module returns it: FlushPage and
	// DeletePage report a non-resident page with a false result.
	ErrNotResident = errors.New("page not resident")

	// ErrNotFound names a key or page id that is not present. No
	// operation in this module returns it: Lookup reports an absent key
	// as an empty result and Remove as a zero count.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState signals a broken caller invariant: removing a
	// non-evictable frame, deleting a pinned page, calling
	// SetEvictable on an untracked frame. These indicate a programmer
	// error in the caller, not a recoverable condition.
	ErrInvalidState = errors.New("invalid state")

	// ErrCorruption is returned when a deserialized page fails its
	// structural validation.
	ErrCorruption = errors.New("page corruption")
)
