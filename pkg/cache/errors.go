package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates no live entry exists for the key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotFound is returned by backends when a metadata record or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorruptEntry indicates a stored record that cannot be interpreted.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrBackend matches every *BackendError.
	ErrBackend = errors.New("cache backend error")

	// ErrInvalidTTL indicates a malformed or out-of-range TTL override.
	ErrInvalidTTL = errors.New("invalid ttl")

	// ErrSweepInProgress is returned when CleanupExpired is already running on the store.
	ErrSweepInProgress = errors.New("cleanup already in progress")
)

// BackendError wraps a failure talking to a storage backend. It is never used
// for a legitimate miss.
type BackendError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("cache backend %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrBackend.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptEntry, fmt.Sprintf(format, args...))
}
