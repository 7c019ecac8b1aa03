package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks a stored payload that could not be decoded. The read
	// is treated as a miss; the underlying record is left in place so a
	// later successful write repairs it.
	ErrDecode = errors.New("cache: decode entry")

	// ErrNoOrigin is returned by GetOrRefresh when no origin function is
	// available for the namespace.
	ErrNoOrigin = errors.New("cache: no origin registered")
)

// StoreError distinguishes durable-tier I/O failures from origin failures.
// Op is "read", "write", or "delete".
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// OriginFailedError reports a total miss whose synchronous origin fetch also
// failed. It is the only way a reader of a previously-cached key sees an
// error: stale data is always preferred over no data.
type OriginFailedError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *OriginFailedError) Error() string {
	return fmt.Sprintf("cache: miss and origin failed for %s/%s: %v", e.Namespace, e.Key, e.Err)
}

func (e *OriginFailedError) Unwrap() error { return e.Err }
