package flowcore

import (
	"errors"
	"fmt"
)

var (
	// ErrMisuse reports a unit run through the wrong entry point (sync vs async).
	ErrMisuse = errors.New("flowcore: wrong run mode")
	// ErrMissingShared reports a required shared-state key that is absent.
	ErrMissingShared = errors.New("flowcore: missing shared key")
	// ErrUnsupportedUnit reports a graph element the engine does not know how to run.
	ErrUnsupportedUnit = errors.New("flowcore: unsupported unit")
)

// MisuseError is returned when a sync entry point meets an async unit or the reverse.
// It is detected before any phase runs and is never retried.
type MisuseError struct {
	Unit  string
	Entry string
	Hint  string
}

func (e *MisuseError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("unit %s cannot be run with %s", e.Unit, e.Entry)
	}
	return fmt.Sprintf("unit %s cannot be run with %s: %s", e.Unit, e.Entry, e.Hint)
}

func (e *MisuseError) Is(target error) bool {
	return target == ErrMisuse
}

// MissingSharedError names the key a unit required.
type MissingSharedError struct {
	Key  string
	Want string
	Got  any
}

func (e *MissingSharedError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("required shared key %q is missing", e.Key)
	}
	return fmt.Sprintf("shared key %q holds %T, want %s", e.Key, e.Got, e.Want)
}

func (e *MissingSharedError) Is(target error) bool {
	return target == ErrMissingShared
}

// RequireShared returns shared[key] as T, failing when the key is absent, nil
// or holds another type.
func RequireShared[T any](shared Shared, key string) (T, error) {
	var zero T
	raw, ok := shared[key]
	if !ok || raw == nil {
		return zero, &MissingSharedError{Key: key}
	}
	value, ok := raw.(T)
	if !ok {
		return zero, &MissingSharedError{Key: key, Want: fmt.Sprintf("%T", zero), Got: raw}
	}
	return value, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an execute failure that must not be retried. The fallback
// still runs.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
