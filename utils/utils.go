package utils

import (
	"context"
	"time"
)

// WithTimeout runs fn with a derived context that expires after timeout.
// A non-positive timeout only adds cancellation.
func WithTimeout(parentCtx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// WithRetry calls fn up to attempts times, pausing backoff between failures.
// It returns the last error.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// MergeMaps merges maps left to right; later maps take precedence. The result
// is always a new map.
func MergeMaps[M ~map[K]V, K comparable, V any](maps ...M) M {
	total := 0
	for _, m := range maps {
		total += len(m)
	}
	result := make(M, total)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
