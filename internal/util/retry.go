// Package util provides shared utility functions for scangate.
package util

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"
)

// UnmountRetryOptions returns retry options for OS unmount calls.
// Uses linear backoff (100ms, 200ms, 300ms...) suitable for EBUSY while
// the kernel flushes outstanding references.
func UnmountRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(5),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDeviceBusy),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDeviceBusy returns true if the error indicates a busy device or mount.
func IsDeviceBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
