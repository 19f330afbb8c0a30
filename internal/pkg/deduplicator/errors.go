package deduper

import (
	"context"
	"errors"
	"fmt"

	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/store"
)

// Outcomes reported by the service besides a CheckResult. Each wraps the
// lower-level error, so errors.Is matches both.
var (
	// ErrInvalidFingerprint means the fingerprint width disagrees with the
	// configured width.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrStorageFailure means the durable log could not record the insertion.
	// The index was not changed.
	ErrStorageFailure = errors.New("storage failure")

	// ErrTimeout means the caller's deadline passed (or it was cancelled)
	// before the outcome was known.
	ErrTimeout = errors.New("duplicate check timed out")
)

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidFingerprint), errors.Is(err, ErrStorageFailure), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, fingerprint.ErrWidthMismatch),
		errors.Is(err, fingerprint.ErrInvalidWidth),
		errors.Is(err, fingerprint.ErrInvalidEncoding):
		return fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	case errors.Is(err, store.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
}
