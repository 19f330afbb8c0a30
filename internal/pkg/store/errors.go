package store

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrStorage wraps every I/O failure of the log or snapshot files.
	ErrStorage = errors.New("storage failure")

	// ErrTimeout is returned when the caller's deadline passed before an
	// append was known to be durable.
	ErrTimeout = errors.New("log append timed out")

	// ErrCorrupt is returned when persisted state cannot be decoded outside
	// the recoverable torn tail of the newest log generation.
	ErrCorrupt = errors.New("corrupt log or snapshot")

	// ErrStaleCheckpoint is returned when a snapshot would cover fewer
	// generations than the one already published.
	ErrStaleCheckpoint = errors.New("stale checkpoint")

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = os.ErrClosed
)

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
