package eventstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates the persisted stream version differs from the expected one.
	ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")
	// ErrStreamNotFound indicates a stream without history where history was required.
	ErrStreamNotFound = errors.New("eventstore: stream not found")
	// ErrStorageUnavailable indicates the backing database rejected or failed an operation.
	ErrStorageUnavailable = errors.New("eventstore: storage unavailable")
	// ErrNoEvents indicates an append call without events.
	ErrNoEvents = errors.New("eventstore: no events to append")
	// ErrInvalidStream indicates a malformed stream identifier, expected version or event.
	ErrInvalidStream = errors.New("eventstore: invalid stream")
)

// ConflictError describes a failed compare-and-append.
type ConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: stream %s expected version %d, found %d", ErrConcurrencyConflict.Error(), e.StreamID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

func storageError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) || errors.Is(err, ErrInvalidStream) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, operation, err)
}
