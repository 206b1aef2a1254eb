package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entry or proof does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrIntegrityViolation marks a chain that failed verification.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrConcurrencyConflict is returned when the write lock could not be
	// acquired. Callers retry with backoff.
	ErrConcurrencyConflict = errors.New("ledger write lock unavailable")

	// ErrStorageUnavailable is returned when the backing store could not
	// durably commit or serve a request.
	ErrStorageUnavailable = errors.New("ledger unavailable")

	// ErrInvalidVerdict is returned for an unknown verdict.
	ErrInvalidVerdict = errors.New("invalid verdict")

	// ErrInvalidPayload is returned for a payload rejected by its schema, or
	// for content the backing store cannot represent.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidCursor is returned for a malformed pagination cursor.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// IntegrityError reports the first sequence at which verification failed.
type IntegrityError struct {
	Sequence int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
