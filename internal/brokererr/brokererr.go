// Package brokererr defines the broker's error kinds as sentinel errors,
// wrapped with formatted messages via classifiedError. Callers distinguish
// kinds with errors.Is, never by string matching.
package brokererr

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueDoesNotExist means the (project, queue) pair has no queue record.
	ErrQueueDoesNotExist = errors.New("queue does not exist")
	// ErrQueueIsEmpty means a queue exists but has no visible messages.
	ErrQueueIsEmpty = errors.New("queue is empty")
	// ErrMessageDoesNotExist means a specific message id was not found.
	ErrMessageDoesNotExist = errors.New("message does not exist")
	// ErrMessageConflict means marker-range insertion collided past the retry budget.
	ErrMessageConflict = errors.New("message conflict")
	// ErrClaimDoesNotExist means the claim id is missing or expired.
	ErrClaimDoesNotExist = errors.New("claim does not exist")
	// ErrPoolDoesNotExist means the referenced pool id is not registered.
	ErrPoolDoesNotExist = errors.New("pool does not exist")
	// ErrConnectionError means the backend was unreachable after exhausting retries.
	ErrConnectionError = errors.New("backend connection error")
	// ErrInvalidArgument means request validation failed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPayloadTooLarge means the decoded body exceeded the configured byte cap.
	ErrPayloadTooLarge = errors.New("payload too large")

	// errInvariantViolation marks programmer errors (bad sort key, negative
	// backoff parameters). These are never mapped to a 4xx response.
	errInvariantViolation = errors.New("invariant violation")
)

// classified wraps a sentinel kind with a formatted, human-readable message.
type classified struct {
	kind error
	msg  string
}

func (e *classified) Error() string { return e.msg }
func (e *classified) Unwrap() error { return e.kind }

func wrap(kind error, format string, args ...any) error {
	return &classified{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func QueueDoesNotExistf(format string, args ...any) error {
	return wrap(ErrQueueDoesNotExist, format, args...)
}

func QueueIsEmptyf(format string, args ...any) error {
	return wrap(ErrQueueIsEmpty, format, args...)
}

func MessageDoesNotExistf(format string, args ...any) error {
	return wrap(ErrMessageDoesNotExist, format, args...)
}

func MessageConflictf(format string, args ...any) error {
	return wrap(ErrMessageConflict, format, args...)
}

func ClaimDoesNotExistf(format string, args ...any) error {
	return wrap(ErrClaimDoesNotExist, format, args...)
}

func PoolDoesNotExistf(format string, args ...any) error {
	return wrap(ErrPoolDoesNotExist, format, args...)
}

func ConnectionErrorf(format string, args ...any) error {
	return wrap(ErrConnectionError, format, args...)
}

func InvalidArgumentf(format string, args ...any) error {
	return wrap(ErrInvalidArgument, format, args...)
}

func PayloadTooLargef(format string, args ...any) error {
	return wrap(ErrPayloadTooLarge, format, args...)
}

// InvariantViolationf constructs a programmer-error: a bad sort key, a
// negative backoff parameter, anything that indicates a bug rather than a
// bad request or a backend hiccup. Callers must never translate this into
// an HTTP 4xx.
func InvariantViolationf(format string, args ...any) error {
	return wrap(errInvariantViolation, format, args...)
}

func IsInvariantViolation(err error) bool { return errors.Is(err, errInvariantViolation) }

func Is(err, kind error) bool { return errors.Is(err, kind) }
