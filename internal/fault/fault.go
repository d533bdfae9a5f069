// Package fault defines the small set of stable error categories the
// backend exposes to callers. Handlers map a Kind to a wire code; raw
// storage-engine errors never cross the protocol boundary.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into one of the categories callers are
// allowed to observe.
type Kind int

const (
	// KindUnknown is the zero value; treated as an internal error.
	KindUnknown Kind = iota

	// KindNotFound: the entity is absent or soft-deleted.
	KindNotFound

	// KindForbidden: membership or ownership violation. Never retried.
	KindForbidden

	// KindContended: a lock or timeout; safe to retry.
	KindContended

	// KindConflict: a uniqueness violation on a shared counter. For
	// reactions and votes the caller treats this as idempotent success.
	KindConflict

	// KindCapacity: pool or connection ceiling reached. The caller must
	// back off; never retried automatically.
	KindCapacity

	// KindThrottled: per-identity quota exceeded.
	KindThrottled

	// KindInvalid: the request payload failed validation.
	KindInvalid
)

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindContended:
		return "contended"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity_exceeded"
	case KindThrottled:
		return "throttled"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Error is a categorized error. The message is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set on throttled errors to tell the client when the
	// quota window resets.
	RetryAfter time.Duration

	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// New creates a categorized error with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap categorizes an underlying error. The message is client-safe; the
// cause is retained for logging only.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// Throttled creates a quota error carrying the time until the window
// resets.
func Throttled(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindThrottled, Message: message, RetryAfter: retryAfter}
}

// RetryAfterOf returns the retry-after hint carried by err, or zero if
// none is present.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// KindOf returns the Kind of err, or KindUnknown if err is not a fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the operation without
// backoff. Only contention qualifies; capacity errors require backoff and
// everything else is deterministic.
func Retryable(err error) bool {
	return Is(err, KindContended)
}
