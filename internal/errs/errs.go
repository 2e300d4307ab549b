// Package errs classifies domain errors so handlers and workers can decide
// uniformly whether to reject, retry, or page an operator.
package errs

import (
	"errors"
	"fmt"
)

// Kind buckets an error by how the caller should react.
type Kind int

const (
	// KindValidation: bad input, rejected synchronously, no state created.
	KindValidation Kind = iota
	// KindConflict: state mismatch, no mutation, safe to retry after refetch.
	KindConflict
	// KindResource: a ledger invariant would be violated; nothing changed.
	KindResource
	// KindForbidden: the actor is not allowed to perform the operation.
	KindForbidden
	// KindNotFound: the referenced entity does not exist.
	KindNotFound
	// KindTransient: infrastructure trouble, worth retrying with backoff.
	KindTransient
	// KindFatal: unexpected, logged with full context, surfaced to operators.
	KindFatal
)

// Error carries a kind, a stable machine-readable code and a human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two classified errors by code, so wrapped copies of a sentinel
// still satisfy errors.Is(err, sentinel).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Transient marks err as retryable infrastructure trouble.
func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: "transient", Message: message, Err: err}
}

// Fatalf builds an operator-facing error for states that should not happen.
func Fatalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindFatal, Code: "internal", Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds an authorization failure.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: "forbidden", Message: message}
}

// NotFound builds a missing-entity error for the given noun.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: what + " not found"}
}

// KindOf extracts the classification of err, defaulting to KindFatal for
// unclassified errors so nothing gets silently swallowed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// CodeOf extracts the stable code of err, or "internal" if unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// Domain sentinels. Services wrap these with context via fmt.Errorf("...: %w", ...)
// and callers match with errors.Is.
var (
	ErrLocationOutOfRange        = New(KindValidation, "location_out_of_range", "no active collection point covers these coordinates")
	ErrStaleOrFutureCapture      = New(KindValidation, "stale_or_future_capture", "recorded_at must lie within the last 24 hours")
	ErrRateLimitExceeded         = New(KindValidation, "rate_limit_exceeded", "daily submission limit reached")
	ErrEmptyRejectReason         = New(KindValidation, "empty_reject_reason", "a rejection requires a non-empty reason")
	ErrInvalidStateTransition    = New(KindConflict, "invalid_state_transition", "the requested transition is not legal from the current state")
	ErrDuplicatePendingRequest   = New(KindConflict, "duplicate_pending_request", "a non-terminal cashout request already exists")
	ErrInsufficientPoints        = New(KindResource, "insufficient_points", "points balance is too low")
	ErrInsufficientAvailableCash = New(KindResource, "insufficient_available_cash", "available cash is too low")
	ErrOverUnlock                = New(KindResource, "over_unlock", "unlock amount exceeds the locked amount")
	ErrBelowMinimum              = New(KindValidation, "below_minimum", "cash amount is below the configured minimum")
	ErrAboveMaximum              = New(KindValidation, "above_maximum", "cash amount is above the configured maximum")
)
