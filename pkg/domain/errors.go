package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports bad input. It is never retried and is surfaced
// to the caller immediately, before any record is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Field + ": " + e.Reason
}

func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// InvalidStateError reports an operation that is not valid for the record's
// current status: double-resolving a checkpoint, executing an unverified
// mandate, advancing a terminal run. It indicates a caller bug or a stale
// view and is never retried.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s in status %q", e.Entity, e.ID, e.Op, e.Status)
}

func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " " + e.ID + " not found"
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// RoundLimitError reports a negotiation session that has consumed all of its
// rounds. This is an expected business-rule outcome, not a failure.
type RoundLimitError struct {
	SessionID string
	MaxRounds int
}

func (e *RoundLimitError) Error() string {
	return fmt.Sprintf("session %s: round limit of %d reached", e.SessionID, e.MaxRounds)
}

func IsRoundLimit(err error) bool {
	var v *RoundLimitError
	return errors.As(err, &v)
}

// ExpiredError reports an expired record, checked against the clock at use
// time rather than against a cached status.
type ExpiredError struct {
	Entity    string
	ID        string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s %s expired at %s", e.Entity, e.ID, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func IsExpired(err error) bool {
	var v *ExpiredError
	return errors.As(err, &v)
}

// UnknownSupplierError reports an acceptance or counter aimed at a supplier
// with no prior round in the session.
type UnknownSupplierError struct {
	SessionID  string
	SupplierID string
}

func (e *UnknownSupplierError) Error() string {
	return fmt.Sprintf("session %s: supplier %s has no offer on record", e.SessionID, e.SupplierID)
}

func IsUnknownSupplier(err error) bool {
	var v *UnknownSupplierError
	return errors.As(err, &v)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks a collaborator failure as retryable. Retry wrappers only
// re-attempt errors carrying this mark; everything else fails fast.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var v *transientError
	return errors.As(err, &v)
}
