// Package outcome defines the error kinds returned by claim and billing operations.
package outcome

import "errors"

type Kind string

const (
	KindNone               Kind = ""
	KindNotFound           Kind = "not_found"
	KindAlreadyClaimed     Kind = "already_claimed"
	KindNotClaimed         Kind = "not_claimed"
	KindNotOwner           Kind = "not_owner"
	KindNotEligible        Kind = "not_eligible"
	KindLimitExceeded      Kind = "limit_exceeded"
	KindAlreadyInvoiced    Kind = "already_invoiced"
	KindNothingToBill      Kind = "nothing_to_bill"
	KindPersistenceFailure Kind = "persistence_failure"
)

// Error is an expected failure with a stable kind and a caller-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works for every message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyClaimed     = &Error{Kind: KindAlreadyClaimed}
	ErrNotClaimed         = &Error{Kind: KindNotClaimed}
	ErrNotOwner           = &Error{Kind: KindNotOwner}
	ErrNotEligible        = &Error{Kind: KindNotEligible}
	ErrLimitExceeded      = &Error{Kind: KindLimitExceeded}
	ErrAlreadyInvoiced    = &Error{Kind: KindAlreadyInvoiced}
	ErrNothingToBill      = &Error{Kind: KindNothingToBill}
	ErrPersistenceFailure = &Error{Kind: KindPersistenceFailure}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Persistence wraps a storage error. Errors that already carry a kind pass through.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	return &Error{Kind: KindPersistenceFailure, Message: "persistence failure: " + err.Error(), Err: err}
}

// KindOf returns the kind carried by err, or KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindNone
}
