// Package errs defines the error kinds shared by the ledger services.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	StateConflict
	IntegrityViolation
	InsufficientFunds
	Disabled
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case StateConflict:
		return "state_conflict"
	case IntegrityViolation:
		return "integrity_violation"
	case InsufficientFunds:
		return "insufficient_funds"
	case Disabled:
		return "disabled"
	default:
		return "internal"
	}
}

// UserMessage is the text shown to members and admins for this kind.
func (k Kind) UserMessage() string {
	switch k {
	case Validation:
		return "Invalid request"
	case NotFound:
		return "Not found"
	case StateConflict:
		return "This action is not allowed in the current state"
	case IntegrityViolation:
		return "This change would break the referral hierarchy"
	case InsufficientFunds:
		return "Insufficient balance"
	case Disabled:
		return "Referral program is not available for this account"
	default:
		return "Something went wrong, please try again"
	}
}

// HTTPStatus maps the kind onto a response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StateConflict, IntegrityViolation:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	case Disabled:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified business error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err under kind. The sentinel stays reachable through errors.Is.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
