// Package apperr defines the error taxonomy surfaced by the position engine.
//
// Every error returned to a caller of the engine either is, or wraps, one of
// the sentinels below. KindOf recovers the class so transports can map it to
// a status code without string matching.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindInternal is anything not covered by the taxonomy.
	KindInternal Kind = iota
	// KindValidation is bad or missing input; the caller can correct it.
	KindValidation
	// KindNotFound is an unknown wallet or position.
	KindNotFound
	// KindConflict means the position already transitioned.
	KindConflict
	// KindInsufficientFunds is a business-rule rejection of a margin reservation.
	KindInsufficientFunds
	// KindTransient is store contention that survived the local retries.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a classified sentinel. Compare with errors.Is.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrMissingField      = newError(KindValidation, "MissingField", "missing required field")
	ErrInvalidSide       = newError(KindValidation, "InvalidSide", "side must be long or short")
	ErrInvalidInput      = newError(KindValidation, "InvalidInput", "invalid input")
	ErrInvalidClosePrice = newError(KindValidation, "InvalidClosePrice", "invalid close price")
	ErrWalletNotFound    = newError(KindNotFound, "WalletNotFound", "wallet not found")
	ErrPositionNotFound  = newError(KindNotFound, "NotFound", "position not found")
	ErrAlreadyClosed     = newError(KindConflict, "AlreadyClosed", "position is already closed")
	ErrInsufficientFunds = newError(KindInsufficientFunds, "InsufficientFunds",
		"insufficient funds in wallet based on the specified assets amount")
	ErrLimitExceeded = newError(KindConflict, "LimitExceeded", "exposure limit exceeded")
	ErrTryAgain      = newError(KindTransient, "TryAgain", "ledger is busy, try again")
)

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of the first classified error in err's chain,
// or "Internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal"
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
