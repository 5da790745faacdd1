// Package apperr defines the error taxonomy shared by every marketplace
// component. Domain packages declare sentinel errors with the constructors
// below and callers classify them with KindOf.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation Kind = "validation" // malformed input, fix and resend
	KindConflict   Kind = "conflict"   // lost a race or illegal transition
	KindProvider   Kind = "provider"   // money provider failure or timeout
	KindIntegrity  Kind = "integrity"  // webhook failed verification or references nothing
	KindPolicy     Kind = "policy"     // rule violation, e.g. unverified buyer
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
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

// Is matches another *Error with the same kind and code, so a wrapped copy
// produced by Wrap still satisfies errors.Is against its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause. The result still matches e
// under errors.Is.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, Err: e.Err}
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error { return newError(KindValidation, code, msg) }
func Conflict(code, msg string) *Error   { return newError(KindConflict, code, msg) }
func Provider(code, msg string) *Error   { return newError(KindProvider, code, msg) }
func Integrity(code, msg string) *Error  { return newError(KindIntegrity, code, msg) }
func Policy(code, msg string) *Error     { return newError(KindPolicy, code, msg) }
func NotFound(code, msg string) *Error   { return newError(KindNotFound, code, msg) }

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain, or
// "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// MessageOf returns a caller-safe message. Unclassified errors are not
// echoed back to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error to the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindIntegrity:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPolicy:
		return http.StatusUnprocessableEntity
	case KindProvider:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
