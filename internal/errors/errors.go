package errors

import (
	"errors"
	"fmt"
)

// Base error kinds
var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	ErrExhausted     = errors.New("resource exhausted")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
)

// Kind represents the category of error
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindExhausted     Kind = "exhausted"
	KindValidation    Kind = "validation"
	KindInternal      Kind = "internal"
)

// Stable machine-readable codes returned to clients.
const (
	CodeNotFound                   = "NOT_FOUND"
	CodeRevoked                    = "REVOKED"
	CodeExpired                    = "EXPIRED"
	CodeNotActivated               = "NOT_ACTIVATED"
	CodeInvalidOrInactive          = "INVALID_OR_INACTIVE"
	CodeTokenInUse                 = "TOKEN_IN_USE"
	CodeTokenConsumed              = "TOKEN_CONSUMED"
	CodeTokenUnavailable           = "TOKEN_UNAVAILABLE"
	CodeInsufficientTokens         = "INSUFFICIENT_TOKENS"
	CodeInsufficientExclusiveToken = "INSUFFICIENT_EXCLUSIVE_TOKENS"
	CodeKeyCollision               = "KEY_COLLISION"
	CodeInvalidTransition          = "INVALID_TRANSITION"
	CodeBadRequest                 = "BAD_REQUEST"
	CodeInternal                   = "INTERNAL"
)

// LicenseError is a structured error for license and token operations
type LicenseError struct {
	Kind    Kind
	Code    string
	Op      string // Operation that failed (e.g., "generate_batch", "activate")
	Message string // Client-safe message
	Err     error  // Underlying error, never shown to clients
}

func (e *LicenseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *LicenseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LicenseError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrStateConflict:
		return e.Kind == KindStateConflict
	case ErrExhausted:
		return e.Kind == KindExhausted
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrInternalError:
		return e.Kind == KindInternal
	}

	if t, ok := target.(*LicenseError); ok {
		return t.Code != "" && t.Code == e.Code
	}
	return false
}

// New creates a LicenseError without an underlying cause.
func New(kind Kind, code, op, message string) *LicenseError {
	return &LicenseError{Kind: kind, Code: code, Op: op, Message: message}
}

// NotFound reports an unknown license or admin resource.
func NotFound(op, message string) *LicenseError {
	return New(KindNotFound, CodeNotFound, op, message)
}

// Conflict reports a state that forbids the requested operation.
func Conflict(code, op, message string) *LicenseError {
	return New(KindStateConflict, code, op, message)
}

// Exhausted reports that the token pool cannot satisfy a request.
func Exhausted(code, op, message string) *LicenseError {
	return New(KindExhausted, code, op, message)
}

// Invalid reports a malformed or out-of-range request.
func Invalid(op, message string) *LicenseError {
	return New(KindValidation, CodeBadRequest, op, message)
}

// Internal wraps a storage, crypto or other unexpected failure.
func Internal(op string, err error) *LicenseError {
	return &LicenseError{Kind: KindInternal, Code: CodeInternal, Op: op, Message: "internal error", Err: err}
}

// As extracts a LicenseError from err. Errors that are not LicenseErrors are
// reported as internal.
func As(err error) *LicenseError {
	if err == nil {
		return nil
	}
	var le *LicenseError
	if errors.As(err, &le) {
		return le
	}
	return Internal("unknown", err)
}

// CodeOf returns the client-facing code of err, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var le *LicenseError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}
