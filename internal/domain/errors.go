package domain

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodePlanRestricted     Code = "PLAN_RESTRICTED"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeImmutableField     Code = "IMMUTABLE_FIELD"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeRetryable          Code = "RETRYABLE"
)

// Error is a coded domain error. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrPermissionDenied   = New(CodePermissionDenied, "permission denied")
	ErrQuotaExceeded      = New(CodeQuotaExceeded, "quota exceeded")
	ErrPlanRestricted     = New(CodePlanRestricted, "plan restricted")
	ErrInvariantViolation = New(CodeInvariantViolation, "invariant violation")
	ErrImmutableField     = New(CodeImmutableField, "immutable field")
	ErrInvalidArgument    = New(CodeInvalidArgument, "invalid argument")
	ErrRetryable          = New(CodeRetryable, "retryable")
)

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}

// Invariant builds an invariant violation. These always indicate an engine bug.
func Invariant(message string) *Error {
	return New(CodeInvariantViolation, message)
}

// IsInternal reports whether err must surface as a server-side failure
// rather than a deny result.
func IsInternal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeNotFound, CodePermissionDenied, CodeQuotaExceeded, CodePlanRestricted,
		CodeImmutableField, CodeInvalidArgument, CodeRetryable:
		return false
	default:
		return true
	}
}
