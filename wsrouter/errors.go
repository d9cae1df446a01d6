package wsrouter

import (
	"errors"
	"fmt"
	"time"
)

// Code is a standard error code. Apps may introduce additional string codes;
// only the 13 listed here carry a known retryable default.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeUnimplemented      Code = "UNIMPLEMENTED"
	CodeCancelled          Code = "CANCELLED"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeAborted            Code = "ABORTED"
	CodeInternal           Code = "INTERNAL"
)

// Topic operation codes layered on top of the standard taxonomy.
const (
	CodeInvalidTopic       Code = "INVALID_TOPIC"
	CodeTopicLimitExceeded Code = "TOPIC_LIMIT_EXCEEDED"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeAdapterError       Code = "ADAPTER_ERROR"
)

// retryableByDefault maps each standard code to its retryable default.
var retryableByDefault = map[Code]bool{
	CodeDeadlineExceeded:  true,
	CodeResourceExhausted: true,
	CodeUnavailable:       true,
	CodeAborted:           true,
}

// RetryableDefault reports whether a code is retryable by default. Unknown
// (app-defined) codes default to not retryable.
func RetryableDefault(code Code) bool {
	return retryableByDefault[code]
}

// Error is the router's error value. It carries the taxonomy code, an
// optional structured context, and retry guidance.
type Error struct {
	Code    Code
	Message string
	Context map[string]any

	// Retryable is derived from the code unless set explicitly via
	// WithRetryable.
	retryableSet bool
	retryable    bool

	// RetryAfter is populated for rate-limit rejections. Nil means "no
	// guidance" (or impossible-under-policy for FAILED_PRECONDITION).
	RetryAfter *time.Duration

	cause error
}

// E constructs an Error with the given code and message.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports the effective retryable flag.
func (e *Error) Retryable() bool {
	if e.retryableSet {
		return e.retryable
	}
	return RetryableDefault(e.Code)
}

// WithRetryable overrides the retryable default.
func (e *Error) WithRetryable(v bool) *Error {
	e.retryableSet = true
	e.retryable = v
	return e
}

// WithContext attaches structured context.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// WithRetryAfter attaches retry timing guidance.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = &d
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// AsError coerces any error into an *Error. Errors without an explicit code
// are mapped to INTERNAL, per the propagation policy.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return E(CodeInternal, "unexpected error").WithCause(err)
}
