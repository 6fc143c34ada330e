// Package errs provides the structured error envelope shared by all Weaver
// components and the error taxonomy exposed at the API boundary.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code classifies a failure for retry and API-boundary decisions.
type Code string

const (
	// CodeInvalid indicates malformed input rejected at a boundary.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates an unknown run, order, or plugin id.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates an illegal state transition.
	CodeConflict Code = "conflict"
	// CodeTransient indicates a retryable external failure (timeout, reset).
	CodeTransient Code = "transient"
	// CodeRejected indicates an unrecoverable exchange rejection.
	CodeRejected Code = "exchange_rejected"
	// CodeInternal indicates a database or serialization failure.
	CodeInternal Code = "internal"
	// CodeUnavailable indicates a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Weaver stack.
type E struct {
	Scope   string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string
	RunID   string
	OrderID string
	Details map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code. Scope names
// the component or venue that produced the failure (e.g. "eventlog",
// "adapter:alpaca").
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope: strings.TrimSpace(scope),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the upstream HTTP status associated with the failure.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithRun tags the error with the run it belongs to.
func WithRun(runID string) Option {
	trimmed := strings.TrimSpace(runID)
	return func(e *E) {
		e.RunID = trimmed
	}
}

// WithOrder tags the error with the order it belongs to.
func WithOrder(orderID string) Option {
	trimmed := strings.TrimSpace(orderID)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail appends a single structured detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithDetails merges the provided detail map into the error envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, len(details))
		}
		for k, v := range details {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Details[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.RunID != "" {
		parts = append(parts, "run="+e.RunID)
	}
	if e.OrderID != "" {
		parts = append(parts, "order="+e.OrderID)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, unwrapping as needed. Errors
// outside the envelope type classify as internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Invalid builds a validation error for the given scope.
func Invalid(scope, msg string, opts ...Option) *E {
	return New(scope, CodeInvalid, append([]Option{WithMessage(msg)}, opts...)...)
}

// NotFound builds a missing-resource error for the given scope.
func NotFound(scope, msg string, opts ...Option) *E {
	return New(scope, CodeNotFound, append([]Option{WithMessage(msg)}, opts...)...)
}

// Conflict builds an illegal-transition error for the given scope.
func Conflict(scope, msg string, opts ...Option) *E {
	return New(scope, CodeConflict, append([]Option{WithMessage(msg)}, opts...)...)
}

// Transient wraps a retryable external failure.
func Transient(scope string, cause error, opts ...Option) *E {
	return New(scope, CodeTransient, append([]Option{WithCause(cause)}, opts...)...)
}

// Internal wraps a database or serialization failure.
func Internal(scope string, cause error, opts ...Option) *E {
	return New(scope, CodeInternal, append([]Option{WithCause(cause)}, opts...)...)
}
