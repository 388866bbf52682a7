// Package errs provides structured error types and helpers for fieldsync services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a sync-engine error category.
type Code string

const (
	// CodeNetwork indicates a transient transport failure; safe to retry with backoff.
	CodeNetwork Code = "network"
	// CodeConflict indicates the mutation's base version no longer matches the server.
	CodeConflict Code = "conflict"
	// CodeValidation indicates the backend rejected the payload; never retried.
	CodeValidation Code = "validation_rejected"
	// CodeStorage indicates a local replica read/write failure; fatal for the operation.
	CodeStorage Code = "local_storage"
	// CodeRetryExhausted indicates an entry exceeded its delivery attempt ceiling.
	CodeRetryExhausted Code = "retry_exhausted"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing record.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the backend is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the fieldsync stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		cause:     nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, walking the wrap chain.
// Errors outside the envelope report an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Retryable reports whether err represents a transient failure worth retrying.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}
