// Package errors defines the error taxonomy returned across the parsing pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable category of a pipeline failure
type Kind string

const (
	KeyNotFound      Kind = "KEY_NOT_FOUND"
	FetchFailed      Kind = "FETCH_ERROR"
	NetworkFailed    Kind = "NETWORK_ERROR"
	TimedOut         Kind = "TIMEOUT_ERROR"
	AIParseFailed    Kind = "AI_PARSE_ERROR"
	ValidationFailed Kind = "VALIDATION_ERROR"
	DuplicateInvoice Kind = "DUPLICATE_INVOICE"
	ParseFailed      Kind = "PARSE_ERROR"
)

// PipelineError is the only error shape that crosses a component boundary
type PipelineError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Raw     error                  `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Raw
}

// WithDetail sets a detail entry and returns the same error
func (e *PipelineError) WithDetail(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a PipelineError without an underlying cause
func New(kind Kind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to err. A nil err yields nil.
func Wrap(err error, kind Kind, message string) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Message: message, Raw: err}
}

// As returns the first PipelineError in err's chain
func As(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf reports the kind of err, or ParseFailed when err is not a PipelineError
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return ParseFailed
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	pe, ok := As(err)
	return ok && pe.Kind == kind
}

// Retryable reports whether the fetch layer may retry after err
func Retryable(err error) bool {
	k := KindOf(err)
	return k == NetworkFailed || k == TimedOut
}

// HTTPStatus maps a kind to the status code used by the HTTP API
func HTTPStatus(kind Kind) int {
	switch kind {
	case KeyNotFound, ValidationFailed:
		return http.StatusUnprocessableEntity
	case FetchFailed, NetworkFailed, AIParseFailed:
		return http.StatusBadGateway
	case TimedOut:
		return http.StatusGatewayTimeout
	case DuplicateInvoice:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
