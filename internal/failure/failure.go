// ABOUTME: Classified failures shared by the executor, gateway, and client.
// ABOUTME: Every error that crosses the HTTP boundary carries a stable Code.

package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable failure classification.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNoEligibleTools  Code = "NO_ELIGIBLE_TOOLS"
	CodeConcurrencyLimit Code = "CONCURRENCY_LIMIT_ERROR"
	CodeSpawn            Code = "SPAWN_ERROR"
	CodeTimeout          Code = "TIMEOUT_ERROR"
	CodeExit             Code = "CLI_EXIT_ERROR"
	CodeParse            Code = "PARSE_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInternal         Code = "INTERNAL_ERROR"

	// Client-side stream and transport classifications.
	CodeStream          Code = "STREAM_ERROR"
	CodeSSEParse        Code = "SSE_PARSE_ERROR"
	CodeNoSession       Code = "NO_SESSION"
	CodeNoUsage         Code = "NO_USAGE"
	CodeHTTP            Code = "HTTP_ERROR"
	CodeInvalidResponse Code = "INVALID_RESPONSE"
)

// Error is a classified failure. RawText holds unparsed output for
// diagnostics when it is available.
type Error struct {
	Code    Code
	Message string
	RawText string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the classification to the status code the gateway returns.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeNoEligibleTools:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeConcurrencyLimit:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool {
	return e.Code == CodeConcurrencyLimit || e.Code == CodeTimeout
}

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithRaw classifies a failure that has raw output attached.
func WithRaw(code Code, message, raw string, err error) *Error {
	return &Error{Code: code, Message: message, RawText: raw, Err: err}
}

// As extracts a *Error from err. Unclassified errors are reported as
// INTERNAL_ERROR so callers always get a code.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Is reports whether err carries the given classification.
func Is(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}
