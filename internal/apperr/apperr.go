// Package apperr defines the closed set of error kinds and the stable
// machine-readable envelope returned on every 4xx/5xx response:
// {error: {code, message, details?}}.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds the core distinguishes.
type Kind string

const (
	KindMalformedJSON Kind = "MALFORMED_JSON"
	KindSchemaFail Kind = "SCHEMA_FAIL"
	KindParseFail Kind = "PARSE_FAIL"
	KindTenantMismatch Kind = "TENANT_MISMATCH"
	KindAuthMissing Kind = "AUTH_MISSING"
	KindAuthInvalid Kind = "AUTH_INVALID"
	KindRateLimited Kind = "RATE_LIMITED"
	KindIdempotencyConflict Kind = "IDEMPOTENCY_CONFLICT"
	KindUpstreamDown Kind = "UPSTREAM_DOWN"
	KindUpstreamTimeout Kind = "UPSTREAM_TIMEOUT"
	KindValidation Kind = "VALIDATION"
	KindNotFound Kind = "NOT_FOUND"
	KindConflict Kind = "CONFLICT"
	KindInternal Kind = "INTERNAL"
)

// httpStatus maps each kind to its default HTTP status. Handlers may still
// override (e.g. a malformed/parse failure inside a bulk-ingest body never
// surfaces as its own HTTP response — it becomes a quarantine/DLQ row and the
// request as a whole returns 200).
var httpStatus = map[Kind]int{
	KindMalformedJSON: http.StatusBadRequest,
	KindSchemaFail: http.StatusUnprocessableEntity,
	KindParseFail: http.StatusUnprocessableEntity,
	KindTenantMismatch: http.StatusForbidden,
	KindAuthMissing: http.StatusUnauthorized,
	KindAuthInvalid: http.StatusUnauthorized,
	KindRateLimited: http.StatusTooManyRequests,
	KindIdempotencyConflict: http.StatusConflict,
	KindUpstreamDown: http.StatusServiceUnavailable,
	KindUpstreamTimeout: http.StatusServiceUnavailable,
	KindValidation: http.StatusBadRequest,
	KindNotFound: http.StatusNotFound,
	KindConflict: http.StatusConflict,
	KindInternal: http.StatusInternalServerError,
}

// HTTPStatus returns the default HTTP status code for a kind.
func HTTPStatus(k Kind) int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed, taggable result carried through component boundaries
// instead of ad hoc error strings.
type Error struct {
	Kind Kind
	Message string
	Details map[string]any
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err, or synthesizes an internal one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{Kind: KindInternal, Message: "internal error", Cause: err}
}
