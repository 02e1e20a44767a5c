// Package apperr defines the error kinds shared by every billing component
// and their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kinds. Package errors wrap exactly one of these.
var (
	Unauthorized  = errors.New("unauthorized")
	NotConfigured = errors.New("not configured")
	NotFound      = errors.New("not found")
	InvalidState  = errors.New("invalid state")
	InvalidInput  = errors.New("invalid input")
	Duplicate     = errors.New("duplicate operation")
	Upstream      = errors.New("upstream failure")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// New returns a sentinel error of the given kind. The message is returned
// verbatim by Error.
func New(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

type wrapped struct {
	kind error
	err  error
}

func (e *wrapped) Error() string   { return e.err.Error() }
func (e *wrapped) Unwrap() []error { return []error{e.err, e.kind} }

// Wrap tags err with kind while keeping the original chain intact.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

// KindOf returns the kind err belongs to, or nil for untyped errors.
func KindOf(err error) error {
	for _, k := range []error{Unauthorized, NotConfigured, NotFound, InvalidState, InvalidInput, Duplicate, Upstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether a caller may retry the operation. Only upstream
// failures qualify; money-moving retries must reuse the idempotency key.
func Retryable(err error) bool {
	return errors.Is(err, Upstream)
}

// Status maps an error to an HTTP status, a machine code and a message an
// operator can act on.
func Status(err error) (int, string, string) {
	switch KindOf(err) {
	case Unauthorized:
		return http.StatusUnauthorized, "unauthorized", "Authentication failed."
	case NotConfigured:
		return http.StatusServiceUnavailable, "not_configured", "Payment processing is not configured for this environment."
	case NotFound:
		return http.StatusNotFound, "not_found", err.Error()
	case InvalidState:
		return http.StatusConflict, "invalid_state", err.Error()
	case InvalidInput:
		return http.StatusBadRequest, "invalid_input", err.Error()
	case Duplicate:
		return http.StatusConflict, "duplicate_operation", err.Error()
	case Upstream:
		return http.StatusBadGateway, "upstream_failure", "The payment processor did not respond. Try again."
	default:
		return http.StatusInternalServerError, "internal_error", "An unexpected error occurred"
	}
}

// Abort writes the JSON error response for err and stops the handler chain.
func Abort(c *gin.Context, err error) {
	status, code, msg := Status(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error":     code,
		"message":   msg,
		"retryable": Retryable(err),
	})
}
