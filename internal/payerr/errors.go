// Package payerr is the canonical error taxonomy shared by adapters, the
// orchestrator, the reconciliation engine and the HTTP layer.
package payerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindProviderUnavailable    Kind = "provider_unavailable"
	KindTimeout                Kind = "timeout"
	KindNotFound               Kind = "not_found"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindInsufficientRefundable Kind = "insufficient_refundable"
	KindNotRefundable          Kind = "not_refundable"
	KindForbidden              Kind = "forbidden"
	KindConflict               Kind = "conflict"
	KindInternal               Kind = "internal"
)

// Error carries a Kind and a message that is safe to show to API clients.
// Err holds the underlying cause and is never rendered in responses.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, so errors.Is(err, payerr.ErrTimeout) works for any
// wrapped *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
	ErrProviderUnavailable    = &Error{Kind: KindProviderUnavailable}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrInsufficientRefundable = &Error{Kind: KindInsufficientRefundable}
	ErrNotRefundable          = &Error{Kind: KindNotRefundable}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrConflict               = &Error{Kind: KindConflict}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func InvalidRequest(format string, args ...any) *Error {
	return Newf(KindInvalidRequest, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain. Context
// deadline errors are reported as timeouts; anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether a read-only provider operation may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindTimeout:
		return true
	}
	return false
}

// Public returns the client-safe message of err.
func Public(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return "internal error"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidStateTransition, KindNotRefundable, KindConflict:
		return http.StatusConflict
	case KindInsufficientRefundable:
		return http.StatusUnprocessableEntity
	case KindProviderUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
