package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so callers can decide between isolating them to a
// slot and aborting the whole exchange.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvocationTimeout
	KindInvocationRejected
	KindMalformedUpstreamPayload
	KindPersistenceFailure
	KindUnauthorized
	KindOperationCancelled
	KindNotFound
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindInvocationTimeout:
		return "invocation_timeout"
	case KindInvocationRejected:
		return "invocation_rejected"
	case KindMalformedUpstreamPayload:
		return "malformed_upstream_payload"
	case KindPersistenceFailure:
		return "persistence_failure"
	case KindUnauthorized:
		return "unauthorized"
	case KindOperationCancelled:
		return "operation_cancelled"
	case KindNotFound:
		return "not_found"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognized names map to
// KindUnknown.
func ParseKind(s string) Kind {
	for k := KindInvocationTimeout; k <= KindInvalidRequest; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// HTTPStatus maps the kind to the status code the HTTP surface returns when
// the error aborts a request before streaming starts.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInvocationTimeout:
		return http.StatusGatewayTimeout
	case KindInvocationRejected, KindMalformedUpstreamPayload:
		return http.StatusBadGateway
	case KindOperationCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	// StatusCode is the backend's HTTP status for KindInvocationRejected.
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, ErrUnauthorized) works
// for any wrapped unauthorized error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrCancelled    = &Error{Kind: KindOperationCancelled}
)

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error. Context errors are mapped to their kinds even
// when they were not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindInvocationTimeout
	case errors.Is(err, context.Canceled):
		return KindOperationCancelled
	}
	return KindUnknown
}

// AsError returns err as an *Error, classifying it if needed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindOf(err), Err: err}
}
