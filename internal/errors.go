package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain, one per error kind in the
// pipeline's error-handling design. Wrap with fmt.Errorf("...: %w", ...) to
// preserve errors.Is/errors.As chains while attaching request-specific
// detail.
var (
	ErrAuthMissing      = errors.New("auth missing")
	ErrAuthInvalid      = errors.New("auth invalid")
	ErrAuthExpired      = errors.New("auth expired")
	ErrAuthRevoked      = errors.New("auth revoked")
	ErrMalformed        = errors.New("malformed request")
	ErrPolicyViolation  = errors.New("policy violation")
	ErrRouteUnresolved  = errors.New("route unresolved")
	ErrUpstream         = errors.New("upstream error")
	ErrClientClosed     = errors.New("client closed connection")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInternal         = errors.New("internal error")
)

// httpStatusError is an interface for errors that carry their own HTTP
// status code, checked via errors.As at the pipeline's response boundary.
type httpStatusError interface {
	HTTPStatus() int
}

// StatusError pairs a sentinel error kind with the HTTP status it should
// surface as and an optional upstream-preserved message.
type StatusError struct {
	Kind    error
	Status  int
	Message string
}

// NewStatusError wraps kind with the given HTTP status and message.
func NewStatusError(kind error, status int, message string) *StatusError {
	return &StatusError{Kind: kind, Status: status, Message: message}
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.Error()
}

// Unwrap exposes the underlying sentinel so errors.Is(err, gateway.ErrUpstream)
// keeps working through the wrapper.
func (e *StatusError) Unwrap() error { return e.Kind }

// HTTPStatus satisfies httpStatusError.
func (e *StatusError) HTTPStatus() int { return e.Status }

// HTTPStatusOf extracts the HTTP status an error wants to surface as, or 0
// if none is attached.
func HTTPStatusOf(err error) int {
	var he httpStatusError
	if errors.As(err, &he) {
		return he.HTTPStatus()
	}
	return 0
}
