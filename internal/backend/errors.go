package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed classification of backend failures. Every error
// leaving this package is classified exactly once, so downstream components
// switch on a sum type instead of re-deriving string heuristics.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindAuthRejected
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthRejected:
		return "auth_rejected"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error carries the classification together with the underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error is worth retrying after a backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAuthRejected reports whether the backend refused the credential.
func IsAuthRejected(err error) bool { return KindOf(err) == KindAuthRejected }

// classify wraps a transport error or non-2xx status into a kinded Error.
// The single classification point for the whole SDK boundary.
func classify(err error, status int) error {
	if err != nil {
		// Transport failures (timeouts, connection refused, DNS) and
		// caller-side deadline expiry are all retryable later.
		return &Error{Kind: KindTransient, Err: err}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthRejected, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		return &Error{Kind: KindValidation, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &Error{Kind: KindTransient, Err: fmt.Errorf("status %d", status)}
	default:
		return &Error{Kind: KindUnknown, Err: fmt.Errorf("status %d", status)}
	}
}
