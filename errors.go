package portal

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure kinds surfaced by the gateway and used internally by the guard.
var (
	ErrNetwork            = errors.New("portal: network error")
	ErrUnauthorized       = errors.New("portal: unauthorized")
	ErrForbidden          = errors.New("portal: forbidden")
	ErrServer             = errors.New("portal: server error")
	ErrValidation         = errors.New("portal: validation error")
	ErrMalformedToken     = errors.New("portal: malformed token")
	ErrRefreshUnavailable = errors.New("portal: refresh token unavailable")
)

// Kind classifies a failed backend call.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindUnauthorized
	KindForbidden
	KindServer
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindUnauthorized:
		return ErrUnauthorized
	case KindForbidden:
		return ErrForbidden
	case KindServer:
		return ErrServer
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

// APIError describes a failed backend call.
type APIError struct {
	Kind Kind
	// StatusCode is zero for network errors.
	StatusCode int
	// Detail is the backend-provided message, if any.
	Detail string
	// Err is the transport error for KindNetwork.
	Err error
}

func (e *APIError) Error() string {
	switch {
	case e.Kind == KindNetwork && e.Err != nil:
		return fmt.Sprintf("portal: network error: %v", e.Err)
	case e.Detail != "":
		return fmt.Sprintf("portal: %s (%d): %s", e.Kind, e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("portal: %s (%d)", e.Kind, e.StatusCode)
	}
}

// Is matches the sentinel of the error's kind.
func (e *APIError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func (e *APIError) Unwrap() error { return e.Err }

// NetworkError wraps a transport failure.
func NetworkError(err error) *APIError {
	return &APIError{Kind: KindNetwork, Err: err}
}

// StatusError builds the APIError for a non-2xx status code, or returns nil
// for a 2xx code.
func StatusError(code int, detail string) *APIError {
	var k Kind
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		k = KindUnauthorized
	case code == http.StatusForbidden:
		k = KindForbidden
	case code >= 500:
		k = KindServer
	default:
		k = KindValidation
	}
	return &APIError{Kind: k, StatusCode: code, Detail: detail}
}

// KindOf returns the failure kind carried by err.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	switch {
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrServer):
		return KindServer
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindUnknown
}
