package api

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated means no credential was available; no network call was
// made. The caller should prompt for login rather than retry.
var ErrUnauthenticated = errors.New("not authenticated")

// SessionExpiredError is a 401 attributable to a stale or invalid session.
// Returning it implies the session has already been invalidated (signed out).
type SessionExpiredError struct{}

func (SessionExpiredError) Error() string {
	return "session expired; please log in again"
}

// AuthBackendError is a 401 that is not a session problem, e.g. the backend's
// auth layer is misconfigured. The session is left intact.
type AuthBackendError struct{}

func (AuthBackendError) Error() string {
	return "backend authentication error"
}

// ForbiddenError is a 403: authenticated but not permitted. Distinct from the
// 401 kinds so callers can show "no permission" instead of "please log in".
type ForbiddenError struct{}

func (ForbiddenError) Error() string {
	return "you do not have permission to perform this action"
}

// RequestError is any other non-2xx response, carrying the server's message
// when one could be parsed and the HTTP status text otherwise.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return e.Message
}

// TransportError wraps network or response-parsing failures. These never
// escape the gateway unwrapped.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
