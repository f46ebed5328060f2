package verifier

import (
	"fmt"
	"net/http"
)

// RemoteCallError indicates that a service answered with a non-2xx status.
type RemoteCallError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Temporary reports whether the status suggests the call may succeed later.
func (e *RemoteCallError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// MalformedResponseError indicates a 2xx response whose body could not be
// decoded or lacks the expected field.
type MalformedResponseError struct {
	Endpoint string
	// Field is empty when the body is not valid JSON.
	Field string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s response: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("malformed %s response: %q: %v", e.Endpoint, e.Field, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
