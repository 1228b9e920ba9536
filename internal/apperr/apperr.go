// Package apperr defines the error taxonomy shared across the request
// pipeline. Handlers map these sentinels to HTTP status codes; the router
// uses them to decide between retrying, switching accounts, and giving up.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAccountAvailable indicates the distributor found no usable account. Maps to 503.
	ErrNoAccountAvailable = errors.New("no account available")

	// ErrTokenRefreshFailed indicates a transient refresh failure. The router
	// retries once with a different account before surfacing 502.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrAccountSuspended indicates upstream reported a permanent revocation.
	// The account is disabled and the next one tried.
	ErrAccountSuspended = errors.New("account suspended")

	// ErrRateLimited indicates an upstream 429. Maps to 429.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrUpstreamServer indicates a 5xx that survived backoff retries. Maps to 502.
	ErrUpstreamServer = errors.New("upstream server error")

	// ErrUpstreamNetwork indicates a network failure that survived retries. Maps to 502.
	ErrUpstreamNetwork = errors.New("upstream network error")

	// ErrParse indicates a malformed upstream frame or JSON. Surfaced as an
	// SSE error event, never retried.
	ErrParse = errors.New("upstream parse error")

	// ErrValidation indicates a bad request body. Maps to 400.
	ErrValidation = errors.New("validation error")

	// ErrAuth indicates a missing or invalid client API key. Maps to 401.
	ErrAuth = errors.New("authentication error")
)

// HTTPError carries an upstream HTTP status and response body so callers can
// branch on the code and inspect the body for provider-specific markers.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// StatusOf extracts the HTTP status from err if it wraps an HTTPError, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// BodyOf extracts the upstream body from err if it wraps an HTTPError.
func BodyOf(err error) string {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Body
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
