package apiclient

import (
	"errors"
	"fmt"
)

// ErrBatchUnsupported is returned by SendHeartbeatsBatch when the remote
// rejects the batch endpoint outright (404/405), signaling that the Sync
// Engine should fall back to per-entry SendHeartbeat calls.
var ErrBatchUnsupported = errors.New("apiclient: batch endpoint unsupported")

// NetworkError wraps a transport-level failure: dial errors, timeouts,
// DNS resolution failures, or a 5xx response. Retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is returned for a 429 response. Retryable, honoring
// RetryAfter when the server provided one.
type RateLimitError struct {
	RetryAfter int // seconds; 0 if absent
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
	}
	return "rate limited"
}

// AuthError is returned for 401/403 responses. Permanent.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed (status %d)", e.Status) }

// APIError is returned for any other non-2xx response (and for
// serialization failures). Permanent unless Status is 5xx, in which case
// the caller should treat it as a Network error instead.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("api error (status %d)", e.Status)
}

// IsServerError reports whether the APIError's status is 5xx, in which
// case it should be treated as retryable Network failure rather than a
// permanent Api failure.
func (e *APIError) IsServerError() bool { return e.Status >= 500 && e.Status < 600 }
