// Package retry implements the Retry Policy: the exact backoff formula
// and error classification used by the Sync Engine. The formula is
// implemented directly rather than delegated to a backoff library because
// its jitter envelope and truncation point are exact testable properties;
// github.com/sethvargo/go-retry is used one layer down, in
// internal/queue, for the simpler "database is locked" retry surface.
package retry

import (
	"errors"
	"math/rand"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/apiclient"
)

// Policy holds the tunables for DelayFor.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint32
	UseJitter   bool
}

// DefaultPolicy matches the spec defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
		UseJitter:   true,
	}
}

// DelayFor computes the backoff delay for the given attempt number.
// attempt starts at 1 after the first failure; attempt 0 yields zero
// delay.
func (p Policy) DelayFor(attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}

	exp := float64(p.BaseDelay) * math2Pow(attempt-1)
	if exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}

	if p.UseJitter {
		exp *= 0.5 + rand.Float64()
	}

	delay := time.Duration(exp)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func math2Pow(n uint32) float64 {
	result := 1.0
	for i := uint32(0); i < n; i++ {
		result *= 2
	}
	return result
}

// IsRetryable classifies an error from the API Client. Network and
// RateLimit errors are retryable; AuthError and APIError are not; any
// other error is retryable by default so a transient, unrecognized
// failure does not get treated as terminal prematurely. There is no
// separate configuration-error class, so such errors take the default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr *apiclient.NetworkError
	var rlErr *apiclient.RateLimitError
	var authErr *apiclient.AuthError
	var apiErr *apiclient.APIError

	switch {
	case errors.As(err, &netErr):
		return true
	case errors.As(err, &rlErr):
		return true
	case errors.As(err, &authErr):
		return false
	case errors.As(err, &apiErr):
		return false
	default:
		return true
	}
}

// ReachedMaxAttempts reports whether retryCount has reached max,
// at which point the caller must transition the entry to
// PermanentFailure regardless of classification.
func ReachedMaxAttempts(retryCount uint32, max uint32) bool {
	return retryCount >= max
}
