package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/apiclient"
)

func TestPolicy_DelayForZeroAttemptIsZero(t *testing.T) {
	p := DefaultPolicy()
	if got := p.DelayFor(0); got != 0 {
		t.Errorf("DelayFor(0) = %v, want 0", got)
	}
}

func TestPolicy_DelayForMonotonicWithoutJitter(t *testing.T) {
	p := DefaultPolicy()
	p.UseJitter = false

	var prev time.Duration
	for attempt := uint32(1); attempt <= 6; attempt++ {
		delay := p.DelayFor(attempt)
		if delay < prev {
			t.Errorf("attempt %d: delay %v is less than previous %v", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestPolicy_DelayForTruncatesAtMaxDelay(t *testing.T) {
	p := DefaultPolicy()
	p.UseJitter = false

	delay := p.DelayFor(10)
	if delay != p.MaxDelay {
		t.Errorf("DelayFor(10) = %v, want exactly MaxDelay %v", delay, p.MaxDelay)
	}
}

func TestPolicy_DelayForJitterEnvelope(t *testing.T) {
	p := DefaultPolicy()
	attempt := uint32(2)
	expBase := float64(p.BaseDelay) * 2 // base * 2^(attempt-1)
	lower := time.Duration(expBase * 0.5)
	upper := time.Duration(expBase * 1.5)

	for i := 0; i < 200; i++ {
		delay := p.DelayFor(attempt)
		if delay < lower || delay > upper {
			t.Fatalf("DelayFor(%d) = %v outside envelope [%v, %v]", attempt, delay, lower, upper)
		}
	}
}

func TestPolicy_DelayForNeverExceedsMaxDelayWithJitter(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		delay := p.DelayFor(20)
		if delay > p.MaxDelay {
			t.Fatalf("DelayFor(20) = %v exceeds MaxDelay %v", delay, p.MaxDelay)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &apiclient.NetworkError{Err: errors.New("dial tcp: timeout")}, true},
		{"rate limit", &apiclient.RateLimitError{}, true},
		{"auth", &apiclient.AuthError{}, false},
		{"api 4xx", &apiclient.APIError{Status: 422}, false},
		{"unknown wrapped", errors.New("boom"), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsRetryable(c.err); got != c.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestReachedMaxAttempts(t *testing.T) {
	if ReachedMaxAttempts(4, 5) {
		t.Error("4 retries should not have reached a max of 5")
	}
	if !ReachedMaxAttempts(5, 5) {
		t.Error("5 retries should have reached a max of 5")
	}
	if !ReachedMaxAttempts(6, 5) {
		t.Error("6 retries should exceed a max of 5")
	}
}
