package resilience

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig tunes backoff between upstream attempts.
type RetryConfig struct {
	// MaxRetries is how many times a failed attempt may be repeated.
	MaxRetries int
	// Seed is the first backoff ceiling; each retry doubles it.
	Seed time.Duration
	// MaxDelay caps the ceiling growth.
	MaxDelay time.Duration
}

// DefaultRetryConfig matches the documented client defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Seed:       250 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based): a
// uniformly random duration up to min(Seed<<(attempt-1), MaxDelay). Full
// jitter spreads out clients whose requests failed together, instead of
// letting them stampede back in lockstep.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	ceil := c.Seed
	if ceil <= 0 {
		ceil = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		ceil *= 2
		if c.MaxDelay > 0 && ceil >= c.MaxDelay {
			ceil = c.MaxDelay
			break
		}
	}
	if c.MaxDelay > 0 && ceil > c.MaxDelay {
		ceil = c.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

// RetryAfter extracts an upstream backoff override: the vendor
// retry-after-ms header first, then the standard Retry-After in seconds or
// HTTP-date form. Returns false when neither is present and parseable.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if v := h.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d, true
			}
			return 0, true
		}
	}
	return 0, false
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
