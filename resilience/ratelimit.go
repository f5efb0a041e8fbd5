package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itsneelabh/qerrors/core"
)

// TokenBucket gates upstream requests. With a zero grace it fails fast;
// otherwise a caller may wait up to the grace for a token.
type TokenBucket struct {
	limiter *rate.Limiter
	grace   time.Duration
}

// NewTokenBucket builds a bucket refilling at tokensPerSec with the given
// burst capacity.
func NewTokenBucket(tokensPerSec float64, burst int, grace time.Duration) *TokenBucket {
	if tokensPerSec <= 0 {
		tokensPerSec = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(tokensPerSec), burst),
		grace:   grace,
	}
}

// Acquire takes one token, waiting up to the configured grace. Failure is
// ErrRateLimited, or ErrCancelled when the caller's context ended first.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &core.Error{Op: "ratelimit.acquire", Kind: "resilience", Message: "context done before acquiring token", Err: core.ErrCancelled}
	}
	if b.grace <= 0 {
		if b.limiter.Allow() {
			return nil
		}
		return rateLimitedError()
	}
	waitCtx, cancel := context.WithTimeout(ctx, b.grace)
	defer cancel()
	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return &core.Error{Op: "ratelimit.acquire", Kind: "resilience", Message: "cancelled while waiting for token", Err: core.ErrCancelled}
		}
		return rateLimitedError()
	}
	return nil
}

// Tokens reports the tokens currently available.
func (b *TokenBucket) Tokens() float64 { return b.limiter.Tokens() }

func rateLimitedError() *core.Error {
	return &core.Error{
		Op:      "ratelimit.acquire",
		Kind:    "resilience",
		Message: "upstream request budget exhausted",
		Err:     core.ErrRateLimited,
	}
}

// KeyedLimiter holds one token bucket per key. It backs recurrence
// suppression, where the key is an error fingerprint and each fingerprint
// gets its own budget. Buckets that have refilled completely are pruned:
// a full bucket means the key has been quiet long enough to forget.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	maxKeys  int
}

// NewKeyedLimiter builds a limiter granting perMinute tokens per key with
// the given burst. maxKeys bounds the tracked key count (default 10000).
func NewKeyedLimiter(perMinute, burst, maxKeys int) *KeyedLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	if burst <= 0 {
		burst = perMinute
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		maxKeys:  maxKeys,
	}
}

// Allow reports whether key may pass, consuming one of its tokens when it
// does. When the key table is saturated even after pruning, unknown keys
// are admitted: suppression is an optimisation, never a correctness gate.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	lim, ok := k.limiters[key]
	if !ok {
		if len(k.limiters) >= k.maxKeys {
			k.cleanupLocked()
			if len(k.limiters) >= k.maxKeys {
				k.mu.Unlock()
				return true
			}
		}
		lim = rate.NewLimiter(k.rps, k.burst)
		k.limiters[key] = lim
	}
	k.mu.Unlock()
	return lim.Allow()
}

// Cleanup prunes refilled buckets and returns how many were removed.
func (k *KeyedLimiter) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cleanupLocked()
}

func (k *KeyedLimiter) cleanupLocked() int {
	pruned := 0
	for key, lim := range k.limiters {
		if lim.Tokens() >= float64(k.burst) {
			delete(k.limiters, key)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
