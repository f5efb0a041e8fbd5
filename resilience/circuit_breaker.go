// Package resilience guards the upstream LLM dependency: a circuit breaker
// over a rolling failure window, retry backoff with full jitter, token
// bucket rate limiting and in-flight request deduplication. Components are
// independent; the HTTP client composes them in gate order.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/itsneelabh/qerrors/core"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs, events and the health payload.
func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Reopen backoff cap: repeated failed probes double the open duration up to
// this ceiling.
const maxOpenDuration = 5 * time.Minute

// CircuitBreakerConfig tunes one breaker.
type CircuitBreakerConfig struct {
	// Name appears in logs and state-change notifications.
	Name string
	// ErrorThreshold opens the breaker after this many counted failures
	// inside Window.
	ErrorThreshold int
	// Window is the rolling period failures are counted over.
	Window time.Duration
	// Reset is the first Open duration. Each failed half-open probe
	// doubles it, capped at five minutes; a successful probe restores it.
	Reset time.Duration
	// Classifier decides which errors count toward the threshold.
	// Nil means DefaultFailureClassifier.
	Classifier func(error) bool
	// OnStateChange observes transitions, called outside the breaker lock.
	OnStateChange func(name string, from, to CircuitState)

	Logger core.Logger
	Clock  func() time.Time
}

// CircuitBreaker protects the upstream from being hammered while it is
// failing. All state mutations happen under one short mutex section; the
// guarded call itself runs outside the lock.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  []time.Time
	openUntil time.Time
	openFor   time.Duration
	probing   bool
	opens     uint64
	rejected  uint64
}

// transition is a state change captured under the lock and announced after
// it is released.
type transition struct {
	from, to CircuitState
	ok       bool
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Reset <= 0 {
		cfg.Reset = 30 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultFailureClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   StateClosed,
		openFor: cfg.Reset,
	}
}

// DefaultFailureClassifier counts timeouts and upstream failures toward the
// threshold. Cancellation, parse failures and the client's own gating
// errors say nothing about upstream health and are ignored.
func DefaultFailureClassifier(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, core.ErrCancelled), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, core.ErrRateLimited), errors.Is(err, core.ErrCircuitOpen):
		return false
	case errors.Is(err, core.ErrParse):
		return false
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return errors.Is(err, core.ErrUpstream)
}

// Allow is the cheap admission gate: nil when a call may proceed right now.
// It flips an expired Open to HalfOpen but does not reserve the probe slot;
// Execute does that, so racing callers past Allow still produce exactly one
// probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	t := cb.advanceLocked()
	var err error
	switch cb.state {
	case StateOpen:
		cb.rejected++
		err = cb.openError()
	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			err = cb.openError()
		}
	}
	cb.mu.Unlock()
	cb.notify(t)
	return err
}

// Execute runs fn under breaker accounting: it re-checks admission,
// reserves the half-open probe slot and records the outcome. The returned
// error is fn's own, or the circuit-open rejection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	t := cb.advanceLocked()
	switch cb.state {
	case StateOpen:
		cb.rejected++
		cb.mu.Unlock()
		cb.notify(t)
		return cb.openError()
	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			cb.mu.Unlock()
			cb.notify(t)
			return cb.openError()
		}
		cb.probing = true
	}
	cb.mu.Unlock()
	cb.notify(t)

	err := fn()
	cb.record(err)
	return err
}

// record applies one call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	now := cb.cfg.Clock()
	counted := err != nil && cb.cfg.Classifier(err)

	cb.mu.Lock()
	var t transition
	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		switch {
		case err == nil:
			cb.failures = cb.failures[:0]
			cb.openFor = cb.cfg.Reset
			t = cb.toLocked(StateClosed)
		case counted:
			next := cb.openFor * 2
			if next > maxOpenDuration {
				next = maxOpenDuration
			}
			cb.openFor = next
			cb.openUntil = now.Add(next)
			cb.opens++
			t = cb.toLocked(StateOpen)
		}
		// Uncounted probe outcomes release the slot and wait for the next.
	case StateClosed:
		if counted {
			cb.failures = append(cb.failures, now)
			cb.trimLocked(now)
			if len(cb.failures) >= cb.cfg.ErrorThreshold {
				cb.failures = cb.failures[:0]
				cb.openFor = cb.cfg.Reset
				cb.openUntil = now.Add(cb.openFor)
				cb.opens++
				t = cb.toLocked(StateOpen)
			}
		} else if err == nil {
			cb.trimLocked(now)
		}
	case StateOpen:
		// Late results from calls admitted before the open are ignored.
	}
	cb.mu.Unlock()
	cb.notify(t)
}

// advanceLocked flips an expired Open to HalfOpen.
func (cb *CircuitBreaker) advanceLocked() transition {
	if cb.state == StateOpen && !cb.cfg.Clock().Before(cb.openUntil) {
		return cb.toLocked(StateHalfOpen)
	}
	return transition{}
}

// trimLocked drops failure stamps that have aged out of the window.
func (cb *CircuitBreaker) trimLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

func (cb *CircuitBreaker) toLocked(to CircuitState) transition {
	from := cb.state
	cb.state = to
	return transition{from: from, to: to, ok: from != to}
}

// notify announces a transition after the lock is released so observers can
// call back into the breaker.
func (cb *CircuitBreaker) notify(t transition) {
	if !t.ok {
		return
	}
	cb.cfg.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_state_change",
		"circuit":   cb.cfg.Name,
		"from":      t.from.String(),
		"to":        t.to.String(),
	})
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) openError() *core.Error {
	return &core.Error{
		Op:      "circuit." + cb.cfg.Name,
		Kind:    "resilience",
		Message: "circuit open, upstream calls suspended",
		Err:     core.ErrCircuitOpen,
	}
}

// State returns the current position, advancing Open to HalfOpen when the
// open period has lapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	t := cb.advanceLocked()
	s := cb.state
	cb.mu.Unlock()
	cb.notify(t)
	return s
}

// Metrics returns a point-in-time view for diagnostics.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":           cb.state.String(),
		"window_failures": len(cb.failures),
		"opens":           cb.opens,
		"rejected":        cb.rejected,
		"open_for_ms":     cb.openFor.Milliseconds(),
	}
}
