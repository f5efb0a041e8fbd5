// Package telemetry is the observation side of the engine: components
// publish typed events onto a non-blocking bus, and subscribers turn them
// into counters, gauges and histograms. Three subscribers ship with the
// package: the in-process Registry behind GET /metrics, an optional
// Prometheus bridge and an optional OpenTelemetry bridge. Publishing never
// blocks and never panics; when nobody listens events are dropped.
package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/itsneelabh/qerrors/core"
)

// Event is one observation emitted by a component. Implementations are
// small value types carried by value through the bus channel.
type Event interface {
	Kind() string
}

// ErrorObserved is published once per captured error, before any analysis.
type ErrorObserved struct {
	Severity    core.Severity
	Fingerprint string
}

func (ErrorObserved) Kind() string { return "error_observed" }

// CacheHit means the advice cache already held the fingerprint.
type CacheHit struct {
	Fingerprint string
}

func (CacheHit) Kind() string { return "cache_hit" }

// CacheMiss means analysis had to go upstream (or was skipped).
type CacheMiss struct {
	Fingerprint string
}

func (CacheMiss) Kind() string { return "cache_miss" }

// AdviceRejected means parsed advice exceeded the per-entry byte cap and
// was not stored.
type AdviceRejected struct {
	Fingerprint string
	Bytes       int
}

func (AdviceRejected) Kind() string { return "advice_rejected" }

// QueueRejected means admission control refused an enqueue.
// Reason is "capacity" or "memory".
type QueueRejected struct {
	Reason string
}

func (QueueRejected) Kind() string { return "queue_rejected" }

// Suppressed means the per-fingerprint recurrence limiter skipped an
// enqueue for an error that was still logged.
type Suppressed struct {
	Fingerprint string
}

func (Suppressed) Kind() string { return "suppressed" }

// CircuitTransition reports a breaker state change.
type CircuitTransition struct {
	From string
	To   string
}

func (CircuitTransition) Kind() string { return "circuit_transition" }

// RateLimited means the upstream token bucket refused a request.
type RateLimited struct{}

func (RateLimited) Kind() string { return "rate_limited" }

// HTTPRetry is published before each retried upstream attempt.
type HTTPRetry struct {
	Attempt int
}

func (HTTPRetry) Kind() string { return "http_retry" }

// HTTPOutcome reports one completed upstream attempt. Status 0 means the
// transport failed before a response arrived.
type HTTPOutcome struct {
	Status     int
	DurationMS float64
	Err        string
}

func (HTTPOutcome) Kind() string { return "http_outcome" }

// LogDropped reports entries evicted from the logger's bounded buffer.
type LogDropped struct {
	Count uint64
}

func (LogDropped) Kind() string { return "log_dropped" }

// AnalysisDone closes the loop on one pipeline run. Outcome is "ok",
// "cached", "fallback", "timeout" or "cancelled"; Reason carries the
// fallback cause when Outcome is "fallback".
type AnalysisDone struct {
	Outcome    string
	Reason     string
	DurationMS float64
	Bytes      int
}

func (AnalysisDone) Kind() string { return "analysis_done" }

// PanicRecovered reports a recovered panic inside a public entry point.
type PanicRecovered struct {
	Op string
}

func (PanicRecovered) Kind() string { return "panic_recovered" }

// Subscriber consumes events on the bus goroutine. Implementations must be
// fast and must not block; anything expensive belongs on the subscriber's
// own goroutine.
type Subscriber interface {
	OnEvent(e Event)
}

// Bus fans events out to subscribers from a single dispatch goroutine.
// Publish is lock-free from the caller's perspective: a full buffer drops
// the event rather than slowing the error path.
type Bus struct {
	ch     chan Event
	subs   []Subscriber
	logger core.Logger

	dropped  atomic.Uint64
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBus builds a bus with the given buffer size (default 1024).
func NewBus(buffer int, logger core.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Subscribe registers a subscriber. Call before Start; the subscriber list
// is not guarded afterwards.
func (b *Bus) Subscribe(s Subscriber) {
	if s != nil {
		b.subs = append(b.subs, s)
	}
}

// Start launches the dispatch goroutine. Calling Start twice is a no-op.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go b.dispatch()
}

// Publish enqueues an event without blocking. Safe on a nil bus; a full
// buffer increments the drop count and moves on.
func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events overflowed the buffer.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Stop drains buffered events and halts dispatch. Publishes racing Stop
// may be dropped.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-b.done:
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// deliver hands one event to every subscriber, containing panics so a bad
// bridge cannot kill observation for the rest.
func (b *Bus) deliver(e Event) {
	for _, s := range b.subs {
		b.deliverOne(s, e)
	}
}

func (b *Bus) deliverOne(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Telemetry subscriber panicked", map[string]interface{}{
				"operation": "bus_dispatch",
				"event":     e.Kind(),
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	s.OnEvent(e)
}
