package telemetry

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/itsneelabh/qerrors/core"
)

// Counter, gauge and histogram names surfaced by GET /metrics. Per-severity,
// per-reason and per-code counters append their suffix to the listed prefix.
const (
	MetricErrorsTotal        = "errors.total"
	MetricErrorsBySeverity   = "errors.by_severity."
	MetricErrorsSuppressed   = "errors.suppressed"
	MetricCacheHit           = "advice.cache.hit"
	MetricCacheMiss          = "advice.cache.miss"
	MetricAdviceRejected     = "advice.rejected"
	MetricQueueReject        = "queue.reject."
	MetricCircuitTransitions = "circuit.open.transitions"
	MetricRateLimitHits      = "rate_limit.hits"
	MetricHTTPRetries        = "http.retries"
	MetricHTTPFailures       = "http.failures.by_code."
	MetricLogDrop            = "log.drop"
	MetricFallbacks          = "analysis.fallback."
	MetricPanics             = "internal.panic"

	GaugeQueueLength     = "queue.length"
	GaugeQueueCapacity   = "queue.capacity"
	GaugeCacheEntries    = "cache.entries"
	GaugeCacheBytes      = "cache.bytes"
	GaugeCircuitState    = "circuit.state"
	GaugeHeapUsedPercent = "memory.heapUsedPercent"

	HistAnalysisDuration = "analysis.duration_ms"
	HistAnalysisBytes    = "analysis.bytes"
	HistHTTPDuration     = "http.request.duration_ms"
)

// Circuit state gauge values.
const (
	circuitGaugeClosed   = 0
	circuitGaugeOpen     = 1
	circuitGaugeHalfOpen = 2
)

// HistogramStats summarises one rolling sample window at read time.
type HistogramStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Snapshot is the JSON payload of GET /metrics.
type Snapshot struct {
	Counters   map[string]uint64         `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
}

// Registry is the in-process metrics store. Counters and value gauges are
// event driven; live gauges are registered as functions read at snapshot
// time; histograms keep a bounded ring of samples and compute percentiles
// on read. Implements Subscriber, so wiring it to the bus is one line.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]uint64
	gauges     map[string]float64
	gaugeFuncs map[string]func() float64
	histograms map[string]*core.Ring
	histSize   int
}

// NewRegistry builds a registry whose histograms hold histogramSize samples
// (default 512).
func NewRegistry(histogramSize int) *Registry {
	if histogramSize <= 0 {
		histogramSize = 512
	}
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]float64),
		gaugeFuncs: make(map[string]func() float64),
		histograms: make(map[string]*core.Ring),
		histSize:   histogramSize,
	}
}

// Inc bumps a counter by one.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Add bumps a counter by delta.
func (r *Registry) Add(name string, delta uint64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// SetGauge stores an event-driven gauge value.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.Lock()
	r.gauges[name] = v
	r.mu.Unlock()
}

// RegisterGauge installs a live gauge read at snapshot time. Later
// registrations under the same name win.
func (r *Registry) RegisterGauge(name string, fn func() float64) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.gaugeFuncs[name] = fn
	r.mu.Unlock()
}

// Observe appends a histogram sample, creating the window on first use.
func (r *Registry) Observe(name string, v float64) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		h = core.NewRing(r.histSize)
		r.histograms[name] = h
	}
	r.mu.Unlock()
	h.Push(v)
}

// Counter returns the current value of one counter.
func (r *Registry) Counter(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Gauge returns the current value of one gauge, preferring a live function
// over a stored value.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	fn := r.gaugeFuncs[name]
	v := r.gauges[name]
	r.mu.RUnlock()
	if fn != nil {
		return fn()
	}
	return v
}

// Snapshot materialises every metric. Live gauges are read outside the
// registry lock since they call back into other components.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	snap := Snapshot{
		Counters:   make(map[string]uint64, len(r.counters)),
		Gauges:     make(map[string]float64, len(r.gauges)+len(r.gaugeFuncs)),
		Histograms: make(map[string]HistogramStats, len(r.histograms)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	funcs := make(map[string]func() float64, len(r.gaugeFuncs))
	for k, fn := range r.gaugeFuncs {
		funcs[k] = fn
	}
	rings := make(map[string]*core.Ring, len(r.histograms))
	for k, h := range r.histograms {
		rings[k] = h
	}
	r.mu.RUnlock()

	for k, fn := range funcs {
		snap.Gauges[k] = fn()
	}
	for k, h := range rings {
		snap.Histograms[k] = summarise(h.Snapshot())
	}
	return snap
}

// OnEvent maps bus events onto metrics.
func (r *Registry) OnEvent(e Event) {
	switch ev := e.(type) {
	case ErrorObserved:
		r.Inc(MetricErrorsTotal)
		r.Inc(MetricErrorsBySeverity + string(ev.Severity))
	case CacheHit:
		r.Inc(MetricCacheHit)
	case CacheMiss:
		r.Inc(MetricCacheMiss)
	case AdviceRejected:
		r.Inc(MetricAdviceRejected)
	case QueueRejected:
		r.Inc(MetricQueueReject + ev.Reason)
	case Suppressed:
		r.Inc(MetricErrorsSuppressed)
	case CircuitTransition:
		if ev.To == "open" {
			r.Inc(MetricCircuitTransitions)
		}
		r.SetGauge(GaugeCircuitState, CircuitGaugeValue(ev.To))
	case RateLimited:
		r.Inc(MetricRateLimitHits)
	case HTTPRetry:
		r.Inc(MetricHTTPRetries)
	case HTTPOutcome:
		r.Observe(HistHTTPDuration, ev.DurationMS)
		if ev.Status == 0 {
			r.Inc(MetricHTTPFailures + "network")
		} else if ev.Status >= 400 {
			r.Inc(MetricHTTPFailures + fmt.Sprintf("%d", ev.Status))
		}
	case LogDropped:
		r.Add(MetricLogDrop, ev.Count)
	case AnalysisDone:
		if ev.DurationMS > 0 {
			r.Observe(HistAnalysisDuration, ev.DurationMS)
		}
		if ev.Bytes > 0 {
			r.Observe(HistAnalysisBytes, float64(ev.Bytes))
		}
		if ev.Outcome == "fallback" && ev.Reason != "" {
			r.Inc(MetricFallbacks + ev.Reason)
		}
	case PanicRecovered:
		r.Inc(MetricPanics)
	}
}

// CircuitGaugeValue maps a breaker state name onto its gauge encoding.
func CircuitGaugeValue(state string) float64 {
	switch state {
	case "open":
		return circuitGaugeOpen
	case "half_open":
		return circuitGaugeHalfOpen
	}
	return circuitGaugeClosed
}

// summarise computes the read-time statistics for one sample window.
func summarise(samples []float64) HistogramStats {
	if len(samples) == 0 {
		return HistogramStats{}
	}
	sort.Float64s(samples)
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return HistogramStats{
		Count: len(samples),
		Min:   samples[0],
		Max:   samples[len(samples)-1],
		Mean:  sum / float64(len(samples)),
		P50:   quantile(samples, 0.50),
		P95:   quantile(samples, 0.95),
		P99:   quantile(samples, 0.99),
	}
}

// quantile returns the nearest-rank quantile of sorted samples.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
