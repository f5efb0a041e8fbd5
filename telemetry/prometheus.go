package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "qerrors"

// PrometheusBridge mirrors bus events onto a private Prometheus registry so
// fleets that already scrape Prometheus need no translation from the JSON
// snapshot. The registry is private: embedding hosts keep their default
// registerer to themselves and mount Handler wherever they like.
type PrometheusBridge struct {
	registry *prometheus.Registry

	errorsTotal  *prometheus.CounterVec
	suppressed   prometheus.Counter
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	adviceReject prometheus.Counter
	queueRejects *prometheus.CounterVec
	circuitOpens prometheus.Counter
	circuitState prometheus.Gauge
	rateLimited  prometheus.Counter
	httpRetries  prometheus.Counter
	httpFailures *prometheus.CounterVec
	logDrops     prometheus.Counter
	panics       prometheus.Counter
	fallbacks    *prometheus.CounterVec
	analysisTime prometheus.Histogram
	upstreamTime prometheus.Histogram
}

// NewPrometheusBridge builds the bridge and registers every metric.
func NewPrometheusBridge() *PrometheusBridge {
	b := &PrometheusBridge{registry: prometheus.NewRegistry()}

	b.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "errors_total",
		Help:      "Errors captured, by severity",
	}, []string{"severity"})

	b.suppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "errors_suppressed_total",
		Help:      "Enqueues skipped by the per-fingerprint recurrence limiter",
	})

	b.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "advice_cache_hits_total",
		Help:      "Advice served from the fingerprint cache",
	})

	b.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "advice_cache_misses_total",
		Help:      "Analyses that had to go upstream",
	})

	b.adviceReject = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "advice_rejected_total",
		Help:      "Advice discarded for exceeding the per-entry byte cap",
	})

	b.queueRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "queue_rejects_total",
		Help:      "Enqueues refused by admission control, by reason",
	}, []string{"reason"})

	b.circuitOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "circuit_open_transitions_total",
		Help:      "Times the upstream breaker opened",
	})

	b.circuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "circuit_state",
		Help:      "Breaker state: 0 closed, 1 open, 2 half-open",
	})

	b.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "rate_limit_hits_total",
		Help:      "Upstream requests refused by the token bucket",
	})

	b.httpRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "http_retries_total",
		Help:      "Retried upstream attempts",
	})

	b.httpFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "http_failures_total",
		Help:      "Failed upstream attempts, by status code (network for transport errors)",
	}, []string{"code"})

	b.logDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "log_dropped_total",
		Help:      "Log entries evicted from the bounded buffer",
	})

	b.panics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "panics_recovered_total",
		Help:      "Panics recovered inside public entry points",
	})

	b.fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "analysis_fallbacks_total",
		Help:      "Analyses that returned stub advice, by reason",
	}, []string{"reason"})

	b.analysisTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end analysis pipeline duration",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	b.upstreamTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Single upstream HTTP attempt duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	b.registry.MustRegister(
		b.errorsTotal,
		b.suppressed,
		b.cacheHits,
		b.cacheMisses,
		b.adviceReject,
		b.queueRejects,
		b.circuitOpens,
		b.circuitState,
		b.rateLimited,
		b.httpRetries,
		b.httpFailures,
		b.logDrops,
		b.panics,
		b.fallbacks,
		b.analysisTime,
		b.upstreamTime,
	)
	return b
}

// RegisterGauge installs a live gauge read at scrape time.
func (b *PrometheusBridge) RegisterGauge(name, help string, fn func() float64) {
	if fn == nil {
		return
	}
	b.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the bridge's registry in Prometheus exposition format.
func (b *PrometheusBridge) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

// OnEvent mirrors one bus event onto the Prometheus metrics.
func (b *PrometheusBridge) OnEvent(e Event) {
	switch ev := e.(type) {
	case ErrorObserved:
		b.errorsTotal.WithLabelValues(string(ev.Severity)).Inc()
	case CacheHit:
		b.cacheHits.Inc()
	case CacheMiss:
		b.cacheMisses.Inc()
	case AdviceRejected:
		b.adviceReject.Inc()
	case QueueRejected:
		b.queueRejects.WithLabelValues(ev.Reason).Inc()
	case Suppressed:
		b.suppressed.Inc()
	case CircuitTransition:
		if ev.To == "open" {
			b.circuitOpens.Inc()
		}
		b.circuitState.Set(CircuitGaugeValue(ev.To))
	case RateLimited:
		b.rateLimited.Inc()
	case HTTPRetry:
		b.httpRetries.Inc()
	case HTTPOutcome:
		b.upstreamTime.Observe(ev.DurationMS / 1000)
		if ev.Status == 0 {
			b.httpFailures.WithLabelValues("network").Inc()
		} else if ev.Status >= 400 {
			b.httpFailures.WithLabelValues(strconv.Itoa(ev.Status)).Inc()
		}
	case LogDropped:
		b.logDrops.Add(float64(ev.Count))
	case AnalysisDone:
		if ev.DurationMS > 0 {
			b.analysisTime.Observe(ev.DurationMS / 1000)
		}
		if ev.Outcome == "fallback" && ev.Reason != "" {
			b.fallbacks.WithLabelValues(ev.Reason).Inc()
		}
	case PanicRecovered:
		b.panics.Inc()
	}
}
