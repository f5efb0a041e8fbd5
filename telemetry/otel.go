package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Meter name under which all bridge instruments are created.
const otelMeterName = "github.com/itsneelabh/qerrors"

// instrumentCache lazily creates and caches OpenTelemetry instruments so
// the hot path is one map read.
type instrumentCache struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

func newInstrumentCache(meterName string) *instrumentCache {
	return &instrumentCache{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (c *instrumentCache) addCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		c.mu.Lock()
		// Double-check after acquiring the write lock.
		if counter, exists = c.counters[name]; !exists {
			var err error
			counter, err = c.meter.Int64Counter(name)
			if err != nil {
				c.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			c.counters[name] = counter
		}
		c.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

func (c *instrumentCache) recordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		c.mu.Lock()
		if histogram, exists = c.histograms[name]; !exists {
			var err error
			histogram, err = c.meter.Float64Histogram(name, metric.WithUnit("ms"))
			if err != nil {
				c.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			c.histograms[name] = histogram
		}
		c.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// OTELBridge mirrors bus events onto OpenTelemetry instruments through the
// global meter provider. No SDK is configured here: hosts that install a
// provider see the data, everyone else gets the default no-op meter.
type OTELBridge struct {
	instruments *instrumentCache
	ctx         context.Context
}

// NewOTELBridge builds the bridge against the global meter provider.
func NewOTELBridge() *OTELBridge {
	return &OTELBridge{
		instruments: newInstrumentCache(otelMeterName),
		ctx:         context.Background(),
	}
}

// OnEvent mirrors one bus event onto OTel instruments. Instrument creation
// failures are swallowed: observation must never surface errors into the
// error path.
func (b *OTELBridge) OnEvent(e Event) {
	switch ev := e.(type) {
	case ErrorObserved:
		_ = b.instruments.addCounter(b.ctx, "qerrors.errors", 1,
			metric.WithAttributes(attribute.String("severity", string(ev.Severity))))
	case CacheHit:
		_ = b.instruments.addCounter(b.ctx, "qerrors.advice.cache", 1,
			metric.WithAttributes(attribute.String("result", "hit")))
	case CacheMiss:
		_ = b.instruments.addCounter(b.ctx, "qerrors.advice.cache", 1,
			metric.WithAttributes(attribute.String("result", "miss")))
	case AdviceRejected:
		_ = b.instruments.addCounter(b.ctx, "qerrors.advice.rejected", 1)
	case QueueRejected:
		_ = b.instruments.addCounter(b.ctx, "qerrors.queue.rejects", 1,
			metric.WithAttributes(attribute.String("reason", ev.Reason)))
	case Suppressed:
		_ = b.instruments.addCounter(b.ctx, "qerrors.errors.suppressed", 1)
	case CircuitTransition:
		_ = b.instruments.addCounter(b.ctx, "qerrors.circuit.transitions", 1,
			metric.WithAttributes(
				attribute.String("from_state", ev.From),
				attribute.String("to_state", ev.To),
			))
	case RateLimited:
		_ = b.instruments.addCounter(b.ctx, "qerrors.rate_limit.hits", 1)
	case HTTPRetry:
		_ = b.instruments.addCounter(b.ctx, "qerrors.http.retries", 1)
	case HTTPOutcome:
		_ = b.instruments.recordHistogram(b.ctx, "qerrors.http.request.duration", ev.DurationMS)
		if ev.Status == 0 {
			_ = b.instruments.addCounter(b.ctx, "qerrors.http.failures", 1,
				metric.WithAttributes(attribute.String("code", "network")))
		} else if ev.Status >= 400 {
			_ = b.instruments.addCounter(b.ctx, "qerrors.http.failures", 1,
				metric.WithAttributes(attribute.String("code", strconv.Itoa(ev.Status))))
		}
	case LogDropped:
		_ = b.instruments.addCounter(b.ctx, "qerrors.log.dropped", int64(ev.Count))
	case AnalysisDone:
		if ev.DurationMS > 0 {
			_ = b.instruments.recordHistogram(b.ctx, "qerrors.analysis.duration", ev.DurationMS)
		}
		if ev.Outcome == "fallback" && ev.Reason != "" {
			_ = b.instruments.addCounter(b.ctx, "qerrors.analysis.fallbacks", 1,
				metric.WithAttributes(attribute.String("reason", ev.Reason)))
		}
	case PanicRecovered:
		_ = b.instruments.addCounter(b.ctx, "qerrors.panics.recovered", 1)
	}
}
