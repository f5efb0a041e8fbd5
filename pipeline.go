package qerrors

import (
	"context"
	"errors"
	"time"

	"github.com/itsneelabh/qerrors/ai"
	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/telemetry"
)

// pipeline turns one error record into advice: cache lookup, upstream
// analysis, fallback shaping. Workers call run; the advice cache is the
// only shared output.
type pipeline struct {
	cache          *core.LRUCache[string, *core.Advice]
	client         core.Analyzer // nil when no provider is configured
	maxAdviceBytes int
	bus            *telemetry.Bus
	logger         core.Logger
	now            func() time.Time
}

func newPipeline(cfg *core.Config, cache *core.LRUCache[string, *core.Advice], client *ai.Client, bus *telemetry.Bus, logger core.Logger, now func() time.Time) *pipeline {
	p := &pipeline{
		cache:          cache,
		maxAdviceBytes: cfg.Cache.MaxAdviceBytes,
		bus:            bus,
		logger:         logger,
		now:            now,
	}
	// A nil *ai.Client must stay a nil interface so the disabled check holds.
	if client != nil {
		p.client = client
	}
	return p
}

// run analyses one record. It returns nil only when the analysis was
// cancelled or ran out of time, where there is no caller left to hand
// advice to; every other failure degrades to the fallback stub.
func (p *pipeline) run(ctx context.Context, record *core.ErrorRecord) *core.Advice {
	fp := record.Fingerprint()
	start := p.now()

	if hit, ok := p.cache.Get(fp); ok {
		p.bus.Publish(telemetry.CacheHit{Fingerprint: fp})
		dup := *hit
		dup.Cached = true
		p.done(start, "cached", "", dup.Size())
		return &dup
	}
	p.bus.Publish(telemetry.CacheMiss{Fingerprint: fp})

	if p.client == nil {
		// No provider configured: the record was logged, advice is the stub.
		p.done(start, "fallback", "disabled", 0)
		return core.FallbackAdvice()
	}

	advice, err := p.client.Analyze(ctx, record)
	if err != nil {
		return p.degrade(fp, start, err)
	}

	size := advice.Size()
	if size > p.maxAdviceBytes {
		p.bus.Publish(telemetry.AdviceRejected{Fingerprint: fp, Bytes: size})
		p.logger.Warn("Advice exceeds size limit, serving uncached", map[string]interface{}{
			"operation":   "advice_cache_store",
			"fingerprint": fp,
			"bytes":       size,
			"limit_bytes": p.maxAdviceBytes,
		})
		p.done(start, "ok", "", size)
		return advice
	}
	p.cache.Set(fp, advice, int64(size))
	p.logger.Debug("Advice cached", map[string]interface{}{
		"operation":   "advice_cache_store",
		"fingerprint": fp,
		"bytes":       size,
		"model":       advice.Model,
	})
	p.done(start, "ok", "", size)
	return advice
}

// degrade maps an analysis failure onto the fallback stub, or onto nothing
// when the caller is already gone. Fallback advice is never cached: the
// next occurrence of the fingerprint should try upstream again.
func (p *pipeline) degrade(fp string, start time.Time, err error) *core.Advice {
	if reason, ok := core.FallbackReason(err); ok {
		p.done(start, "fallback", reason, 0)
		p.logger.Warn("Analysis degraded to fallback advice", map[string]interface{}{
			"operation":   "analysis_fallback",
			"fingerprint": fp,
			"reason":      reason,
			"error":       err.Error(),
		})
		return core.FallbackAdvice()
	}
	outcome := "timeout"
	if errors.Is(err, core.ErrCancelled) {
		outcome = "cancelled"
	}
	p.done(start, outcome, "", 0)
	p.logger.Debug("Analysis abandoned", map[string]interface{}{
		"operation":   "analysis_abandoned",
		"fingerprint": fp,
		"outcome":     outcome,
		"error":       err.Error(),
	})
	return nil
}

func (p *pipeline) done(start time.Time, outcome, reason string, bytes int) {
	elapsed := float64(p.now().Sub(start)) / float64(time.Millisecond)
	p.bus.Publish(telemetry.AnalysisDone{
		Outcome:    outcome,
		Reason:     reason,
		DurationMS: elapsed,
		Bytes:      bytes,
	})
}

// cached returns a copy of stored advice for a fingerprint, flagged as a
// cache read, so callers can mutate their copy freely.
func (p *pipeline) cached(fp string) (*core.Advice, bool) {
	advice, ok := p.cache.Get(fp)
	if !ok {
		return nil, false
	}
	dup := *advice
	dup.Cached = true
	return &dup, true
}
