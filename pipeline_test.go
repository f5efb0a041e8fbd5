package qerrors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/qerrors/ai"
	"github.com/itsneelabh/qerrors/core"
)

// testPipeline wires a pipeline with an isolated cache and no bus.
func testPipeline(t *testing.T, cfg *core.Config, client *ai.Client) (*pipeline, *core.LRUCache[string, *core.Advice]) {
	t.Helper()
	cache := core.NewLRUCache[string, *core.Advice](cfg.Cache.Limit, cfg.Cache.MaxBytes, cfg.Cache.TTL)
	return newPipeline(cfg, cache, client, nil, &core.NoOpLogger{}, time.Now), cache
}

func testClient(t *testing.T, endpoint string) *ai.Client {
	t.Helper()
	return ai.NewClient(ai.Options{
		Endpoint:         endpoint,
		APIKey:           "test-key",
		Model:            "test-model",
		Timeout:          2 * time.Second,
		MaxRetries:       0,
		RateTokensPerSec: 1000,
		RateBurst:        1000,
		CircuitThreshold: 100,
	})
}

func pipelineRecord(message string) *core.ErrorRecord {
	return &core.ErrorRecord{
		Name:      "errors.errorString",
		Message:   message,
		Severity:  core.SeverityHigh,
		Timestamp: time.Now(),
	}
}

// TestPipelineFallbackWhenDisabled verifies the stub is served, uncached,
// when no provider is configured.
func TestPipelineFallbackWhenDisabled(t *testing.T) {
	p, cache := testPipeline(t, core.DefaultConfig(), nil)

	advice := p.run(context.Background(), pipelineRecord("boom"))
	require.NotNil(t, advice)
	assert.Equal(t, "analysis unavailable", advice.Diagnosis)
	assert.Equal(t, core.Remediation{"see logs"}, advice.Remediation)
	assert.False(t, advice.GeneratedAt.IsZero())
	assert.Equal(t, 0, cache.Len(), "fallback advice must not be cached")
}

// TestPipelineCacheHitCopies verifies hits return an independent copy
// flagged as cached.
func TestPipelineCacheHitCopies(t *testing.T) {
	p, cache := testPipeline(t, core.DefaultConfig(), nil)
	rec := pipelineRecord("connection refused")
	stored := &core.Advice{Diagnosis: "known issue", Remediation: core.Remediation{"restart"}}
	cache.Set(rec.Fingerprint(), stored, 64)

	got := p.run(context.Background(), rec)
	require.NotNil(t, got)
	assert.True(t, got.Cached)
	assert.Equal(t, "known issue", got.Diagnosis)
	require.NotSame(t, stored, got)

	got.Diagnosis = "mutated by caller"
	again := p.run(context.Background(), rec)
	assert.Equal(t, "known issue", again.Diagnosis, "store must be isolated from callers")
	assert.False(t, stored.Cached, "stored value keeps its original flag")
}

// TestPipelineCachesAdvice verifies fresh upstream advice lands in the
// cache and the second run is served from it.
func TestPipelineCachesAdvice(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(mockCompletion))
	}))
	t.Cleanup(server.Close)
	p, cache := testPipeline(t, core.DefaultConfig(), testClient(t, server.URL))
	rec := pipelineRecord("disk full")

	first := p.run(context.Background(), rec)
	require.NotNil(t, first)
	assert.False(t, first.Cached)
	assert.Equal(t, "pool exhausted", first.Diagnosis)
	assert.Equal(t, 1, cache.Len())

	second := p.run(context.Background(), rec)
	require.NotNil(t, second)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, hits, "second run must be a cache hit")
}

// TestPipelineOversizeServedUncached verifies advice past the byte cap is
// returned to the caller but never stored.
func TestPipelineOversizeServedUncached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(mockCompletion))
	}))
	t.Cleanup(server.Close)
	cfg := core.DefaultConfig()
	cfg.Cache.MaxAdviceBytes = 8
	p, cache := testPipeline(t, cfg, testClient(t, server.URL))

	advice := p.run(context.Background(), pipelineRecord("huge advice"))
	require.NotNil(t, advice)
	assert.Equal(t, "pool exhausted", advice.Diagnosis)
	assert.Equal(t, 0, cache.Len())
}

// TestPipelineUpstreamFallback verifies non-retryable upstream failures
// degrade to the stub without caching it.
func TestPipelineUpstreamFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)
	p, cache := testPipeline(t, core.DefaultConfig(), testClient(t, server.URL))

	advice := p.run(context.Background(), pipelineRecord("rejected upstream"))
	require.NotNil(t, advice)
	assert.Equal(t, "analysis unavailable", advice.Diagnosis)
	assert.Equal(t, 0, cache.Len())
}

// TestPipelineCancelledDropsResult verifies cancellation produces no advice
// at all: nobody is left to read it.
func TestPipelineCancelledDropsResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(mockCompletion))
	}))
	t.Cleanup(server.Close)
	p, cache := testPipeline(t, core.DefaultConfig(), testClient(t, server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	advice := p.run(ctx, pipelineRecord("caller gone"))
	assert.Nil(t, advice)
	assert.Equal(t, 0, cache.Len())
}

// TestPipelineCachedProbe verifies the read-only probe used by GetAdvice.
func TestPipelineCachedProbe(t *testing.T) {
	p, cache := testPipeline(t, core.DefaultConfig(), nil)

	_, ok := p.cached("0000000000000000")
	assert.False(t, ok)

	stored := &core.Advice{Diagnosis: "known issue"}
	cache.Set("deadbeef00000000", stored, 32)
	got, ok := p.cached("deadbeef00000000")
	require.True(t, ok)
	assert.True(t, got.Cached)
	require.NotSame(t, stored, got)
	assert.False(t, stored.Cached)
}

// stubAnalyzer satisfies core.Analyzer without any transport behind it.
type stubAnalyzer struct {
	advice *core.Advice
	err    error
	calls  int
}

func (s *stubAnalyzer) Analyze(_ context.Context, _ *core.ErrorRecord) (*core.Advice, error) {
	s.calls++
	return s.advice, s.err
}

// TestPipelineAnalyzerSubstitution verifies any Analyzer implementation can
// stand in for the HTTP client, on the success and degrade paths alike.
func TestPipelineAnalyzerSubstitution(t *testing.T) {
	p, cache := testPipeline(t, core.DefaultConfig(), nil)
	stub := &stubAnalyzer{advice: &core.Advice{
		Diagnosis:   "stale handle",
		Remediation: core.Remediation{"reopen the file"},
	}}
	p.client = stub

	advice := p.run(context.Background(), pipelineRecord("stale file handle"))
	require.NotNil(t, advice)
	assert.Equal(t, "stale handle", advice.Diagnosis)
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, 1, cache.Len())

	p.client = &stubAnalyzer{err: core.ErrParse}
	cache.Clear()
	advice = p.run(context.Background(), pipelineRecord("garbled reply"))
	require.NotNil(t, advice)
	assert.Equal(t, "analysis unavailable", advice.Diagnosis)
	assert.Equal(t, 0, cache.Len(), "fallback advice must not be cached")
}
