package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/telemetry"
)

const adviceContent = `{"diagnosis":"connection pool exhausted","remediation":["raise pool size"]}`

// testOptions keeps rate and circuit gates wide open so each test trips
// only the layer it is about.
func testOptions(endpoint string) Options {
	return Options{
		Endpoint:         endpoint,
		APIKey:           "test-key",
		Model:            "test-model",
		UserAgent:        "qerrors-test",
		Timeout:          2 * time.Second,
		MaxRetries:       0,
		RateTokensPerSec: 1000,
		RateBurst:        1000,
		CircuitThreshold: 100,
	}
}

func analysisRecord(msg string) *core.ErrorRecord {
	return &core.ErrorRecord{
		Name:      "DatabaseError",
		Message:   msg,
		Severity:  core.SeverityHigh,
		Timestamp: time.Now(),
	}
}

// eventRecorder captures bus events for assertions after Stop.
type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *eventRecorder) OnEvent(e telemetry.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Event(nil), r.events...)
}

// TestClientAnalyzeSuccess verifies the request shape on the wire and the
// advice coming back.
func TestClientAnalyzeSuccess(t *testing.T) {
	var mu sync.Mutex
	var gotReq wireRequest
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotHeader = r.Header.Clone()
		_ = json.Unmarshal(body, &gotReq)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(completionBody(t, "mock-model", adviceContent))
	}))
	defer server.Close()

	c := NewClient(testOptions(server.URL))
	advice, err := c.Analyze(context.Background(), analysisRecord("connection refused"))
	require.NoError(t, err)
	assert.Equal(t, "connection pool exhausted", advice.Diagnosis)
	assert.Equal(t, core.Remediation{"raise pool size"}, advice.Remediation)
	assert.Equal(t, "mock-model", advice.Model)
	assert.False(t, advice.GeneratedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer test-key", gotHeader.Get("Authorization"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "qerrors-test", gotHeader.Get("User-Agent"))
	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
}

// TestClientHeaderDefaults verifies the default user agent and that no
// Authorization header is sent without a key (local endpoints).
func TestClientHeaderDefaults(t *testing.T) {
	var mu sync.Mutex
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHeader = r.Header.Clone()
		mu.Unlock()
		_, _ = w.Write(completionBody(t, "m", adviceContent))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.APIKey = ""
	opts.UserAgent = ""
	c := NewClient(opts)
	_, err := c.Analyze(context.Background(), analysisRecord("boom"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, gotHeader.Get("Authorization"))
	assert.Equal(t, "qerrors", gotHeader.Get("User-Agent"))
}

// TestClientSharesConcurrentRequests verifies a burst of identical
// fingerprints costs one upstream request.
func TestClientSharesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		once.Do(func() { close(started) })
		<-release
		_, _ = w.Write(completionBody(t, "m", adviceContent))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.ResponseCacheTTL = time.Minute
	c := NewClient(opts)

	type result struct {
		advice *core.Advice
		err    error
	}
	results := make(chan result, 4)
	run := func() {
		a, err := c.Analyze(context.Background(), analysisRecord("same failure"))
		results <- result{a, err}
	}
	go run()
	<-started
	for i := 0; i < 3; i++ {
		go run()
	}
	close(release)

	for i := 0; i < 4; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "connection pool exhausted", r.advice.Diagnosis)
	}
	assert.Equal(t, int32(1), hits.Load())
}

// TestClientRetriesRetryableStatus verifies a 503 is retried, honouring the
// vendor retry-after-ms header.
func TestClientRetriesRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("retry-after-ms", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(completionBody(t, "m", adviceContent))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.MaxRetries = 2
	c := NewClient(opts)

	advice, err := c.Analyze(context.Background(), analysisRecord("flaky upstream"))
	require.NoError(t, err)
	assert.Equal(t, "connection pool exhausted", advice.Diagnosis)
	assert.Equal(t, int32(2), hits.Load())
}

// TestClientRetryBudgetExhausted verifies the attempt count is bounded and
// the final upstream error surfaces.
func TestClientRetryBudgetExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("retry-after-ms", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.MaxRetries = 2
	c := NewClient(opts)

	_, err := c.Analyze(context.Background(), analysisRecord("dead upstream"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUpstream))
	var qe *core.Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, http.StatusServiceUnavailable, qe.Status)
	assert.Equal(t, int32(3), hits.Load())
}

// TestClientNoRetryOnClientError verifies 4xx responses fail immediately.
func TestClientNoRetryOnClientError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.MaxRetries = 3
	c := NewClient(opts)

	_, err := c.Analyze(context.Background(), analysisRecord("bad request"))
	require.Error(t, err)
	var qe *core.Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, http.StatusBadRequest, qe.Status)
	assert.Equal(t, int32(1), hits.Load())
}

// TestClientParseFailureRetriedOnce verifies a malformed 200 body gets one
// extra attempt regardless of the retry budget.
func TestClientParseFailureRetriedOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("upstream returned prose"))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.MaxRetries = 0
	c := NewClient(opts)

	_, err := c.Analyze(context.Background(), analysisRecord("garbled response"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrParse))
	assert.Equal(t, int32(2), hits.Load())
}

// TestClientCircuitOpens verifies repeated upstream failures open the
// breaker and later calls are rejected without a request.
func TestClientCircuitOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.CircuitThreshold = 2
	c := NewClient(opts)

	record := analysisRecord("hard down")
	_, err := c.Analyze(context.Background(), record)
	require.True(t, errors.Is(err, core.ErrUpstream))
	_, err = c.Analyze(context.Background(), record)
	require.True(t, errors.Is(err, core.ErrUpstream))

	_, err = c.Analyze(context.Background(), record)
	assert.True(t, errors.Is(err, core.ErrCircuitOpen), "err = %v", err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", c.CircuitState())
	assert.Equal(t, uint64(1), c.CircuitMetrics()["opens"])
}

// TestClientRateLimited verifies the token bucket refuses work before any
// request is made.
func TestClientRateLimited(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(completionBody(t, "m", adviceContent))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.RateTokensPerSec = 1
	opts.RateBurst = 1
	c := NewClient(opts)

	_, err := c.Analyze(context.Background(), analysisRecord("first"))
	require.NoError(t, err)
	_, err = c.Analyze(context.Background(), analysisRecord("second"))
	assert.True(t, errors.Is(err, core.ErrRateLimited), "err = %v", err)
	assert.Equal(t, int32(1), hits.Load())
}

// TestClientTimeout verifies a stalled upstream surfaces as ErrTimeout once
// the analysis budget is spent.
func TestClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body first: the server arms its client-disconnect
		// watcher only once the request body has been consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.Timeout = 100 * time.Millisecond
	c := NewClient(opts)

	start := time.Now()
	_, err := c.Analyze(context.Background(), analysisRecord("stalled"))
	assert.True(t, errors.Is(err, core.ErrTimeout), "err = %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// TestClientCancellation verifies caller cancellation surfaces as
// ErrCancelled and does not count against the breaker.
func TestClientCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body first: the server arms its client-disconnect
		// watcher only once the request body has been consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.CircuitThreshold = 1
	opts.MaxRetries = 3
	c := NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := c.Analyze(ctx, analysisRecord("abandoned"))
	assert.True(t, errors.Is(err, core.ErrCancelled), "err = %v", err)
	assert.Equal(t, "closed", c.CircuitState())
}

// TestClientPublishesEvents verifies attempt outcomes, retries and breaker
// transitions reach the telemetry bus.
func TestClientPublishesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after-ms", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	bus := telemetry.NewBus(64, nil)
	rec := &eventRecorder{}
	bus.Subscribe(rec)
	bus.Start()

	opts := testOptions(server.URL)
	opts.CircuitThreshold = 1
	opts.MaxRetries = 1
	opts.Bus = bus
	c := NewClient(opts)

	_, err := c.Analyze(context.Background(), analysisRecord("eventful"))
	require.Error(t, err)
	bus.Stop()

	outcomes, retries, transitions := 0, 0, 0
	for _, e := range rec.snapshot() {
		switch ev := e.(type) {
		case telemetry.HTTPOutcome:
			assert.Equal(t, http.StatusServiceUnavailable, ev.Status)
			outcomes++
		case telemetry.HTTPRetry:
			assert.Equal(t, 1, ev.Attempt)
			retries++
		case telemetry.CircuitTransition:
			assert.Equal(t, "open", ev.To)
			transitions++
		}
	}
	assert.Equal(t, 2, outcomes)
	assert.Equal(t, 1, retries)
	assert.Equal(t, 1, transitions)
}

// TestClientResponseCacheFlush verifies completed advice is reused inside
// the TTL and FlushCache forces the next call upstream.
func TestClientResponseCacheFlush(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(completionBody(t, "m", adviceContent))
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.ResponseCacheTTL = time.Minute
	c := NewClient(opts)

	a1, err := c.Analyze(context.Background(), analysisRecord("recurring"))
	require.NoError(t, err)
	a2, err := c.Analyze(context.Background(), analysisRecord("recurring"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	require.NotSame(t, a1, a2)
	assert.Equal(t, a1.Diagnosis, a2.Diagnosis)

	c.FlushCache()
	_, err = c.Analyze(context.Background(), analysisRecord("recurring"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

// TestFromConfig verifies the engine configuration mapping.
func TestFromConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Model = core.ModelConfig{Provider: "groq", APIKey: "k", MaxCompletionTokens: 512}
	cfg.Metrics.Telemetry = true

	opts, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", opts.Endpoint)
	assert.Equal(t, "llama-3.1-8b-instant", opts.Model)
	assert.Equal(t, "k", opts.APIKey)
	assert.Equal(t, 512, opts.MaxCompletionTokens)
	assert.Equal(t, cfg.HTTP.Timeout, opts.Timeout)
	assert.Equal(t, cfg.HTTP.MaxRetries, opts.MaxRetries)
	assert.Equal(t, cfg.HTTP.ResponseCacheTTL, opts.ResponseCacheTTL)
	assert.Equal(t, cfg.RateLimit.TokensPerSec, opts.RateTokensPerSec)
	assert.Equal(t, cfg.RateLimit.Burst, opts.RateBurst)
	assert.Equal(t, cfg.RateLimit.WaitGrace, opts.RateWaitGrace)
	assert.Equal(t, cfg.Circuit.ErrorThreshold, opts.CircuitThreshold)
	assert.Equal(t, cfg.Circuit.Window, opts.CircuitWindow)
	assert.Equal(t, cfg.Circuit.Reset, opts.CircuitReset)
	assert.True(t, opts.Trace)

	cfg.Model.Provider = "nope"
	_, err = FromConfig(cfg)
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
}
