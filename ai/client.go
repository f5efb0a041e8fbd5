package ai

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/resilience"
	"github.com/itsneelabh/qerrors/telemetry"
)

// maxResponseBytes bounds how much of an upstream response body is read.
// Anything past it is cut off and surfaces as a parse failure.
const maxResponseBytes = 1 << 20

// Options assembles a Client. Endpoint and Model are already resolved
// (see Resolve); zero values fall back to the documented defaults.
type Options struct {
	Endpoint            string
	APIKey              string
	Model               string
	MaxCompletionTokens int
	UserAgent           string

	Timeout         time.Duration
	MaxRetries      int
	MaxConnsPerHost int
	MaxIdleConns    int

	RateTokensPerSec float64
	RateBurst        int
	RateWaitGrace    time.Duration

	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitReset     time.Duration

	// ResponseCacheTTL keeps just-completed advice joinable for callers
	// that raced past the in-flight window. Zero disables it.
	ResponseCacheTTL time.Duration

	// Trace wraps the transport with otelhttp for context propagation.
	Trace bool
	// HTTPClient overrides transport construction, for tests.
	HTTPClient *http.Client

	Logger core.Logger
	Bus    *telemetry.Bus
	Clock  func() time.Time
}

// FromConfig maps engine configuration onto client options. Provider
// resolution errors propagate so startup fails on a bad model section.
func FromConfig(cfg *core.Config) (Options, error) {
	endpoint, model, err := Resolve(cfg.Model)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Endpoint:            endpoint,
		APIKey:              cfg.Model.APIKey,
		Model:               model,
		MaxCompletionTokens: cfg.Model.MaxCompletionTokens,
		Timeout:             cfg.HTTP.Timeout,
		MaxRetries:          cfg.HTTP.MaxRetries,
		MaxConnsPerHost:     cfg.HTTP.MaxConnsPerHost,
		MaxIdleConns:        cfg.HTTP.MaxIdleConns,
		RateTokensPerSec:    cfg.RateLimit.TokensPerSec,
		RateBurst:           cfg.RateLimit.Burst,
		RateWaitGrace:       cfg.RateLimit.WaitGrace,
		CircuitThreshold:    cfg.Circuit.ErrorThreshold,
		CircuitWindow:       cfg.Circuit.Window,
		CircuitReset:        cfg.Circuit.Reset,
		ResponseCacheTTL:    cfg.HTTP.ResponseCacheTTL,
		Trace:               cfg.Metrics.Telemetry,
	}, nil
}

// Client is the rate-limited, circuit-protected, deduplicated upstream
// client. One instance serves the whole engine; it is safe for concurrent
// use.
type Client struct {
	endpoint  string
	apiKey    string
	model     string
	maxTokens int
	userAgent string

	timeout time.Duration
	retry   resilience.RetryConfig

	http    *http.Client
	limiter *resilience.TokenBucket
	breaker *resilience.CircuitBreaker
	group   *resilience.Group[*core.Advice]

	logger core.Logger
	bus    *telemetry.Bus
	now    func() time.Time
}

// NewClient wires the resilience layers around a tuned HTTP transport.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "qerrors"
	}

	retry := resilience.DefaultRetryConfig()
	if opts.MaxRetries >= 0 {
		retry.MaxRetries = opts.MaxRetries
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		maxConns := opts.MaxConnsPerHost
		if maxConns <= 0 {
			maxConns = 50
		}
		maxIdle := opts.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 10
		}
		transport := &http.Transport{
			MaxConnsPerHost:     maxConns,
			MaxIdleConnsPerHost: maxIdle,
			IdleConnTimeout:     90 * time.Second,
		}
		var rt http.RoundTripper = transport
		if opts.Trace {
			rt = otelhttp.NewTransport(transport)
		}
		// Per-attempt deadlines come from the request context, so the
		// client itself carries no timeout.
		httpClient = &http.Client{Transport: rt}
	}

	bus := opts.Bus
	c := &Client{
		endpoint:  opts.Endpoint,
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxCompletionTokens,
		userAgent: userAgent,
		timeout:   timeout,
		retry:     retry,
		http:      httpClient,
		limiter:   resilience.NewTokenBucket(opts.RateTokensPerSec, opts.RateBurst, opts.RateWaitGrace),
		group:     resilience.NewGroup[*core.Advice](256, opts.ResponseCacheTTL),
		logger:    logger,
		bus:       bus,
		now:       now,
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:           "upstream",
		ErrorThreshold: opts.CircuitThreshold,
		Window:         opts.CircuitWindow,
		Reset:          opts.CircuitReset,
		Logger:         logger,
		Clock:          now,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			bus.Publish(telemetry.CircuitTransition{From: from.String(), To: to.String()})
		},
	})
	return c
}

// Analyze requests remediation advice for one record. The call path is
// rate gate, circuit gate, in-flight dedup, then retried HTTP; concurrent
// calls for the same fingerprint share a single upstream request.
func (c *Client) Analyze(ctx context.Context, record *core.ErrorRecord) (*core.Advice, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		if core.IsRateLimited(err) {
			c.bus.Publish(telemetry.RateLimited{})
		}
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	advice, shared, err := c.group.Do(ctx, record.Fingerprint(), func(ctx context.Context) (*core.Advice, error) {
		var result *core.Advice
		execErr := c.breaker.Execute(func() error {
			a, err := c.doWithRetry(ctx, record)
			result = a
			return err
		})
		if execErr != nil {
			return nil, execErr
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		// Joined another caller's request or its short-lived result cache;
		// hand back a copy so each caller owns its advice.
		dup := *advice
		return &dup, nil
	}
	return advice, nil
}

// doWithRetry runs the upstream request under the total analysis budget of
// Timeout x (MaxRetries+1). Retryable statuses and transport failures back
// off with full jitter, honouring any Retry-After the upstream sent; a
// malformed response body is retried at most once.
func (c *Client) doWithRetry(ctx context.Context, record *core.ErrorRecord) (*core.Advice, error) {
	body := BuildRequestBody(record, c.model, c.maxTokens)

	budget := time.Duration(c.retry.MaxRetries+1) * c.timeout
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	retries := 0 // transport/status retries, capped by MaxRetries
	retrySeq := 0
	parseRetried := false
	for {
		advice, status, header, err := c.attempt(ctx, body)
		if err == nil {
			return advice, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, analysisContextError(ctxErr)
		}

		var delay time.Duration
		switch {
		case errors.Is(err, core.ErrParse):
			if parseRetried {
				return nil, err
			}
			parseRetried = true
			delay = c.retry.Backoff(1)
		case retryableAttempt(status, err):
			if retries >= c.retry.MaxRetries {
				return nil, err
			}
			retries++
			delay = c.retry.Backoff(retries)
			if override, ok := resilience.RetryAfter(header, c.now()); ok {
				delay = override
			}
		default:
			return nil, err
		}

		retrySeq++
		c.bus.Publish(telemetry.HTTPRetry{Attempt: retrySeq})
		c.logger.Debug("Retrying upstream request", map[string]interface{}{
			"operation":   "upstream_retry",
			"fingerprint": record.Fingerprint(),
			"retry":       retrySeq,
			"delay_ms":    delay.Milliseconds(),
			"error":       err.Error(),
		})
		if sleepErr := resilience.Sleep(ctx, delay); sleepErr != nil {
			return nil, analysisContextError(sleepErr)
		}
	}
}

// attempt runs one round trip. On failure it returns the response status
// (0 for transport errors) and headers so the retry loop can classify.
func (c *Client) attempt(parent context.Context, body []byte) (*core.Advice, int, http.Header, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, &core.Error{Op: "ai.request", Kind: "upstream", Message: "building request: " + err.Error(), Err: core.ErrUpstream}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		mapped := c.transportError(parent, err)
		c.outcome(0, start, outcomeClass(mapped))
		return nil, 0, nil, mapped
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		mapped := c.transportError(parent, readErr)
		c.outcome(resp.StatusCode, start, outcomeClass(mapped))
		return nil, resp.StatusCode, resp.Header, mapped
	}

	if resp.StatusCode != http.StatusOK {
		c.outcome(resp.StatusCode, start, "status")
		return nil, resp.StatusCode, resp.Header, core.UpstreamError("ai.request", resp.StatusCode)
	}
	c.outcome(resp.StatusCode, start, "")

	advice, respModel, parseErr := ParseAdvice(data)
	if parseErr != nil {
		return nil, resp.StatusCode, resp.Header, parseErr
	}
	advice.GeneratedAt = c.now()
	if advice.Model == "" {
		advice.Model = respModel
	}
	if advice.Model == "" {
		advice.Model = c.model
	}
	return advice, resp.StatusCode, resp.Header, nil
}

func (c *Client) outcome(status int, start time.Time, class string) {
	elapsed := float64(c.now().Sub(start)) / float64(time.Millisecond)
	c.bus.Publish(telemetry.HTTPOutcome{Status: status, DurationMS: elapsed, Err: class})
}

// transportError maps client and body-read failures onto the error
// taxonomy: caller cancellation, deadline, or plain upstream failure.
func (c *Client) transportError(parent context.Context, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return &core.Error{Op: "ai.request", Kind: "upstream", Message: "request cancelled", Err: core.ErrCancelled}
	case errors.Is(err, context.DeadlineExceeded):
		return &core.Error{Op: "ai.request", Kind: "upstream", Message: "request timed out", Err: core.ErrTimeout}
	default:
		return &core.Error{Op: "ai.request", Kind: "upstream", Message: err.Error(), Err: core.ErrUpstream}
	}
}

func analysisContextError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &core.Error{Op: "ai.analyze", Kind: "upstream", Message: "analysis cancelled", Err: core.ErrCancelled}
	}
	return &core.Error{Op: "ai.analyze", Kind: "upstream", Message: "analysis budget exhausted", Err: core.ErrTimeout}
}

// retryableAttempt reports whether a failed attempt may be repeated:
// retryable statuses, transport failures and per-attempt timeouts qualify;
// cancellation never does.
func retryableAttempt(status int, err error) bool {
	if status > 0 {
		return core.RetryableStatus(status)
	}
	return errors.Is(err, core.ErrUpstream) || errors.Is(err, core.ErrTimeout)
}

func outcomeClass(err error) string {
	switch {
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrCancelled):
		return "cancelled"
	default:
		return "network"
	}
}

// CircuitState reports the breaker state for health and metrics.
func (c *Client) CircuitState() string {
	return c.breaker.State().String()
}

// CircuitMetrics exposes breaker counters for the JSON metrics surface.
func (c *Client) CircuitMetrics() map[string]interface{} {
	return c.breaker.Metrics()
}

// FlushCache drops the short-lived response cache and forgets in-flight
// joins. Used by cache invalidation surfaces.
func (c *Client) FlushCache() {
	c.group.Flush()
}
