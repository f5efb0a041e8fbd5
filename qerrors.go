package qerrors

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/qerrors/ai"
	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/resilience"
	"github.com/itsneelabh/qerrors/telemetry"
)

// Engine owns every qerrors subsystem: configuration, logger, sanitiser,
// advice cache, analysis queue, upstream client, observation bus and the
// optional metric bridges. Construct one per process with New, or use the
// module-level Init/Default pair. All public methods are safe on a nil
// receiver so instrumented code works before Init.
type Engine struct {
	cfg       *core.Config
	log       core.Logger
	fileLog   *core.FileLogger // engine-owned; nil when WithLogger injected
	sanitizer *core.Sanitizer

	bus     *telemetry.Bus
	metrics *telemetry.Registry
	prom    *telemetry.PrometheusBridge

	cache      *core.LRUCache[string, *core.Advice]
	client     *ai.Client // nil when no provider is configured
	pipeline   *pipeline
	pool       *workerPool
	suppressor *resilience.KeyedLimiter
	memory     *core.MemoryMonitor

	start   time.Time
	now     func() time.Time
	stopped atomic.Bool
}

// settings collects construction knobs that are not configuration.
type settings struct {
	config     []core.Option
	logger     core.Logger
	httpClient *http.Client
	clock      func() time.Time
}

// Option adjusts engine construction.
type Option func(*settings)

// WithConfig applies configuration options on top of defaults, the
// optional YAML file and the environment (see the core package for the
// full option list; the common ones are re-exported here).
func WithConfig(opts ...core.Option) Option {
	return func(s *settings) { s.config = append(s.config, opts...) }
}

// WithLogger replaces the engine-owned file logger. The engine then leaves
// the logger's lifecycle to the caller.
func WithLogger(l core.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithHTTPClient injects the upstream HTTP client, bypassing the tuned
// transport. Intended for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithClock pins the engine's clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

// New builds and starts an engine. The returned engine is live: its
// workers, logger and bus goroutines are running until Shutdown.
func New(opts ...Option) (*Engine, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	cfg, err := core.NewConfig(s.config...)
	if err != nil {
		return nil, err
	}
	now := s.clock
	if now == nil {
		now = time.Now
	}

	e := &Engine{cfg: cfg, now: now, start: now()}

	if s.logger != nil {
		e.log = s.logger
	} else {
		e.fileLog = core.NewFileLogger(cfg.Log)
		if cfg.Verbose {
			e.fileLog.SetLevel(core.LevelDebug)
		}
		e.log = e.fileLog
	}
	for _, w := range cfg.Warnings {
		e.log.Warn("Configuration value adjusted", map[string]interface{}{
			"operation": "config_load",
			"detail":    w,
		})
	}

	e.sanitizer = core.NewSanitizer(cfg.Sanitize)

	e.bus = telemetry.NewBus(0, e.log)
	e.metrics = telemetry.NewRegistry(cfg.Metrics.HistogramSize)
	e.bus.Subscribe(e.metrics)
	if cfg.Metrics.Prometheus {
		e.prom = telemetry.NewPrometheusBridge()
		e.bus.Subscribe(e.prom)
	}
	if cfg.Metrics.Telemetry {
		e.bus.Subscribe(telemetry.NewOTELBridge())
	}
	e.bus.Start()

	if e.fileLog != nil {
		bus := e.bus
		e.fileLog.OnDrop(func(count uint64) {
			bus.Publish(telemetry.LogDropped{Count: count})
		})
	}

	e.memory = core.NewMemoryMonitor(time.Second)
	e.cache = core.NewLRUCache[string, *core.Advice](cfg.Cache.Limit, cfg.Cache.MaxBytes, cfg.Cache.TTL)
	e.suppressor = resilience.NewKeyedLimiter(cfg.ErrorRate.PerMinute, cfg.ErrorRate.Burst, 0)

	if cfg.AnalysisEnabled() {
		aiOpts, err := ai.FromConfig(cfg)
		if err != nil {
			e.abortStart()
			return nil, err
		}
		aiOpts.UserAgent = userAgent()
		aiOpts.Logger = e.log
		aiOpts.Bus = e.bus
		aiOpts.HTTPClient = s.httpClient
		aiOpts.Clock = now
		e.client = ai.NewClient(aiOpts)
	}

	e.pipeline = newPipeline(cfg, e.cache, e.client, e.bus, e.log, now)
	e.pool = newWorkerPool(cfg, e.pipeline, e.memory, e.bus, e.log)
	e.registerGauges()

	e.log.Info("qerrors engine started", map[string]interface{}{
		"operation":   "engine_start",
		"version":     Version,
		"provider":    cfg.Model.Provider,
		"concurrency": cfg.Concurrency,
		"queue_limit": cfg.Queue.Limit,
		"cache_limit": cfg.Cache.Limit,
	})
	return e, nil
}

// abortStart tears down the goroutines New already started when a later
// construction step fails.
func (e *Engine) abortStart() {
	e.bus.Stop()
	if e.fileLog != nil {
		_ = e.fileLog.Close()
	}
}

func (e *Engine) registerGauges() {
	e.metrics.RegisterGauge(telemetry.GaugeQueueLength, func() float64 {
		n, _ := e.pool.Stats()
		return float64(n)
	})
	e.metrics.RegisterGauge(telemetry.GaugeQueueCapacity, func() float64 {
		_, c := e.pool.Stats()
		return float64(c)
	})
	e.metrics.RegisterGauge(telemetry.GaugeCacheEntries, func() float64 {
		return float64(e.cache.Len())
	})
	e.metrics.RegisterGauge(telemetry.GaugeCacheBytes, func() float64 {
		return float64(e.cache.Bytes())
	})
	e.metrics.RegisterGauge(telemetry.GaugeHeapUsedPercent, func() float64 {
		return e.memory.Percent()
	})
	e.metrics.RegisterGauge(telemetry.GaugeCircuitState, func() float64 {
		return telemetry.CircuitGaugeValue(e.CircuitState())
	})

	if e.prom != nil {
		e.prom.RegisterGauge("queue_length", "Analyses waiting in the bounded queue.", func() float64 {
			n, _ := e.pool.Stats()
			return float64(n)
		})
		e.prom.RegisterGauge("queue_capacity", "Configured analysis queue capacity.", func() float64 {
			_, c := e.pool.Stats()
			return float64(c)
		})
		e.prom.RegisterGauge("cache_entries", "Advice entries currently cached.", func() float64 {
			return float64(e.cache.Len())
		})
		e.prom.RegisterGauge("cache_bytes", "Serialised bytes held by the advice cache.", func() float64 {
			return float64(e.cache.Bytes())
		})
		e.prom.RegisterGauge("heap_used_percent", "Process heap usage, percent of HeapSys.", func() float64 {
			return e.memory.Percent()
		})
	}
}

// QueueStats implements telemetry.HealthSource.
func (e *Engine) QueueStats() (int, int) {
	return e.pool.Stats()
}

// CircuitState implements telemetry.HealthSource. With analysis disabled
// there is no breaker; report closed.
func (e *Engine) CircuitState() string {
	if e.client == nil {
		return resilience.StateClosed.String()
	}
	return e.client.CircuitState()
}

// HeapUsedPercent implements telemetry.HealthSource.
func (e *Engine) HeapUsedPercent() float64 {
	return e.memory.Percent()
}

// Health evaluates the engine's health snapshot.
func (e *Engine) Health() telemetry.Health {
	return telemetry.Evaluate(e, e.start, e.now())
}

// MetricsSnapshot returns the JSON-ready metrics view.
func (e *Engine) MetricsSnapshot() telemetry.Snapshot {
	return e.metrics.Snapshot()
}

// Logger exposes the engine's logger so host code can share it.
func (e *Engine) Logger() core.Logger {
	if e == nil {
		return &core.NoOpLogger{}
	}
	return e.log
}

// FlushCaches drops cached advice and the upstream client's short-lived
// response cache.
func (e *Engine) FlushCaches() {
	if e == nil {
		return
	}
	e.cache.Clear()
	if e.client != nil {
		e.client.FlushCache()
	}
}

// Shutdown stops intake, drains the analysis queue within ctx (or the
// configured grace when ctx has no deadline), then stops the bus and
// flushes the logger. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e == nil || !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Queue.ShutdownGrace)
		defer cancel()
	}

	err := e.pool.Stop(ctx)
	e.log.Info("qerrors engine stopped", map[string]interface{}{
		"operation": "engine_stop",
		"drained":   err == nil,
	})
	e.bus.Stop()
	if e.fileLog != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = e.fileLog.Flush(flushCtx)
		cancel()
		_ = e.fileLog.Close()
	}
	return err
}

// defaultEngine backs the module-level API.
var defaultEngine atomic.Pointer[Engine]

// Init constructs the process-wide engine. A second Init without an
// intervening Shutdown fails with ErrAlreadyStarted.
func Init(opts ...Option) (*Engine, error) {
	e, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if !defaultEngine.CompareAndSwap(nil, e) {
		_ = e.Shutdown(context.Background())
		return nil, core.NewError("qerrors.Init", "engine", core.ErrAlreadyStarted)
	}
	return e, nil
}

// Default returns the process-wide engine, or nil before Init.
func Default() *Engine {
	return defaultEngine.Load()
}

// Shutdown stops and detaches the process-wide engine.
func Shutdown(ctx context.Context) error {
	return defaultEngine.Swap(nil).Shutdown(ctx)
}

// Middleware wraps next with the process-wide engine, resolving it per
// request so wrapping can happen before Init.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e := Default(); e != nil {
			e.Middleware(next).ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleHTTP captures err on the process-wide engine. No-op before Init.
func HandleHTTP(err error, w http.ResponseWriter, r *http.Request) string {
	return Default().HandleHTTP(err, w, r)
}

// Handle captures a non-HTTP error on the process-wide engine. No-op
// before Init.
func Handle(err error, contextStr string, meta map[string]interface{}) string {
	return Default().Handle(err, contextStr, meta)
}

// AnalyzeAsync captures err on the process-wide engine and returns the
// advice channel. Closed channel before Init.
func AnalyzeAsync(err error, meta map[string]interface{}) <-chan *core.Advice {
	return Default().AnalyzeAsync(err, meta)
}

// GetAdvice probes the process-wide advice cache.
func GetAdvice(fingerprint string) (*core.Advice, bool) {
	return Default().GetAdvice(fingerprint)
}

// FlushCaches clears the process-wide caches.
func FlushCaches() {
	Default().FlushCaches()
}

// Re-exported types, following the parent framework's meta-module
// convention so most callers only import this package.
type (
	Config       = core.Config
	ConfigOption = core.Option
	Advice       = core.Advice
	Remediation  = core.Remediation
	ErrorRecord  = core.ErrorRecord
	Severity     = core.Severity
	ErrorKind    = core.ErrorKind
	Logger       = core.Logger
	NoOpLogger   = core.NoOpLogger
	Error        = core.Error
	Health       = telemetry.Health
	Snapshot     = telemetry.Snapshot
)

// Re-exported severity levels.
const (
	SeverityLow      = core.SeverityLow
	SeverityMedium   = core.SeverityMedium
	SeverityHigh     = core.SeverityHigh
	SeverityCritical = core.SeverityCritical
)

// Re-exported configuration options and helpers.
var (
	WithConcurrency = core.WithConcurrency
	WithQueueLimit  = core.WithQueueLimit
	WithCacheLimit  = core.WithCacheLimit
	WithCacheTTL    = core.WithCacheTTL
	WithModel       = core.WithModel
	WithEndpoint    = core.WithEndpoint
	WithHTTPTimeout = core.WithHTTPTimeout
	WithLogDir      = core.WithLogDir
	WithLogLevel    = core.WithLogLevel
	WithoutLogFile  = core.WithoutLogFile
	WithPrometheus  = core.WithPrometheus
	WithTelemetry   = core.WithTelemetry

	NewConfig          = core.NewConfig
	DefaultConfig      = core.DefaultConfig
	ComputeFingerprint = core.ComputeFingerprint
	FallbackAdvice     = core.FallbackAdvice
	IsRetryable        = core.IsRetryable
	IsQueueFull        = core.IsQueueFull
	IsRateLimited      = core.IsRateLimited
)
