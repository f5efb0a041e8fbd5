package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the qerrors engine.
// Values are resolved in order: defaults, optional YAML file, environment,
// functional options. Every numeric read from the environment is clamped to a
// safe range; clamps are collected in Warnings so the engine can log them
// once the logger exists.
type Config struct {
	// Concurrency is the maximum number of in-flight analyses.
	Concurrency int `yaml:"concurrency"`

	// Verbose forces debug-level logging.
	Verbose bool `yaml:"verbose"`

	Queue     QueueConfig     `yaml:"queue"`
	Cache     CacheConfig     `yaml:"cache"`
	HTTP      HTTPConfig      `yaml:"http"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	ErrorRate ErrorRateConfig `yaml:"error_rate"`
	Log       LogConfig       `yaml:"log"`
	Model     ModelConfig     `yaml:"model"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sanitize  SanitizeConfig  `yaml:"sanitize"`

	// Warnings produced while loading (clamped values, ignored settings).
	Warnings []string `yaml:"-"`
}

// QueueConfig bounds the analysis queue.
type QueueConfig struct {
	// Limit is the hard queue capacity.
	Limit int `yaml:"limit"`
	// ItemTimeout bounds a single queued analysis end to end.
	ItemTimeout time.Duration `yaml:"item_timeout"`
	// ShutdownGrace bounds the drain on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// CacheConfig bounds the advice cache.
type CacheConfig struct {
	// Limit is the advice cache entry cap.
	Limit int `yaml:"limit"`
	// TTL is how long stored advice stays valid.
	TTL time.Duration `yaml:"ttl"`
	// MaxAdviceBytes rejects any single advice larger than this.
	MaxAdviceBytes int `yaml:"max_advice_bytes"`
	// MaxBytes is the cache-wide byte budget (0 = entry cap only).
	MaxBytes int64 `yaml:"max_bytes"`
}

// HTTPConfig tunes the upstream LLM client.
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	MaxConnsPerHost  int           `yaml:"max_conns_per_host"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ResponseCacheTTL time.Duration `yaml:"response_cache_ttl"`
}

// CircuitConfig tunes the upstream circuit breaker.
type CircuitConfig struct {
	// ErrorThreshold opens the circuit after this many failures in Window.
	ErrorThreshold int `yaml:"error_threshold"`
	// Reset is the initial Open duration before a half-open probe.
	Reset time.Duration `yaml:"reset"`
	// Window is the rolling period failures are counted over.
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig tunes the upstream token bucket.
type RateLimitConfig struct {
	TokensPerSec float64 `yaml:"tokens_per_sec"`
	Burst        int     `yaml:"burst"`
	// WaitGrace is how long a caller may wait for a token (0 = fail fast).
	WaitGrace time.Duration `yaml:"wait_grace"`
}

// ErrorRateConfig tunes per-fingerprint recurrence suppression.
type ErrorRateConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// LogConfig tunes the structured logger.
type LogConfig struct {
	// Level is the minimum emitted level (debug|info|warn|error|fatal).
	Level string `yaml:"level"`
	// Dir is where rotated JSON-lines files land.
	Dir string `yaml:"dir"`
	// MaxDays deletes rotated files older than this (0 = keep all).
	MaxDays int `yaml:"max_days"`
	// QueueLimit bounds the async log buffer.
	QueueLimit int `yaml:"queue_limit"`
	// DisableFile turns the file sink off (stderr mirror still applies).
	DisableFile bool `yaml:"disable_file"`
}

// ModelConfig identifies the upstream LLM.
type ModelConfig struct {
	// Provider selects an endpoint preset ("openai", "groq", ...). Empty
	// disables analysis: records are logged but never sent upstream.
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"-"`
	// Endpoint overrides the provider preset when set.
	Endpoint string `yaml:"endpoint"`
	// MaxCompletionTokens caps the advice generation.
	MaxCompletionTokens int `yaml:"max_completion_tokens"`
}

// MetricsConfig toggles the optional metric bridges.
type MetricsConfig struct {
	// Prometheus registers bridge collectors and serves /metrics/prometheus.
	Prometheus bool `yaml:"prometheus"`
	// Telemetry mirrors bus events into OpenTelemetry instruments and wraps
	// the upstream transport for trace propagation.
	Telemetry bool `yaml:"telemetry"`
	// HistogramSize is the rolling sample window per histogram.
	HistogramSize int `yaml:"histogram_size"`
}

// SanitizeConfig bounds the sanitiser walk.
type SanitizeConfig struct {
	MaxDepth     int `yaml:"max_depth"`
	MaxKeys      int `yaml:"max_keys"`
	MaxStringLen int `yaml:"max_string_len"`
}

// Option is a functional option for configuring the engine
type Option func(*Config)

// WithConcurrency sets the analysis concurrency limit
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithQueueLimit sets the analysis queue capacity
func WithQueueLimit(n int) Option {
	return func(c *Config) { c.Queue.Limit = n }
}

// WithCacheLimit sets the advice cache entry cap
func WithCacheLimit(n int) Option {
	return func(c *Config) { c.Cache.Limit = n }
}

// WithCacheTTL sets how long stored advice stays valid
func WithCacheTTL(d time.Duration) Option {
	return func(c *Config) { c.Cache.TTL = d }
}

// WithModel configures the upstream provider, model and key
func WithModel(provider, name, apiKey string) Option {
	return func(c *Config) {
		c.Model.Provider = provider
		c.Model.Name = name
		c.Model.APIKey = apiKey
	}
}

// WithEndpoint overrides the provider endpoint preset
func WithEndpoint(url string) Option {
	return func(c *Config) { c.Model.Endpoint = url }
}

// WithHTTPTimeout sets the per-request upstream timeout
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Config) { c.HTTP.Timeout = d }
}

// WithLogDir sets the rotated log directory
func WithLogDir(dir string) Option {
	return func(c *Config) { c.Log.Dir = dir }
}

// WithLogLevel sets the minimum log level
func WithLogLevel(level string) Option {
	return func(c *Config) { c.Log.Level = level }
}

// WithoutLogFile disables the file sink (useful in tests)
func WithoutLogFile() Option {
	return func(c *Config) { c.Log.DisableFile = true }
}

// WithPrometheus enables the Prometheus bridge
func WithPrometheus() Option {
	return func(c *Config) { c.Metrics.Prometheus = true }
}

// WithTelemetry enables the OpenTelemetry bridge
func WithTelemetry() Option {
	return func(c *Config) { c.Metrics.Telemetry = true }
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 5,
		Queue: QueueConfig{
			Limit:         200,
			ItemTimeout:   30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Cache: CacheConfig{
			Limit:          1000,
			TTL:            time.Hour,
			MaxAdviceBytes: 512 * 1024,
			MaxBytes:       64 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			MaxConnsPerHost:  50,
			MaxIdleConns:     10,
			ResponseCacheTTL: 60 * time.Second,
		},
		Circuit: CircuitConfig{
			ErrorThreshold: 5,
			Reset:          30 * time.Second,
			Window:         60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			TokensPerSec: 10,
			Burst:        20,
			WaitGrace:    0,
		},
		ErrorRate: ErrorRateConfig{
			PerMinute: 5,
			Burst:     5,
		},
		Log: LogConfig{
			Level:      "info",
			Dir:        "./logs",
			MaxDays:    0,
			QueueLimit: 1000,
		},
		Model: ModelConfig{
			MaxCompletionTokens: 1024,
		},
		Metrics: MetricsConfig{
			HistogramSize: 512,
		},
		Sanitize: SanitizeConfig{
			MaxDepth:     5,
			MaxKeys:      100,
			MaxStringLen: 8 * 1024,
		},
	}
}

// NewConfig builds a Config from defaults, the optional YAML file named by
// QERRORS_CONFIG_FILE, the environment, and the given options, then
// validates it.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if path := envString("CONFIG_FILE", ""); path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadFromEnv overlays environment variables onto the config. Every variable
// is recognised both bare (CONCURRENCY_LIMIT) and with the QERRORS_ prefix
// (QERRORS_CONCURRENCY_LIMIT); the prefixed form wins.
func (c *Config) LoadFromEnv() error {
	c.Concurrency = c.envInt("CONCURRENCY_LIMIT", c.Concurrency, 1, 32)
	c.Queue.Limit = c.envInt("QUEUE_LIMIT", c.Queue.Limit, 1, 10000)
	c.Queue.ItemTimeout = c.envDurationMS("ANALYSIS_TIMEOUT_MS", c.Queue.ItemTimeout, time.Second, 10*time.Minute)
	c.Queue.ShutdownGrace = c.envDurationMS("SHUTDOWN_GRACE_MS", c.Queue.ShutdownGrace, 0, 5*time.Minute)

	c.Cache.Limit = c.envInt("CACHE_LIMIT", c.Cache.Limit, 1, 10000)
	c.Cache.TTL = c.envDurationMS("CACHE_TTL_MS", c.Cache.TTL, time.Second, 24*time.Hour)
	c.Cache.MaxAdviceBytes = c.envInt("MAX_ADVICE_SIZE", c.Cache.MaxAdviceBytes, 1024, 8*1024*1024)
	c.Cache.MaxBytes = int64(c.envInt("CACHE_MAX_BYTES", int(c.Cache.MaxBytes), 0, 1<<30))

	c.HTTP.Timeout = c.envDurationMS("HTTP_TIMEOUT_MS", c.HTTP.Timeout, 100*time.Millisecond, 10*time.Minute)
	c.HTTP.MaxRetries = c.envInt("HTTP_MAX_RETRIES", c.HTTP.MaxRetries, 0, 10)
	c.HTTP.MaxConnsPerHost = c.envInt("HTTP_MAX_CONNS_PER_HOST", c.HTTP.MaxConnsPerHost, 1, 500)
	c.HTTP.MaxIdleConns = c.envInt("HTTP_MAX_IDLE_CONNS", c.HTTP.MaxIdleConns, 1, 100)
	c.HTTP.ResponseCacheTTL = c.envDurationMS("RESPONSE_CACHE_TTL_MS", c.HTTP.ResponseCacheTTL, time.Second, time.Hour)

	c.Circuit.ErrorThreshold = c.envInt("CIRCUIT_ERROR_THRESHOLD", c.Circuit.ErrorThreshold, 1, 1000)
	c.Circuit.Reset = c.envDurationMS("CIRCUIT_RESET_MS", c.Circuit.Reset, 100*time.Millisecond, 5*time.Minute)
	c.Circuit.Window = c.envDurationMS("CIRCUIT_WINDOW_MS", c.Circuit.Window, time.Second, time.Hour)

	c.RateLimit.TokensPerSec = c.envFloat("HTTP_RATE_TOKENS_PER_SEC", c.RateLimit.TokensPerSec, 0.1, 1000)
	c.RateLimit.Burst = c.envInt("HTTP_RATE_BURST", c.RateLimit.Burst, 1, 10000)
	c.RateLimit.WaitGrace = c.envDurationMS("HTTP_RATE_WAIT_MS", c.RateLimit.WaitGrace, 0, time.Minute)

	c.ErrorRate.PerMinute = c.envInt("ERROR_RATE_PER_MIN", c.ErrorRate.PerMinute, 1, 10000)
	c.ErrorRate.Burst = c.envInt("ERROR_RATE_BURST", c.ErrorRate.Burst, 1, 10000)

	if v := envString("LOG_LEVEL", ""); v != "" {
		c.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envString("LOG_DIR", ""); v != "" {
		c.Log.Dir = v
	}
	c.Log.MaxDays = c.envInt("LOG_MAX_DAYS", c.Log.MaxDays, 0, 3650)
	c.Log.QueueLimit = c.envInt("LOG_QUEUE_LIMIT", c.Log.QueueLimit, 1, 100000)

	if v := envString("VERBOSE", ""); v != "" {
		c.Verbose = parseBool(v)
	}
	if c.Verbose {
		c.Log.Level = "debug"
	}

	if v := envString("MODEL_PROVIDER", ""); v != "" {
		c.Model.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envString("MODEL_NAME", ""); v != "" {
		c.Model.Name = v
	}
	if v := envString("MODEL_API_KEY", ""); v != "" {
		c.Model.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Model.APIKey == "" {
		c.Model.APIKey = v
	}
	if v := envString("MODEL_ENDPOINT", ""); v != "" {
		c.Model.Endpoint = v
	}
	c.Model.MaxCompletionTokens = c.envInt("MODEL_MAX_COMPLETION_TOKENS", c.Model.MaxCompletionTokens, 16, 32768)

	if v := envString("METRICS_PROMETHEUS", ""); v != "" {
		c.Metrics.Prometheus = parseBool(v)
	}
	if v := envString("TELEMETRY_ENABLED", ""); v != "" {
		c.Metrics.Telemetry = parseBool(v)
	}
	c.Metrics.HistogramSize = c.envInt("METRICS_HISTOGRAM_SIZE", c.Metrics.HistogramSize, 16, 65536)

	c.Sanitize.MaxDepth = c.envInt("MAX_SANITIZE_DEPTH", c.Sanitize.MaxDepth, 1, 32)
	c.Sanitize.MaxKeys = c.envInt("MAX_CONTEXT_KEYS", c.Sanitize.MaxKeys, 1, 10000)
	c.Sanitize.MaxStringLen = c.envInt("MAX_STRING_LENGTH", c.Sanitize.MaxStringLen, 256, 1024*1024)

	return nil
}

// LoadFromFile overlays a YAML config file onto the config. Environment
// variables still win over file values because LoadFromEnv runs after.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return &Error{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("unsupported config file extension %q", ext),
			Err:     ErrInvalidConfiguration,
		}
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return &Error{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("failed to read config file %s", cleanPath),
			Err:     err,
		}
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return &Error{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: "failed to parse YAML config file",
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

// Validate checks the configuration. The only hard startup failure is a
// configured provider without an API key; everything else has been clamped
// into range already.
func (c *Config) Validate() error {
	if c.Model.Provider != "" && c.Model.APIKey == "" {
		return &Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("model provider %q configured without MODEL_API_KEY", c.Model.Provider),
			Err:     ErrMissingConfiguration,
		}
	}

	if !ValidLevel(c.Log.Level) {
		return &Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid log level %q", c.Log.Level),
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

// AnalysisEnabled reports whether records should be sent upstream at all.
func (c *Config) AnalysisEnabled() bool {
	return c.Model.Provider != ""
}

// warnf records a load-time warning for later logging.
func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// envInt reads an integer environment variable and clamps it into
// [min, max], recording a warning when the value was out of range or
// malformed.
func (c *Config) envInt(key string, def, min, max int) int {
	raw := envString(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.warnf("%s=%q is not an integer, using %d", key, raw, def)
		return def
	}
	if v < min {
		c.warnf("%s=%d below minimum, clamped to %d", key, v, min)
		return min
	}
	if v > max {
		c.warnf("%s=%d above maximum, clamped to %d", key, v, max)
		return max
	}
	return v
}

// envFloat reads a float environment variable with clamping.
func (c *Config) envFloat(key string, def, min, max float64) float64 {
	raw := envString(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		c.warnf("%s=%q is not a number, using %g", key, raw, def)
		return def
	}
	if v < min {
		c.warnf("%s=%g below minimum, clamped to %g", key, v, min)
		return min
	}
	if v > max {
		c.warnf("%s=%g above maximum, clamped to %g", key, v, max)
		return max
	}
	return v
}

// envDurationMS reads a millisecond-valued environment variable with
// clamping.
func (c *Config) envDurationMS(key string, def, min, max time.Duration) time.Duration {
	raw := envString(key, "")
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || ms < 0 {
		c.warnf("%s=%q is not a millisecond count, using %s", key, raw, def)
		return def
	}
	v := time.Duration(ms) * time.Millisecond
	if v < min {
		c.warnf("%s=%dms below minimum, clamped to %s", key, ms, min)
		return min
	}
	if v > max {
		c.warnf("%s=%dms above maximum, clamped to %s", key, ms, max)
		return max
	}
	return v
}

// Helper functions

// envString returns QERRORS_<key> if set, else <key>, else def.
func envString(key, def string) string {
	if v := os.Getenv("QERRORS_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
