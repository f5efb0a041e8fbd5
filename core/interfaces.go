package core

import "context"

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// LevelSetter is implemented by loggers whose threshold can change at runtime.
type LevelSetter interface {
	SetLevel(level Level)
}

// Flusher is implemented by loggers that buffer entries. Flush blocks until
// previously accepted entries are written or the context is done.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Analyzer produces remediation advice for an error record. Implemented by
// the LLM client; tests substitute their own.
type Analyzer interface {
	Analyze(ctx context.Context, record *ErrorRecord) (*Advice, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
