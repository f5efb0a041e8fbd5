package qerrors

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/telemetry"
)

// closedAdvice is handed out whenever an async analysis was rejected:
// receiving from it yields (nil, false) immediately.
var closedAdvice = func() chan *core.Advice {
	ch := make(chan *core.Advice)
	close(ch)
	return ch
}()

// Middleware wraps next with request-id propagation and panic capture. A
// panicking handler becomes a critical error record and, when nothing was
// written yet, a shaped 500 response; the panic never escapes.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	if e == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrapWriter(w)
		reqID := requestID(r)
		r.Header.Set("X-Request-ID", reqID)
		defer func() {
			if v := recover(); v != nil {
				e.capture("HandlerPanic", panicValueError(v), rw, r, reqID, captureStack(3), core.SeverityCritical)
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// HandleHTTP captures err from inside a handler: one structured log line,
// a shaped response when the handler has not written yet, and an async
// analysis. Returns the record fingerprint for later GetAdvice probes.
func (e *Engine) HandleHTTP(err error, w http.ResponseWriter, r *http.Request) string {
	defer e.rescue("handle_http")
	if e == nil || err == nil || r == nil {
		return ""
	}
	return e.capture(errorName(err), err, wrapWriter(w), r, requestID(r), nil, "")
}

// Handle captures a non-HTTP error. contextStr names where it happened and
// lands in the record context; meta carries extra fields. Returns the
// record fingerprint.
func (e *Engine) Handle(err error, contextStr string, meta map[string]interface{}) string {
	defer e.rescue("handle")
	if e == nil || err == nil {
		return ""
	}
	rec := e.buildRecord(errorName(err), err, "", withContextField(meta, contextStr), captureStack(1), "")
	e.logRecord(rec)
	e.bus.Publish(telemetry.ErrorObserved{Severity: rec.Severity, Fingerprint: rec.Fingerprint()})
	e.schedule(rec, false)
	return rec.Fingerprint()
}

// AnalyzeAsync captures err and returns a channel that yields the advice
// when analysis completes. The channel closes without a value when the
// work was suppressed, rejected, timed out or analysis is disabled.
func (e *Engine) AnalyzeAsync(err error, meta map[string]interface{}) (ch <-chan *core.Advice) {
	ch = closedAdvice
	defer e.rescue("analyze_async")
	if e == nil || err == nil {
		return ch
	}
	rec := e.buildRecord(errorName(err), err, "", meta, captureStack(1), "")
	e.logRecord(rec)
	e.bus.Publish(telemetry.ErrorObserved{Severity: rec.Severity, Fingerprint: rec.Fingerprint()})
	if c := e.schedule(rec, true); c != nil {
		ch = c
	}
	return ch
}

// GetAdvice probes the advice cache by fingerprint. It never triggers an
// analysis.
func (e *Engine) GetAdvice(fingerprint string) (*core.Advice, bool) {
	if e == nil || fingerprint == "" {
		return nil, false
	}
	return e.pipeline.cached(fingerprint)
}

// capture is the funnel shared by every HTTP-path entry: build, log,
// count, respond, schedule.
func (e *Engine) capture(name string, err error, rw *responseWriter, r *http.Request, reqID string, stack []string, severity core.Severity) string {
	meta := map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
	}
	rec := e.buildRecord(name, err, reqID, meta, stack, severity)
	e.logRecord(rec)
	e.bus.Publish(telemetry.ErrorObserved{Severity: rec.Severity, Fingerprint: rec.Fingerprint()})
	e.respond(rw, r, rec, err)
	e.schedule(rec, false)
	return rec.Fingerprint()
}

// buildRecord sanitises inputs into an immutable ErrorRecord. An empty
// severity derives from the error kind.
func (e *Engine) buildRecord(name string, err error, reqID string, meta map[string]interface{}, stack []string, severity core.Severity) *core.ErrorRecord {
	kind := core.ClassifyError(err)
	if severity == "" {
		severity = kind.DefaultSeverity()
	}
	rec := &core.ErrorRecord{
		Name:      e.sanitizer.String(name),
		Message:   e.sanitizer.String(err.Error()),
		Stack:     stack,
		Severity:  severity,
		Kind:      kind,
		RequestID: reqID,
		Context:   e.sanitizer.Map(meta),
		Timestamp: e.now(),
	}
	rec.Fingerprint() // memoise while this goroutine still owns the record
	return rec
}

// logRecord writes the synchronous structured entry, level mapped from
// severity.
func (e *Engine) logRecord(rec *core.ErrorRecord) {
	fields := map[string]interface{}{
		"operation":   "error_captured",
		"name":        rec.Name,
		"severity":    string(rec.Severity),
		"kind":        rec.Kind.String(),
		"fingerprint": rec.Fingerprint(),
	}
	if rec.RequestID != "" {
		fields["request_id"] = rec.RequestID
	}
	if len(rec.Context) > 0 {
		fields["context"] = rec.Context
	}
	if len(rec.Stack) > 0 {
		fields["stack"] = rec.Stack
	}
	switch rec.Severity {
	case core.SeverityLow:
		e.log.Info(rec.Message, fields)
	case core.SeverityMedium:
		e.log.Warn(rec.Message, fields)
	default:
		e.log.Error(rec.Message, fields)
	}
}

// schedule enqueues analysis for a record. Suppression and queue
// rejections end the attempt quietly: the error itself is already logged.
// The returned channel is nil unless withResult was set and admission
// passed.
func (e *Engine) schedule(rec *core.ErrorRecord, withResult bool) <-chan *core.Advice {
	if !e.cfg.AnalysisEnabled() {
		return nil
	}
	fp := rec.Fingerprint()
	if !e.suppressor.Allow(fp) {
		e.bus.Publish(telemetry.Suppressed{Fingerprint: fp})
		e.log.Debug("Recurring error suppressed", map[string]interface{}{
			"operation":   "recurrence_suppressed",
			"fingerprint": fp,
		})
		return nil
	}
	item := e.pool.newItem(rec, withResult)
	if err := e.pool.Enqueue(item); err != nil {
		e.log.Debug("Analysis enqueue rejected", map[string]interface{}{
			"operation":   "queue_reject",
			"fingerprint": fp,
			"error":       err.Error(),
		})
		return nil
	}
	return item.result
}

// rescue swallows panics at public boundaries. qerrors must never take the
// host process down; a broken engine degrades to stderr.
func (e *Engine) rescue(op string) {
	v := recover()
	if v == nil {
		return
	}
	if e != nil {
		e.bus.Publish(telemetry.PanicRecovered{Op: op})
		e.log.Error("Recovered internal panic", map[string]interface{}{
			"operation": "panic_recovered",
			"op":        op,
			"panic":     fmt.Sprint(v),
			"stack":     string(debug.Stack()),
		})
		return
	}
	fmt.Fprintf(os.Stderr, "qerrors: recovered panic in %s: %v\n", op, v)
}

// requestID honours the inbound X-Request-ID or mints one.
func requestID(r *http.Request) string {
	if r != nil {
		if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 128 {
			return id
		}
	}
	return uuid.NewString()
}

// errorName derives the record's Name from the error's dynamic type, the
// closest Go has to the error-class names other runtimes report.
func errorName(err error) string {
	return strings.TrimLeft(fmt.Sprintf("%T", err), "*")
}

func panicValueError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}

func withContextField(meta map[string]interface{}, contextStr string) map[string]interface{} {
	if contextStr == "" {
		return meta
	}
	m := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m["context"] = contextStr
	return m
}

// captureStack renders the calling goroutine's frames, skipping the
// capture machinery itself, capped to keep records small.
func captureStack(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, n)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}
