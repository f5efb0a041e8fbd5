package qerrors

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/itsneelabh/qerrors/core"
	"github.com/itsneelabh/qerrors/telemetry"
)

// maxReportBytes bounds the POST /errors body.
const maxReportBytes = 1 << 20

// responseWriter tracks whether a handler already wrote, so error shaping
// never stomps on a response in flight.
type responseWriter struct {
	http.ResponseWriter
	wrote  bool
	status int
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Written reports whether a status line has gone out.
func (w *responseWriter) Written() bool { return w.wrote }

// Status returns the status sent, or 0 before any write.
func (w *responseWriter) Status() int { return w.status }

// Flush passes through so wrapped streaming handlers keep working.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type errorBody struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type errorResponse struct {
	Error    errorBody `json:"error"`
	Severity string    `json:"severity"`
}

// respond finishes the request for a captured error unless the handler
// already wrote. The status honours an explicit one carried by the error,
// then maps from severity. Content negotiation: html when asked for and
// json was not, json otherwise.
func (e *Engine) respond(w *responseWriter, r *http.Request, rec *core.ErrorRecord, err error) {
	if w == nil || w.Written() {
		return
	}
	status := rec.Severity.HTTPStatus()
	if s, ok := core.StatusFromError(err); ok {
		status = s
	}
	if rec.RequestID != "" {
		w.Header().Set("X-Request-ID", rec.RequestID)
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, "<!doctype html>\n<html><body><h1>%s</h1><p>%s</p></body></html>\n",
			html.EscapeString(rec.Name), html.EscapeString(rec.Message))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Name:      rec.Name,
			Message:   rec.Message,
			RequestID: rec.RequestID,
		},
		Severity: string(rec.Severity),
	})
}

// Handler serves the engine's HTTP surface: POST /errors, GET /health,
// GET /metrics, and GET /metrics/prometheus when the bridge is enabled.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/errors", e.handleErrors)
	mux.Handle("/health", telemetry.HealthHandler(e, e.start))
	mux.HandleFunc("/metrics", e.handleMetrics)
	if e.prom != nil {
		mux.Handle("/metrics/prometheus", e.prom.Handler())
	}
	return mux
}

// errorReport is the POST /errors payload: an error captured by some other
// process or runtime, reported over the wire.
type errorReport struct {
	Name     string                 `json:"name"`
	Message  string                 `json:"message"`
	Stack    []string               `json:"stack,omitempty"`
	Severity string                 `json:"severity,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

func (e *Engine) handleErrors(w http.ResponseWriter, r *http.Request) {
	defer e.rescue("handle_errors")
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var report errorReport
	if err := json.NewDecoder(io.LimitReader(r.Body, maxReportBytes)).Decode(&report); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(report.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if report.Name == "" {
		report.Name = "Error"
	}

	rec := e.reportedRecord(report, requestID(r))
	e.logRecord(rec)
	e.bus.Publish(telemetry.ErrorObserved{Severity: rec.Severity, Fingerprint: rec.Fingerprint()})
	e.respond(wrapWriter(w), r, rec, nil)
	e.schedule(rec, false)
}

// reportedRecord builds a record from a wire report. Unlike buildRecord it
// trusts the reporter's name, stack and severity, after sanitising.
func (e *Engine) reportedRecord(report errorReport, reqID string) *core.ErrorRecord {
	kind := core.ClassifyName(report.Name, report.Message)
	severity := kind.DefaultSeverity()
	if report.Severity != "" {
		severity = core.ParseSeverity(report.Severity)
	}
	stack := report.Stack
	if len(stack) > 32 {
		stack = stack[:32]
	}
	clean := make([]string, len(stack))
	for i := range stack {
		clean[i] = e.sanitizer.String(stack[i])
	}
	rec := &core.ErrorRecord{
		Name:      e.sanitizer.String(report.Name),
		Message:   e.sanitizer.String(report.Message),
		Stack:     clean,
		Severity:  severity,
		Kind:      kind,
		RequestID: reqID,
		Context:   e.sanitizer.Map(report.Context),
		Timestamp: e.now(),
	}
	rec.Fingerprint()
	return rec
}

func (e *Engine) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(e.metrics.Snapshot())
}
