package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/itsneelabh/qerrors/core"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthSource exposes the live readings health evaluation needs. The
// engine implements it; tests substitute fakes.
type HealthSource interface {
	QueueStats() (length, capacity int)
	CircuitState() string
	HeapUsedPercent() float64
}

// Health is the GET /health payload. Key casing is part of the wire
// contract existing scrapers depend on.
type Health struct {
	Status   string        `json:"status"`
	UptimeMS int64         `json:"uptimeMs"`
	Queue    QueueHealth   `json:"queue"`
	Circuit  CircuitHealth `json:"circuit"`
	Memory   MemoryHealth  `json:"memory"`
}

// QueueHealth reports analysis queue occupancy.
type QueueHealth struct {
	Length   int `json:"length"`
	Capacity int `json:"capacity"`
}

// CircuitHealth reports the upstream breaker state.
type CircuitHealth struct {
	State string `json:"state"`
}

// MemoryHealth reports heap pressure.
type MemoryHealth struct {
	HeapUsedPercent float64 `json:"heapUsedPercent"`
}

// Evaluate builds the current health view. Status degrades when the heap
// is critical or the breaker is open, both of which mean new analyses are
// being refused while the sync logging path keeps working.
func Evaluate(src HealthSource, start, now time.Time) Health {
	length, capacity := src.QueueStats()
	state := src.CircuitState()
	pct := src.HeapUsedPercent()

	status := StatusHealthy
	if state == "open" || core.PressureFromPercent(pct) >= core.PressureCritical {
		status = StatusDegraded
	}
	return Health{
		Status:   status,
		UptimeMS: now.Sub(start).Milliseconds(),
		Queue:    QueueHealth{Length: length, Capacity: capacity},
		Circuit:  CircuitHealth{State: state},
		Memory:   MemoryHealth{HeapUsedPercent: pct},
	}
}

// HealthHandler serves GET /health: 200 when healthy, 503 when degraded so
// probes can react without parsing the body.
func HealthHandler(src HealthSource, start time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := Evaluate(src, start, time.Now())
		w.Header().Set("Content-Type", "application/json")
		if h.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}
