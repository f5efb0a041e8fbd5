package qerrors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/qerrors/telemetry"
)

// TestResponseWriter verifies write tracking: one status line, implicit
// 200, and idempotent wrapping.
func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrapWriter(rec)
	assert.Same(t, rw, wrapWriter(rw), "wrapping twice must not stack")

	assert.False(t, rw.Written())
	assert.Equal(t, 0, rw.Status())

	_, err := rw.Write([]byte("body"))
	require.NoError(t, err)
	assert.True(t, rw.Written())
	assert.Equal(t, http.StatusOK, rw.Status())

	rw.WriteHeader(http.StatusBadGateway)
	assert.Equal(t, http.StatusOK, rw.Status(), "second status line is ignored")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	rw = wrapWriter(rec)
	rw.WriteHeader(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, rw.Status())
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

// TestHandlerReportErrors verifies the POST /errors intake: shaping,
// validation and method guarding.
func TestHandlerReportErrors(t *testing.T) {
	e := newTestEngine(t)
	h := e.Handler()

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/errors", strings.NewReader(body))
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("reported error is shaped by its severity", func(t *testing.T) {
		rec := post(`{"name":"PaymentError","message":"card declined","severity":"medium"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		resp := decodeErrorResponse(t, rec.Body.String())
		assert.Equal(t, "PaymentError", resp.Error.Name)
		assert.Equal(t, "card declined", resp.Error.Message)
		assert.Equal(t, "medium", resp.Severity)
		assert.NotEmpty(t, resp.Error.RequestID)
	})

	t.Run("severity defaults from the classified kind", func(t *testing.T) {
		rec := post(`{"message":"something broke"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decodeErrorResponse(t, rec.Body.String())
		assert.Equal(t, "Error", resp.Error.Name, "missing name gets the generic one")
		assert.Equal(t, "high", resp.Severity)
	})

	t.Run("validation flavoured reports map to 400", func(t *testing.T) {
		rec := post(`{"name":"ValidationError","message":"field quantity is malformed"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeErrorResponse(t, rec.Body.String())
		assert.Equal(t, "medium", resp.Severity)
	})

	t.Run("invalid JSON is refused", func(t *testing.T) {
		rec := post(`{"message":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid JSON body")
	})

	t.Run("blank message is refused", func(t *testing.T) {
		rec := post(`{"name":"Error","message":"   "}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "message is required")
	})

	t.Run("only POST is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/errors", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	})
}

// TestHandlerHealth verifies the health endpoint payload and status code.
func TestHandlerHealth(t *testing.T) {
	e := newTestEngine(t)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var h telemetry.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "closed", h.Circuit.State)
	assert.Equal(t, 0, h.Queue.Length)
	assert.Equal(t, 200, h.Queue.Capacity)
	assert.GreaterOrEqual(t, h.UptimeMS, int64(0))
}

// TestHandlerMetrics verifies the JSON metrics snapshot serves live gauges.
func TestHandlerMetrics(t *testing.T) {
	e := newTestEngine(t, WithConfig(WithQueueLimit(7)))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var snap telemetry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, float64(7), snap.Gauges["queue.capacity"])
	assert.Equal(t, float64(0), snap.Gauges["queue.length"])
	assert.Contains(t, snap.Gauges, "circuit.state")
	assert.NotNil(t, snap.Counters)
	assert.NotNil(t, snap.Histograms)
}

// TestHandlerPrometheus verifies the bridge endpoint appears only when the
// bridge is enabled.
func TestHandlerPrometheus(t *testing.T) {
	e := newTestEngine(t, WithConfig(WithPrometheus()))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "qerrors_queue_capacity")
	assert.Contains(t, body, "qerrors_circuit_state")

	plain := newTestEngine(t)
	rec = httptest.NewRecorder()
	plain.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
