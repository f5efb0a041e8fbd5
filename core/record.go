package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strings"
	"time"
)

// Severity classifies how bad an error is. It maps to both the log level of
// the synchronous record and the HTTP status of the shaped response.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalises a severity string. Unknown values default to high.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	}
	return SeverityHigh
}

// HTTPStatus maps severity to the response status used when the error does
// not carry an explicit one.
func (s Severity) HTTPStatus() int {
	switch s {
	case SeverityLow, SeverityMedium:
		return 400
	}
	return 500
}

// ErrorKind is the coarse classification used to derive a default severity.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindNetwork
	KindValidation
	KindAuth
	KindTimeout
	KindRateLimit
	KindDatabase
	KindNotFound
)

// String returns the lowercase name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindDatabase:
		return "database"
	case KindNotFound:
		return "not_found"
	}
	return "generic"
}

// DefaultSeverity returns the severity assigned when the caller sets none.
func (k ErrorKind) DefaultSeverity() Severity {
	switch k {
	case KindValidation:
		return SeverityMedium
	case KindNotFound:
		return SeverityLow
	}
	return SeverityHigh
}

// ClassifyError maps a Go error onto an ErrorKind using its wrapped
// sentinels first, then its text.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return ClassifyName(fmt.Sprintf("%T", err), err.Error())
}

// ClassifyName maps an error name and message onto an ErrorKind. Used for
// records arriving over the wire, where only strings are available.
func ClassifyName(name, message string) ErrorKind {
	s := strings.ToLower(name + " " + message)
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return KindTimeout
	case strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests"):
		return KindRateLimit
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden") || strings.Contains(s, "auth"):
		return KindAuth
	case strings.Contains(s, "validation") || strings.Contains(s, "invalid") || strings.Contains(s, "malformed"):
		return KindValidation
	case strings.Contains(s, "not found") || strings.Contains(s, "no such"):
		return KindNotFound
	case strings.Contains(s, "sql") || strings.Contains(s, "database") || strings.Contains(s, "db error"):
		return KindDatabase
	case strings.Contains(s, "connection") || strings.Contains(s, "network") || strings.Contains(s, "refused") || strings.Contains(s, "dns"):
		return KindNetwork
	}
	return KindGeneric
}

// StatusFromError extracts an explicit HTTP status attached to an error, if
// any. Recognises the structured Error type and the common StatusCode()
// convention.
func StatusFromError(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code != 0 {
			return code, true
		}
	}
	var st interface{ HTTPStatus() int }
	if errors.As(err, &st) {
		if code := st.HTTPStatus(); code != 0 {
			return code, true
		}
	}
	return 0, false
}

// Fingerprint bounds: how much of the record participates in the hash.
const (
	fingerprintMessageBytes = 256
	fingerprintStackFrames  = 3
)

// ErrorRecord is the immutable unit handed to the analysis pipeline. Build
// it, compute its fingerprint, then treat it as read-only.
type ErrorRecord struct {
	Name      string                 `json:"name"`
	Message   string                 `json:"message"`
	Stack     []string               `json:"stack,omitempty"`
	Severity  Severity               `json:"severity"`
	Kind      ErrorKind              `json:"-"`
	RequestID string                 `json:"request_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	fingerprint string
}

// Fingerprint returns the 64-bit hex fingerprint of the record, computing
// and memoising it on first use. Intake paths call this once while they
// still exclusively own the record.
func (r *ErrorRecord) Fingerprint() string {
	if r.fingerprint == "" {
		r.fingerprint = ComputeFingerprint(r.Name, r.Message, r.Stack)
	}
	return r.fingerprint
}

// ComputeFingerprint hashes (name, message prefix, top stack frames) with
// FNV-1a 64. The unit separator keeps "ab"+"c" distinct from "a"+"bc".
// Deterministic across process restarts; collisions are tolerated.
func ComputeFingerprint(name, message string, stack []string) string {
	const sep = "\x1f"

	if len(message) > fingerprintMessageBytes {
		message = message[:fingerprintMessageBytes]
	}
	frames := stack
	if len(frames) > fingerprintStackFrames {
		frames = frames[:fingerprintStackFrames]
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte(sep))
	_, _ = h.Write([]byte(message))
	for _, f := range frames {
		_, _ = h.Write([]byte(sep))
		_, _ = h.Write([]byte(f))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
