package core

import (
	"encoding/json"
	"math"
	"time"
)

// Remediation is a short string or an ordered list of steps. The upstream
// model returns either shape; both unmarshal cleanly.
type Remediation []string

// UnmarshalJSON accepts a bare string or an array of strings.
func (r *Remediation) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = Remediation{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*r = Remediation(list)
	return nil
}

// MarshalJSON emits a bare string for single-step remediations and an array
// otherwise, preserving the wire shape callers sent or received.
func (r Remediation) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// String joins the steps for log output.
func (r Remediation) String() string {
	switch len(r) {
	case 0:
		return ""
	case 1:
		return r[0]
	}
	out := r[0]
	for _, step := range r[1:] {
		out += "; " + step
	}
	return out
}

// Advice is the model-produced diagnosis and remediation for a fingerprint.
// Immutable once parsed; shared read-only out of the cache.
type Advice struct {
	Diagnosis   string      `json:"diagnosis"`
	Remediation Remediation `json:"remediation"`
	Confidence  *float64    `json:"confidence,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
	Model       string      `json:"model,omitempty"`
	Cached      bool        `json:"cached,omitempty"`

	size int
}

// Size returns the serialised byte size charged against cache budgets,
// computed once and memoised.
func (a *Advice) Size() int {
	if a.size == 0 {
		data, err := json.Marshal(a)
		if err != nil {
			// Treat unserialisable advice as oversized so it is never cached.
			a.size = math.MaxInt32
			return a.size
		}
		a.size = len(data)
	}
	return a.size
}

// FallbackAdvice is the stub substituted when analysis is unavailable.
// Never cached.
func FallbackAdvice() *Advice {
	return &Advice{
		Diagnosis:   "analysis unavailable",
		Remediation: Remediation{"see logs"},
		GeneratedAt: time.Now(),
	}
}
