package core

import "sync"

// Ring is a fixed-capacity circular sample buffer. Push never fails: once
// the buffer is full new samples overwrite the oldest. It is the rolling
// window behind latency percentiles, where losing old samples is the point.
type Ring struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

// NewRing builds a ring holding up to capacity samples (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push records a sample, evicting the oldest when full.
func (r *Ring) Push(v float64) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns the number of live samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Capacity returns the fixed buffer size.
func (r *Ring) Capacity() int { return len(r.buf) }

// Snapshot copies the live samples out, oldest first. The copy is the
// caller's to sort or mutate.
func (r *Ring) Snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]float64, len(r.buf))
	n := copy(out, r.buf[r.next:])
	copy(out[n:], r.buf[:r.next])
	return out
}

// Reset drops every sample.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.next = 0
	r.full = false
	r.mu.Unlock()
}
