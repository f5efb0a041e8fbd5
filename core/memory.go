package core

import (
	"runtime"
	"sync"
	"time"
)

// PressureLevel buckets heap usage into the tiers admission control acts on.
type PressureLevel int

const (
	PressureLow PressureLevel = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

// String returns the lowercase tier name.
func (p PressureLevel) String() string {
	switch p {
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	}
	return "low"
}

// Heap usage tier boundaries, percent of HeapSys currently allocated.
const (
	pressureMediumPct   = 60
	pressureHighPct     = 75
	pressureCriticalPct = 90
)

// PressureFromPercent maps a heap usage percentage onto a tier.
func PressureFromPercent(pct float64) PressureLevel {
	switch {
	case pct < pressureMediumPct:
		return PressureLow
	case pct < pressureHighPct:
		return PressureMedium
	case pct < pressureCriticalPct:
		return PressureHigh
	}
	return PressureCritical
}

// HeapUsedPercent samples the runtime heap: allocated bytes over the bytes
// obtained from the OS for the heap.
func HeapUsedPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
}

// MemoryMonitor serves heap pressure readings with a short cache.
// ReadMemStats briefly stops the world and admission control asks on every
// enqueue, so raw sampling per call would be its own pressure source.
type MemoryMonitor struct {
	mu       sync.Mutex
	interval time.Duration
	lastAt   time.Time
	lastPct  float64

	read func() float64
	now  func() time.Time
}

// NewMemoryMonitor builds a monitor that resamples at most once per
// interval (default one second).
func NewMemoryMonitor(interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &MemoryMonitor{
		interval: interval,
		read:     HeapUsedPercent,
		now:      time.Now,
	}
}

// Percent returns the cached heap usage percentage, resampling when stale.
func (m *MemoryMonitor) Percent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lastAt.IsZero() || now.Sub(m.lastAt) >= m.interval {
		m.lastPct = m.read()
		m.lastAt = now
	}
	return m.lastPct
}

// Level returns the pressure tier for the current reading.
func (m *MemoryMonitor) Level() PressureLevel {
	return PressureFromPercent(m.Percent())
}
