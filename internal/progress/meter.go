// Package progress measures the throughput of an open-ended transfer such as
// a file dump whose final size is not known up front.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a meter.
type Stats struct {
	Bytes     int64
	Chunks    int
	StartedAt time.Time
	Elapsed   time.Duration
	RateBps   float64 // smoothed
	AvgBps    float64
}

// Meter tracks bytes received and a smoothed rate.
type Meter struct {
	mu        sync.Mutex
	bytes     int64
	chunks    int
	startedAt time.Time
	lastAt    time.Time
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter started now.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter using a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Meter{alpha: 0.2, now: now, startedAt: start, lastAt: start}
}

// Add records a chunk of n bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.bytes += int64(n)
	m.chunks++
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(n) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.now().Sub(m.startedAt)
	stats := Stats{
		Bytes:     m.bytes,
		Chunks:    m.chunks,
		StartedAt: m.startedAt,
		Elapsed:   elapsed,
		RateBps:   m.rateBps,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.AvgBps = float64(m.bytes) / secs
	}
	return stats
}
