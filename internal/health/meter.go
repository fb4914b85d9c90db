package health

import (
	"sync"
	"time"
)

// Meter counts events in one-second buckets over a trailing window.
type Meter struct {
	mu      sync.Mutex
	counts  []uint64
	seconds []int64
	now     func() time.Time
}

// NewMeter builds a meter covering window (rounded to whole seconds, minimum 1s).
func NewMeter(window time.Duration) *Meter {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &Meter{
		counts:  make([]uint64, n),
		seconds: make([]int64, n),
		now:     time.Now,
	}
}

// Mark records n events at the current time.
func (m *Meter) Mark(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.now().Unix()
	idx := int(sec % int64(len(m.counts)))
	if m.seconds[idx] != sec {
		m.seconds[idx] = sec
		m.counts[idx] = 0
	}
	m.counts[idx] += n
}

// Rate returns events per second averaged over the window.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().Unix()
	oldest := now - int64(len(m.counts)) + 1
	var total uint64
	for i, sec := range m.seconds {
		if sec >= oldest && sec <= now {
			total += m.counts[i]
		}
	}
	return float64(total) / float64(len(m.counts))
}
