package engine

import "time"

// Cooldown suppresses repeat signals for a symbol inside a fixed interval measured on
// tick event time, so replays and live runs behave the same.
type Cooldown struct {
	interval time.Duration
	last     map[string]time.Time
}

// NewCooldown returns a limiter; a non-positive interval allows everything.
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether symbol may emit at ts and, if so, records the emission.
func (c *Cooldown) Allow(symbol string, ts time.Time) bool {
	if c.interval <= 0 {
		return true
	}
	if last, ok := c.last[symbol]; ok && ts.Sub(last) < c.interval {
		return false
	}
	c.last[symbol] = ts
	return true
}
