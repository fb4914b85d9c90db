package exchange

import (
	"math/rand"
	"time"
)

// Backoff computes jittered exponential reconnect delays.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay randomized in both directions, 0..1
}

// DefaultBackoff mirrors the delays used before a config override is applied.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 1.8,
		Jitter: 0.2,
	}
}

// Next returns the delay before reconnect attempt (1-based). The result never exceeds Max.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min, max, factor := b.Min, b.Max, b.Factor
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if factor < 1 {
		factor = 2
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= max || next <= 0 {
			wait = max
			break
		}
		wait = next
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return wait
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	out := wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	if out > max {
		out = max
	}
	return out
}
