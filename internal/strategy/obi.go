package strategy

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/window"
)

// Imbalance emits signals while the windowed order-book imbalance stays past the
// threshold and the book is deep enough. It is level-triggered; the engine cooldown
// rate-limits repeats.
type Imbalance struct {
	size      int
	threshold float64
	minVolume float64
	series    map[string]*obiSeries
}

type obiSeries struct {
	ratios *window.Ring[float64]
	depths *window.Ring[float64]
}

// NewImbalance builds an OBI strategy over the last size book observations.
func NewImbalance(size int, threshold, minVolume float64) *Imbalance {
	if size < 1 {
		size = 20
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.3
	}
	return &Imbalance{
		size:      size,
		threshold: threshold,
		minVolume: math.Max(0, minVolume),
		series:    make(map[string]*obiSeries),
	}
}

// OnTick records (bid-ask)/(bid+ask) for the top of book carried by t.
func (o *Imbalance) OnTick(t signal.Tick) *signal.Signal {
	if t.Symbol == "" {
		return nil
	}
	s := o.series[t.Symbol]
	if s == nil {
		s = &obiSeries{ratios: window.New[float64](o.size), depths: window.New[float64](o.size)}
		o.series[t.Symbol] = s
	}

	depth := t.BidSize + t.AskSize
	ratio := 0.0
	if depth > 0 {
		ratio = (t.BidSize - t.AskSize) / depth
	}
	s.ratios.Push(ratio)
	s.depths.Push(depth)
	if !s.ratios.Full() {
		return nil
	}

	avg, err := stats.Mean(s.ratios.Values())
	if err != nil {
		return nil
	}
	meanDepth, err := stats.Mean(s.depths.Values())
	if err != nil || meanDepth <= o.minVolume {
		return nil
	}

	var dir signal.Direction
	switch {
	case avg > o.threshold:
		dir = signal.Long
	case avg < -o.threshold:
		dir = signal.Short
	default:
		return nil
	}
	conf := clamp((math.Abs(avg)-o.threshold)/(1-o.threshold), 0, 1)
	return newSignal(KindOBI, t, dir, conf, fmt.Sprintf("obi=%.3f depth=%.2f", avg, meanDepth))
}

// WindowLen returns the number of buffered observations for symbol.
func (o *Imbalance) WindowLen(symbol string) int {
	if s := o.series[symbol]; s != nil {
		return s.ratios.Len()
	}
	return 0
}
