package strategy

import (
	"fmt"

	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/window"
)

type zone int8

const (
	zoneOversold zone = iota - 1
	zoneNeutral
	zoneOverbought
)

// Momentum emits edge-triggered signals when the Wilder RSI enters the overbought or
// oversold zone: short on entering overbought, long on entering oversold.
type Momentum struct {
	period     int
	overbought float64
	oversold   float64
	span       float64
	series     map[string]*rsiSeries
}

type rsiSeries struct {
	prices  *window.Ring[float64] // last period+1 prices; seeds the averages
	avgGain float64
	avgLoss float64
	seeded  bool
	value   float64
	zone    zone
}

// NewMomentum builds an RSI strategy. Zero values fall back to 14 / 70 / 30 / 10.
func NewMomentum(period int, overbought, oversold, span float64) *Momentum {
	if period < 2 {
		period = 14
	}
	if overbought <= 0 {
		overbought = 70
	}
	if oversold <= 0 {
		oversold = 30
	}
	if span <= 0 {
		span = 10
	}
	return &Momentum{
		period:     period,
		overbought: overbought,
		oversold:   oversold,
		span:       span,
		series:     make(map[string]*rsiSeries),
	}
}

// OnTick updates the symbol's averages with the last trade price.
func (m *Momentum) OnTick(t signal.Tick) *signal.Signal {
	if t.Symbol == "" || t.Last <= 0 {
		return nil
	}
	s := m.series[t.Symbol]
	if s == nil {
		s = &rsiSeries{prices: window.New[float64](m.period + 1)}
		m.series[t.Symbol] = s
	}

	prev, hasPrev := s.prices.Last()
	s.prices.Push(t.Last)
	n := float64(m.period)
	switch {
	case s.seeded:
		gain, loss := split(t.Last - prev)
		s.avgGain = (s.avgGain*(n-1) + gain) / n
		s.avgLoss = (s.avgLoss*(n-1) + loss) / n
	case hasPrev && s.prices.Full():
		values := s.prices.Values()
		for i := 1; i < len(values); i++ {
			gain, loss := split(values[i] - values[i-1])
			s.avgGain += gain
			s.avgLoss += loss
		}
		s.avgGain /= n
		s.avgLoss /= n
		s.seeded = true
	default:
		return nil
	}

	s.value = rsi(s.avgGain, s.avgLoss)
	next := m.classify(s.value)
	entered := next != s.zone
	s.zone = next
	if !entered {
		return nil
	}

	switch next {
	case zoneOverbought:
		conf := clamp((s.value-m.overbought)/m.span, 0, 1)
		return newSignal(KindRSI, t, signal.Short, conf, fmt.Sprintf("rsi=%.2f above %.0f", s.value, m.overbought))
	case zoneOversold:
		conf := clamp((m.oversold-s.value)/m.span, 0, 1)
		return newSignal(KindRSI, t, signal.Long, conf, fmt.Sprintf("rsi=%.2f below %.0f", s.value, m.oversold))
	}
	return nil
}

// Value returns the latest RSI for symbol once the averages are seeded.
func (m *Momentum) Value(symbol string) (float64, bool) {
	s := m.series[symbol]
	if s == nil || !s.seeded {
		return 0, false
	}
	return s.value, true
}

// WindowLen returns the number of buffered prices for symbol.
func (m *Momentum) WindowLen(symbol string) int {
	if s := m.series[symbol]; s != nil {
		return s.prices.Len()
	}
	return 0
}

func (m *Momentum) classify(v float64) zone {
	switch {
	case v > m.overbought:
		return zoneOverbought
	case v < m.oversold:
		return zoneOversold
	}
	return zoneNeutral
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

// rsi saturates at 100 when there were no losses; a flat series reads neutral.
func rsi(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
