// Package risk holds the pre-trade checks applied to every signal the simulator sees.
package risk

import "tickpipe-go/internal/signal"

// Reason labels why a signal was rejected. The zero value means accepted.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalid          Reason = "invalid_signal"
	ReasonLowConfidence    Reason = "low_confidence"
	ReasonShortDisabled    Reason = "short_disabled"
	ReasonPositionLimit    Reason = "position_limit"
	ReasonNoPrice          Reason = "no_price"
	ReasonInsufficientCash Reason = "insufficient_cash"
	ReasonNothingToClose   Reason = "nothing_to_close"
	ReasonHalted           Reason = "halted"
)

// Limits are the startup-bound trading rules.
type Limits struct {
	MinConfidence       float64
	AllowShort          bool
	MaxPositionNotional float64 // 0 disables the cap
}

const epsilon = 1e-9

// CheckSignal applies the rules that depend only on the signal and the symbol's current
// side. A short against an open long is a close and always passes the shorting rule.
func (l Limits) CheckSignal(s signal.Signal, current signal.Direction) Reason {
	if s.Validate() != nil {
		return ReasonInvalid
	}
	if s.Confidence < l.MinConfidence {
		return ReasonLowConfidence
	}
	switch s.Direction {
	case signal.Short:
		if !l.AllowShort && current != signal.Long {
			return ReasonShortDisabled
		}
	case signal.Flat:
		if current == signal.Flat {
			return ReasonNothingToClose
		}
	}
	return ReasonNone
}

// AllowIncrease reports whether adding notional to an existing exposure stays inside
// the maximum position size.
func (l Limits) AllowIncrease(existing, add float64) bool {
	if l.MaxPositionNotional <= 0 {
		return true
	}
	return existing+add <= l.MaxPositionNotional+epsilon
}

// TargetNotional sizes a new position: a percentage of cash, capped by the maximum.
func (l Limits) TargetNotional(cash, sizePct float64) float64 {
	target := cash * sizePct
	if l.MaxPositionNotional > 0 && target > l.MaxPositionNotional {
		target = l.MaxPositionNotional
	}
	if target < 0 {
		return 0
	}
	return target
}
