// Package strategy contains the signal generation algorithms evaluated per tick.
//
// The variant set is closed: an Algorithm is either the momentum oscillator (RSI) or the
// order-book imbalance (OBI) and dispatches on its kind. An Algorithm keeps per-symbol
// windows and is not safe for concurrent use; every engine shard builds its own.
package strategy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tickpipe-go/internal/signal"
)

// Kind selects the algorithm variant.
type Kind uint8

const (
	KindRSI Kind = iota + 1
	KindOBI
)

func (k Kind) String() string {
	switch k {
	case KindRSI:
		return "rsi"
	case KindOBI:
		return "obi"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps configured mode names (and their aliases) to a Kind.
func ParseKind(mode string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "rsi", "momentum":
		return KindRSI, nil
	case "obi", "imbalance":
		return KindOBI, nil
	}
	return 0, fmt.Errorf("unknown strategy mode %q", mode)
}

// Params expresses tunable knobs required by the algorithm constructors.
type Params struct {
	RSIPeriod         int
	RSIOverbought     float64
	RSIOversold       float64
	RSIConfidenceSpan float64 // RSI points past the threshold that map to confidence 1
	OBIWindow         int
	OBIThreshold      float64
	OBIMinVolume      float64
}

// Algorithm is the closed sum of supported variants.
type Algorithm struct {
	kind Kind
	rsi  *Momentum
	obi  *Imbalance
}

// Build returns the algorithm matching the configured mode.
func Build(mode string, params Params) (*Algorithm, error) {
	kind, err := ParseKind(mode)
	if err != nil {
		return nil, err
	}
	a := &Algorithm{kind: kind}
	switch kind {
	case KindRSI:
		a.rsi = NewMomentum(params.RSIPeriod, params.RSIOverbought, params.RSIOversold, params.RSIConfidenceSpan)
	case KindOBI:
		a.obi = NewImbalance(params.OBIWindow, params.OBIThreshold, params.OBIMinVolume)
	}
	return a, nil
}

// Kind reports the active variant.
func (a *Algorithm) Kind() Kind { return a.kind }

// Name returns the algorithm identifier stamped on emitted signals.
func (a *Algorithm) Name() string { return a.kind.String() }

// Evaluate folds t into the symbol's window and returns a signal when the variant's
// condition fires. Insufficient history yields nil.
func (a *Algorithm) Evaluate(t signal.Tick) *signal.Signal {
	switch a.kind {
	case KindRSI:
		return a.rsi.OnTick(t)
	case KindOBI:
		return a.obi.OnTick(t)
	}
	return nil
}

// WindowLen returns how many observations the symbol's window currently holds.
func (a *Algorithm) WindowLen(symbol string) int {
	switch a.kind {
	case KindRSI:
		return a.rsi.WindowLen(symbol)
	case KindOBI:
		return a.obi.WindowLen(symbol)
	}
	return 0
}

func newSignal(kind Kind, t signal.Tick, dir signal.Direction, confidence float64, reason string) *signal.Signal {
	return &signal.Signal{
		ID:         uuid.NewString(),
		Symbol:     t.Symbol,
		Ts:         t.Ts,
		Direction:  dir,
		Confidence: confidence,
		Algorithm:  kind.String(),
		Price:      t.Last,
		TickSeq:    t.Seq,
		Reason:     reason,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
