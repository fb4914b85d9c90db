// Package signal standardizes payloads shared between data ingestion, strategy, and simulation layers.
package signal

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalid marks a record that failed schema validation.
var ErrInvalid = errors.New("invalid record")

// Tick models one normalized market-data observation for a symbol.
type Tick struct {
	Symbol  string
	Seq     uint64    // adapter sequence, strictly increasing per adapter process
	Ts      time.Time // exchange event time (wall clock)
	Mono    int64     // nanoseconds since adapter start, monotonic clock
	Last    float64
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
	Volume  float64
}

// Validate reports whether the tick carries a usable observation.
func (t Tick) Validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("%w: tick symbol empty", ErrInvalid)
	}
	if !finite(t.Last) || t.Last <= 0 {
		return fmt.Errorf("%w: tick %s last price %v", ErrInvalid, t.Symbol, t.Last)
	}
	for _, v := range []float64{t.Bid, t.Ask, t.BidSize, t.AskSize, t.Volume} {
		if !finite(v) || v < 0 {
			return fmt.Errorf("%w: tick %s has negative or non-finite book field", ErrInvalid, t.Symbol)
		}
	}
	if t.Bid > 0 && t.Ask > 0 && t.Bid > t.Ask {
		return fmt.Errorf("%w: tick %s crossed book bid=%v ask=%v", ErrInvalid, t.Symbol, t.Bid, t.Ask)
	}
	return nil
}

// Mid returns the book midpoint, falling back to the last trade price.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Direction is the trading bias carried by a signal.
type Direction uint8

const (
	// Flat asks the simulator to close any open position.
	Flat Direction = iota
	// Long asks for a long position.
	Long
	// Short asks for a short position.
	Short
)

func (d Direction) String() string {
	switch d {
	case Flat:
		return "flat"
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool { return d <= Short }

// ParseDirection converts a textual direction into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flat", "none":
		return Flat, nil
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return Flat, fmt.Errorf("unknown direction %q", s)
}

// MarshalText keeps JSON payloads readable.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses the textual form written by MarshalText.
func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Signal expresses a directional recommendation produced by a strategy.
type Signal struct {
	ID         string // correlation id, unique per emitted signal
	Symbol     string
	Ts         time.Time
	Direction  Direction
	Confidence float64 // 0..1
	Algorithm  string
	Price      float64 // reference price of the tick that triggered the signal
	TickSeq    uint64  // sequence of the triggering tick
	Reason     string
}

// Validate reports whether the signal satisfies the record schema.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: signal symbol empty", ErrInvalid)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: signal %s direction %d", ErrInvalid, s.Symbol, s.Direction)
	}
	if !finite(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: signal %s confidence %v outside [0,1]", ErrInvalid, s.Symbol, s.Confidence)
	}
	if !finite(s.Price) || s.Price < 0 {
		return fmt.Errorf("%w: signal %s price %v", ErrInvalid, s.Symbol, s.Price)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
