package signal

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTickValidate(t *testing.T) {
	ok := Tick{Symbol: "BTCUSDT", Last: 100, Bid: 99.5, Ask: 100.5, BidSize: 1, AskSize: 2, Ts: time.Now()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid tick, got %v", err)
	}

	cases := map[string]Tick{
		"empty symbol": {Last: 1},
		"zero price":   {Symbol: "X", Last: 0},
		"nan price":    {Symbol: "X", Last: math.NaN()},
		"negative bid": {Symbol: "X", Last: 1, Bid: -1},
		"crossed book": {Symbol: "X", Last: 1, Bid: 2, Ask: 1},
	}
	for name, tk := range cases {
		if err := tk.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestTickMid(t *testing.T) {
	if got := (Tick{Last: 10, Bid: 9, Ask: 11}).Mid(); got != 10 {
		t.Fatalf("expected mid 10, got %v", got)
	}
	if got := (Tick{Last: 7}).Mid(); got != 7 {
		t.Fatalf("expected fallback to last, got %v", got)
	}
}

func TestSignalValidate(t *testing.T) {
	sig := Signal{Symbol: "ETHUSDT", Direction: Long, Confidence: 0.4, Price: 10}
	if err := sig.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig.Confidence = 1.2
	if err := sig.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected confidence error, got %v", err)
	}
	sig.Confidence = 0.5
	sig.Direction = Direction(9)
	if err := sig.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected direction error, got %v", err)
	}
}

func TestDirectionText(t *testing.T) {
	for _, d := range []Direction{Flat, Long, Short} {
		text, _ := d.MarshalText()
		var back Direction
		if err := back.UnmarshalText(text); err != nil || back != d {
			t.Fatalf("round trip failed for %s: %v", d, err)
		}
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Fatalf("expected parse error")
	}
}
