package risk

import (
	"testing"
	"time"

	"tickpipe-go/internal/signal"
)

func sig(dir signal.Direction, conf float64) signal.Signal {
	return signal.Signal{Symbol: "BTCUSDT", Ts: time.Now(), Direction: dir, Confidence: conf, Price: 100}
}

func TestCheckSignal(t *testing.T) {
	limits := Limits{MinConfidence: 0.6, AllowShort: false}
	cases := []struct {
		name    string
		s       signal.Signal
		current signal.Direction
		want    Reason
	}{
		{"accepted long", sig(signal.Long, 0.9), signal.Flat, ReasonNone},
		{"low confidence", sig(signal.Long, 0.5), signal.Flat, ReasonLowConfidence},
		{"short disabled", sig(signal.Short, 0.9), signal.Flat, ReasonShortDisabled},
		{"short closes long", sig(signal.Short, 0.9), signal.Long, ReasonNone},
		{"flat with nothing open", sig(signal.Flat, 0.9), signal.Flat, ReasonNothingToClose},
		{"flat closes", sig(signal.Flat, 0.9), signal.Long, ReasonNone},
		{"invalid", sig(signal.Long, 1.5), signal.Flat, ReasonInvalid},
	}
	for _, tc := range cases {
		if got := limits.CheckSignal(tc.s, tc.current); got != tc.want {
			t.Fatalf("%s: expected %q got %q", tc.name, tc.want, got)
		}
	}

	limits.AllowShort = true
	if got := limits.CheckSignal(sig(signal.Short, 0.9), signal.Flat); got != ReasonNone {
		t.Fatalf("expected short allowed, got %q", got)
	}
}

func TestAllowIncrease(t *testing.T) {
	limits := Limits{MaxPositionNotional: 50}
	if !limits.AllowIncrease(20, 29.9) {
		t.Fatalf("expected notional under limit to pass")
	}
	if limits.AllowIncrease(20, 30.1) {
		t.Fatalf("expected notional above limit to fail")
	}
	if !(Limits{}).AllowIncrease(1e9, 1e9) {
		t.Fatalf("zero max disables the cap")
	}
}

func TestTargetNotional(t *testing.T) {
	if got := (Limits{}).TargetNotional(100000, 0.05); got != 5000 {
		t.Fatalf("expected 5000, got %v", got)
	}
	if got := (Limits{MaxPositionNotional: 2000}).TargetNotional(100000, 0.05); got != 2000 {
		t.Fatalf("expected cap 2000, got %v", got)
	}
	if got := (Limits{}).TargetNotional(-5, 0.05); got != 0 {
		t.Fatalf("expected 0 for negative cash, got %v", got)
	}
}
