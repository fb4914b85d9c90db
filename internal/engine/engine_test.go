package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/strategy"
	"tickpipe-go/internal/transport"
	"tickpipe-go/internal/wire"
)

var base = time.Unix(1_700_000_000, 0)

func bookTick(symbol string, seq int, at time.Duration) signal.Tick {
	return signal.Tick{
		Symbol: symbol, Seq: uint64(seq), Ts: base.Add(at),
		Last: 100, Bid: 99.9, Ask: 100.1, BidSize: 9, AskSize: 1,
	}
}

func obiOptions() Options {
	return Options{
		Mode:     "obi",
		Params:   strategy.Params{OBIWindow: 2, OBIThreshold: 0.3, OBIMinVolume: 1},
		Shards:   4,
		Cooldown: 10 * time.Second,
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	e, err := New(obiOptions(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	var emitted []*signal.Signal
	for i := 0; i < 6; i++ {
		if s := e.Process(bookTick("BTCUSDT", i+1, time.Duration(i)*time.Second)); s != nil {
			emitted = append(emitted, s)
		}
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one signal inside the cooldown, got %d", len(emitted))
	}
	if h := e.Health(); h.Counters["signals_suppressed"] != 4 {
		t.Fatalf("expected 4 suppressed, got %+v", h.Counters)
	}
	if s := e.Process(bookTick("BTCUSDT", 7, 11*time.Second)); s == nil {
		t.Fatalf("expected a signal once the cooldown elapsed")
	}
	// cooldown is per symbol
	e.Process(bookTick("ETHUSDT", 8, 0))
	if s := e.Process(bookTick("ETHUSDT", 9, time.Second)); s == nil {
		t.Fatalf("expected ETHUSDT to signal independently")
	}
}

func TestDropStaleReorderPolicy(t *testing.T) {
	opts := obiOptions()
	opts.Reorder = ReorderDropStale
	opts.Cooldown = 0
	e, err := New(opts, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	e.Process(bookTick("BTCUSDT", 5, 0))
	if s := e.Process(bookTick("BTCUSDT", 3, time.Second)); s != nil {
		t.Fatalf("stale tick must not complete the window")
	}
	if got := e.Health().Counters["ticks_stale"]; got != 1 {
		t.Fatalf("expected 1 stale tick, got %d", got)
	}
	if s := e.Process(bookTick("BTCUSDT", 6, 2*time.Second)); s == nil {
		t.Fatalf("expected signal from in-order tick")
	}
	// a restarted adapter starts over at 1
	g, _ := newOrderGuard(ReorderDropStale)
	g.accept(signal.Tick{Symbol: "X", Seq: 5000})
	if !g.accept(signal.Tick{Symbol: "X", Seq: 1}) {
		t.Fatalf("expected restart to be accepted")
	}

	arrival, _ := newOrderGuard(ReorderArrival)
	arrival.accept(signal.Tick{Symbol: "X", Seq: 9})
	if !arrival.accept(signal.Tick{Symbol: "X", Seq: 2}) {
		t.Fatalf("arrival policy accepts every tick")
	}
	if _, err := newOrderGuard("sorted"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestShardingIsStablePerSymbol(t *testing.T) {
	e, err := New(obiOptions(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "DOGEUSDT"} {
		if e.shardFor(sym) != e.shardFor(sym) {
			t.Fatalf("symbol %s moved between shards", sym)
		}
	}
	if e.shards[0].algo == e.shards[1].algo {
		t.Fatalf("shards must not share algorithm state")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(Options{Mode: "macd"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBroadcastsSignals(t *testing.T) {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer receiver.Close()

	out, err := transport.NewBroadcaster(transport.BroadcasterConfig{
		Stage: Stage, Listen: "127.0.0.1:0", Static: []string{receiver.LocalAddr().String()},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	e, err := New(obiOptions(), out, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, nil) }()

	frame, err := wire.EncodeTick(nil, bookTick("BTCUSDT", 1, 0))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, _, _ := wire.Peek(frame)
	if err := e.HandleFrame(h, frame); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	e.Submit(bookTick("BTCUSDT", 2, time.Second))

	buf := make([]byte, 2048)
	_ = receiver.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := receiver.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no signal datagram: %v", err)
	}
	sig, seq, err := wire.DecodeSignal(buf[:n])
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if seq != 1 || sig.Direction != signal.Long || sig.TickSeq != 2 || sig.Algorithm != "obi" {
		t.Fatalf("unexpected signal seq=%d %+v", seq, sig)
	}
	if err := e.HandleFrame(wire.Header{Kind: wire.KindSignal}, buf[:n]); err == nil {
		t.Fatalf("engine must reject non-tick frames")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}
