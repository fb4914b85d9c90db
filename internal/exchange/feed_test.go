package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickpipe-go/internal/signal"
)

const tickerPayload = `{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","p":"10.0","c":"50000.5","Q":"0.01","b":"50000.0","B":"3.5","a":"50001.0","A":"1.5","o":"49000","h":"51000","l":"48000","v":"1234.5","q":"61000000","O":1699913600000,"C":1700000000000,"F":1,"L":2,"n":2}}`

func TestFeedRunEmitsTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewFeed(ProviderStub, []string{"btcusdt", "ETHUSDT"}, zerolog.Nop(), WithStubInterval(5*time.Millisecond))
	ticks := make(chan signal.Tick, 16)

	go func() {
		_ = feed.Run(ctx, ticks)
	}()

	var last uint64
	for i := 0; i < 4; i++ {
		select {
		case tk := <-ticks:
			if tk.Symbol != "BTCUSDT" && tk.Symbol != "ETHUSDT" {
				t.Fatalf("unexpected symbol %s", tk.Symbol)
			}
			if err := tk.Validate(); err != nil {
				t.Fatalf("stub tick invalid: %v", err)
			}
			if tk.Seq <= last {
				t.Fatalf("sequence not increasing: %d after %d", tk.Seq, last)
			}
			last = tk.Seq
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}
	if !feed.State().Connected {
		t.Fatalf("stub feed should report connected while running")
	}
}

func TestEmitDropsNewestWhenFull(t *testing.T) {
	feed := NewFeed(ProviderStub, []string{"BTCUSDT"}, zerolog.Nop())
	out := make(chan signal.Tick, 1)
	first := signal.Tick{Symbol: "BTCUSDT", Last: 1}
	second := signal.Tick{Symbol: "BTCUSDT", Last: 2}

	if !feed.emit(out, first) {
		t.Fatalf("first tick should be queued")
	}
	if feed.emit(out, second) {
		t.Fatalf("second tick should be dropped")
	}
	if got := <-out; got.Last != 1 {
		t.Fatalf("expected the older tick to survive, got %+v", got)
	}
	if feed.emit(out, signal.Tick{Symbol: "BTCUSDT"}) {
		t.Fatalf("zero-price tick should be rejected")
	}
	st := feed.State()
	if st.Dropped != 1 || st.Malformed != 1 || st.Emitted != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestParseBinanceTicker(t *testing.T) {
	tick, err := parseBinanceTicker([]byte(tickerPayload))
	if err != nil {
		t.Fatalf("parseBinanceTicker returned error: %v", err)
	}
	if tick.Symbol != "BTCUSDT" || tick.Last != 50000.5 || tick.Bid != 50000 || tick.Ask != 50001 {
		t.Fatalf("unexpected prices: %+v", tick)
	}
	if tick.BidSize != 3.5 || tick.AskSize != 1.5 || tick.Volume != 1234.5 {
		t.Fatalf("unexpected sizes: %+v", tick)
	}
	if !tick.Ts.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected event time %v", tick.Ts)
	}

	if _, err := parseBinanceTicker([]byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"1"}}`)); !errors.Is(err, errMissingField) {
		t.Fatalf("expected missing field error, got %v", err)
	}
	if _, err := parseBinanceTicker([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseBinanceSymbol(t *testing.T) {
	cases := map[string]string{
		"btcusdt@ticker":   "BTCUSDT",
		"ethusdt@aggTrade": "ETHUSDT",
		"dogeusdt":         "DOGEUSDT",
		"":                 "",
	}
	for stream, expected := range cases {
		if got := parseBinanceSymbol(stream); got != expected {
			t.Fatalf("expected %s got %s", expected, got)
		}
	}
}

func TestStreamURL(t *testing.T) {
	got := StreamURL("ws://host/", []string{"BTCUSDT", "ETHUSDT"})
	if got != "ws://host/stream?streams=btcusdt@ticker/ethusdt@ticker" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestBinanceReconnectsAfterDisconnect(t *testing.T) {
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "btcusdt@ticker") {
			http.Error(w, "bad streams", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{garbage"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tickerPayload))
		if n == 1 {
			return // drop the first session
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewFeed(ProviderBinance, []string{"BTCUSDT"}, zerolog.Nop(),
		WithBaseURL("ws"+strings.TrimPrefix(server.URL, "http")),
		WithBackoff(Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}),
	)
	ticks := make(chan signal.Tick, 8)
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, ticks) }()

	for i := 0; i < 2; i++ {
		select {
		case tk := <-ticks:
			if tk.Seq != uint64(i+1) {
				t.Fatalf("expected seq %d, got %d", i+1, tk.Seq)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i)
		}
	}

	st := feed.State()
	if st.Reconnects < 1 || st.Malformed < 2 {
		t.Fatalf("expected reconnect and malformed counts, got %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("feed did not stop after cancel")
	}
	if feed.State().Connected {
		t.Fatalf("feed should report disconnected after shutdown")
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Next(i + 1); got != w*time.Millisecond {
			t.Fatalf("attempt %d: expected %v got %v", i+1, w*time.Millisecond, got)
		}
	}

	b.Jitter = 0.5
	for i := 0; i < 100; i++ {
		got := b.Next(2)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
		if got := b.Next(10); got > b.Max {
			t.Fatalf("delay exceeded max: %v", got)
		}
	}
}

func TestNewFeedNormalizesSymbols(t *testing.T) {
	feed := NewFeed(ProviderStub, []string{" ethusdt", "BTCUSDT", "btcusdt", ""}, zerolog.Nop())
	got := strings.Join(feed.snapshotSymbols(), ",")
	if got != "BTCUSDT,ETHUSDT" {
		t.Fatalf("unexpected symbols %s", got)
	}
}
