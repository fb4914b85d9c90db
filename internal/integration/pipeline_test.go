package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickpipe-go/internal/bus"
	"tickpipe-go/internal/distributor"
	"tickpipe-go/internal/engine"
	"tickpipe-go/internal/exchange"
	"tickpipe-go/internal/risk"
	"tickpipe-go/internal/simulator"
	"tickpipe-go/internal/strategy"
	"tickpipe-go/internal/transport"
)

func ticker(price float64, at time.Time) []byte {
	return []byte(fmt.Sprintf(
		`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":%d,"s":"BTCUSDT","c":"%.2f","b":"%.2f","B":"2","a":"%.2f","A":"2","v":"100"}}`,
		at.UnixMilli(), price, price-0.5, price+0.5))
}

// The feed drops its session after three ticks. The engine must keep its RSI window
// across the reconnect, so the fifth tick overall (the second after reconnecting)
// completes a period-4 window and fires.
func TestPipelineSurvivesFeedReconnect(t *testing.T) {
	ready := make(chan struct{})
	var sessions atomic.Int32
	start := time.Unix(1_700_000_000, 0)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-ready
		session := int(sessions.Add(1))
		for i := 0; i < 3; i++ {
			n := (session-1)*3 + i
			_ = conn.WriteMessage(websocket.TextMessage, ticker(100+float64(n), start.Add(time.Duration(n)*time.Second)))
			time.Sleep(20 * time.Millisecond)
		}
		if session == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := zerolog.Nop()

	feed := exchange.NewFeed(exchange.ProviderBinance, []string{"BTCUSDT"}, log,
		exchange.WithBaseURL("ws"+strings.TrimPrefix(server.URL, "http")),
		exchange.WithBackoff(exchange.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}),
	)
	tickOut, err := transport.NewBroadcaster(transport.BroadcasterConfig{Stage: distributor.Stage, Listen: "127.0.0.1:0"}, log)
	if err != nil {
		t.Fatalf("tick broadcaster: %v", err)
	}
	dist := distributor.New(feed, tickOut, distributor.Options{RunID: "it"}, log)

	tickIn, err := transport.NewSubscriber(transport.SubscriberConfig{
		Stage: engine.Stage, Listen: "127.0.0.1:0", Publisher: tickOut.Addr().String(), Refresh: 50 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatalf("tick subscriber: %v", err)
	}
	signalOut, err := transport.NewBroadcaster(transport.BroadcasterConfig{Stage: engine.Stage, Listen: "127.0.0.1:0"}, log)
	if err != nil {
		t.Fatalf("signal broadcaster: %v", err)
	}
	eng, err := engine.New(engine.Options{
		RunID:  "it",
		Mode:   "rsi",
		Params: strategy.Params{RSIPeriod: 4},
		Shards: 2,
	}, signalOut, log)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	signalIn, err := transport.NewSubscriber(transport.SubscriberConfig{
		Stage: simulator.Stage, Listen: "127.0.0.1:0", Publisher: signalOut.Addr().String(), Refresh: 50 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatalf("signal subscriber: %v", err)
	}
	local := bus.NewLocal()
	stats := make(chan simulator.Stats, 64)
	if err := local.Subscribe(bus.StatsTopic("tickpipe", "it"), func(_ string, payload []byte) {
		var s simulator.Stats
		if json.Unmarshal(payload, &s) != nil {
			return
		}
		select {
		case stats <- s:
		default:
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sim := simulator.New(simulator.Options{
		RunID:           "it",
		InitialCapital:  100000,
		PositionSizePct: 0.05,
		FeePct:          0.001,
		Limits:          risk.Limits{MinConfidence: 0.5, AllowShort: true},
		Heartbeat:       time.Hour,
		TopicPrefix:     "tickpipe",
	}, local, log)

	errs := make(chan error, 3)
	go func() { errs <- dist.Run(ctx) }()
	go func() { errs <- eng.Run(ctx, tickIn) }()
	go func() { errs <- sim.Run(ctx, signalIn, nil) }()

	deadline := time.Now().Add(3 * time.Second)
	for tickOut.Stats().Subscribers < 1 || signalOut.Stats().Subscribers < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stages never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(ready)

	var got simulator.Stats
wait:
	for {
		select {
		case s := <-stats:
			if s.TradeCount > 0 {
				got = s
				break wait
			}
		case <-ctx.Done():
			t.Fatalf("no trade reached the simulator")
		}
	}

	if len(got.OpenPositions) != 1 {
		t.Fatalf("expected one open position, got %+v", got.OpenPositions)
	}
	pos := got.OpenPositions[0]
	if pos.Side != "short" || pos.AvgEntry != 104 {
		t.Fatalf("expected short opened at 104 after the reconnect, got %+v", pos)
	}
	if st := feed.State(); st.Reconnects < 1 {
		t.Fatalf("expected the feed to reconnect, got %+v", st)
	}
	if h := eng.Health(); h.Counters["signals_emitted"] != 1 {
		t.Fatalf("expected one signal, got %+v", h.Counters)
	}

	cancel()
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("stage returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("stage did not stop")
		}
	}
}
