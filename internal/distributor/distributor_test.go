package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/exchange"
	"tickpipe-go/internal/health"
	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/transport"
	"tickpipe-go/internal/wire"
)

func TestDistributorFansOutStubTicks(t *testing.T) {
	feed := exchange.NewFeed(exchange.ProviderStub, []string{"BTCUSDT"}, zerolog.Nop(),
		exchange.WithStubInterval(5*time.Millisecond))
	bc, err := transport.NewBroadcaster(transport.BroadcasterConfig{Stage: Stage, Listen: "127.0.0.1:0"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	d := New(feed, bc, Options{RunID: "run-1", QueueSize: 16}, zerolog.Nop())

	if got := d.Health(); got.Status != health.StatusDown {
		t.Fatalf("expected down before the feed starts, got %s", got.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sub, err := transport.NewSubscriber(transport.SubscriberConfig{
		Stage: "engine", Listen: "127.0.0.1:0", Publisher: bc.Addr().String(), Refresh: 50 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	ticks := make(chan signal.Tick, 64)
	go func() {
		_ = sub.Run(ctx, func(h wire.Header, frame []byte) error {
			tk, err := wire.DecodeTick(frame)
			if err != nil {
				return err
			}
			select {
			case ticks <- tk:
			default:
			}
			return nil
		})
	}()

	select {
	case tk := <-ticks:
		if tk.Symbol != "BTCUSDT" || tk.Seq == 0 {
			t.Fatalf("unexpected tick %+v", tk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tick reached the subscriber")
	}

	report := d.Health()
	if report.Status != health.StatusOK {
		t.Fatalf("expected ok while streaming, got %+v", report)
	}
	if report.Counters["subscribers"] != 1 || report.Counters["frames_sent"] == 0 {
		t.Fatalf("unexpected counters %+v", report.Counters)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("distributor did not stop")
	}
}

func TestDistributorSurfacesFeedFailure(t *testing.T) {
	feed := exchange.NewFeed(exchange.ProviderBinance, nil, zerolog.Nop())
	bc, err := transport.NewBroadcaster(transport.BroadcasterConfig{Stage: Stage, Listen: "127.0.0.1:0"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	d := New(feed, bc, Options{}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected feed configuration error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after feed failure")
	}
}
