package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/wire"
)

func newBroadcaster(t *testing.T, cfg BroadcasterConfig) *Broadcaster {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Stage == "" {
		cfg.Stage = "test"
	}
	b, err := NewBroadcaster(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func tickFrame(t *testing.T, seq uint64) []byte {
	t.Helper()
	frame, err := wire.EncodeTick(nil, signal.Tick{Symbol: "BTCUSDT", Seq: seq, Ts: time.Now(), Last: 100, Bid: 99, Ask: 101})
	require.NoError(t, err)
	return frame
}

func TestSubscribeBroadcastUnsubscribe(t *testing.T) {
	b := newBroadcaster(t, BroadcasterConfig{TTL: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Serve(ctx) }()

	sub, err := NewSubscriber(SubscriberConfig{
		Stage: "test", Listen: "127.0.0.1:0", Publisher: b.Addr().String(),
		Client: "engine-1", Refresh: 50 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	got := make(chan signal.Tick, 4)
	subCtx, subCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(subCtx, func(h wire.Header, frame []byte) error {
			tk, err := wire.DecodeTick(frame)
			if err != nil {
				return err
			}
			got <- tk
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(b.Subscribers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	subs := b.Subscribers()
	require.Equal(t, "engine-1", subs[0].Client)
	require.Equal(t, sub.Addr().String(), subs[0].Addr)

	require.Equal(t, 1, b.Broadcast(tickFrame(t, 7)))
	select {
	case tk := <-got:
		require.Equal(t, uint64(7), tk.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive tick")
	}
	require.Eventually(t, func() bool { return sub.Stats().Accepted == 1 }, time.Second, 10*time.Millisecond)

	subCancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	require.Eventually(t, func() bool { return len(b.Subscribers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberCountsInvalidFrames(t *testing.T) {
	sub, err := NewSubscriber(SubscriberConfig{Stage: "test", Listen: "127.0.0.1:0"}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx, func(wire.Header, []byte) error { return nil }) }()

	conn, err := net.DialUDP("udp", nil, sub.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("definitely not a frame"))
	require.NoError(t, err)
	_, err = conn.Write(tickFrame(t, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := sub.Stats()
		return st.Rejected == 1 && st.Accepted == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastIsolatesFailingEndpoint(t *testing.T) {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	// An IPv6 destination cannot be written from the IPv4 socket.
	b := newBroadcaster(t, BroadcasterConfig{Static: []string{"[::1]:9", receiver.LocalAddr().String()}})
	require.Len(t, b.Subscribers(), 2)

	require.Equal(t, 1, b.Broadcast(tickFrame(t, 1)))
	st := b.Stats()
	require.Equal(t, uint64(1), st.Sent)
	require.Equal(t, uint64(1), st.Failed)

	buf := make([]byte, readBufferSize)
	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)
	tk, err := wire.DecodeTick(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint64(1), tk.Seq)
}

func TestPruneExpiresDynamicSubscribers(t *testing.T) {
	b := newBroadcaster(t, BroadcasterConfig{TTL: 10 * time.Second, Static: []string{"127.0.0.1:9"}})
	clock := time.Unix(1_000, 0)
	b.now = func() time.Time { return clock }

	b.Subscribe(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7401}, "engine")
	b.Subscribe(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7402}, "simulator")
	require.Len(t, b.Subscribers(), 3)

	clock = clock.Add(6 * time.Second)
	b.Subscribe(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7402}, "simulator")
	clock = clock.Add(6 * time.Second)
	b.prune()

	subs := b.Subscribers()
	require.Len(t, subs, 2)
	require.Equal(t, "127.0.0.1:7402", subs[0].Addr)
	require.True(t, subs[1].Static)

	b.Unsubscribe(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	require.Len(t, b.Subscribers(), 2, "static endpoints survive unsubscribe")
}

func TestBroadcasterRejectsNonControlFrames(t *testing.T) {
	b := newBroadcaster(t, BroadcasterConfig{})
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}
	b.handleControl(tickFrame(t, 1), from)
	require.Empty(t, b.Subscribers())

	frame, err := wire.EncodeControl(nil, wire.Control{Kind: wire.KindSubscribe, Client: "x"})
	require.NoError(t, err)
	b.handleControl(frame, from)
	require.Len(t, b.Subscribers(), 1)

	require.NoError(t, b.Close())
	require.Zero(t, b.Broadcast(tickFrame(t, 2)))
}
