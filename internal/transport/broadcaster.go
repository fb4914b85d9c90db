// Package transport moves wire frames between stages as best-effort UDP datagrams.
//
// A Broadcaster owns the subscriber registry for one publishing stage. Subscribers
// register by sending subscribe control frames to the broadcaster's socket and keep
// the registration alive by repeating them; endpoints that stop refreshing are pruned
// after the TTL. Delivery is unordered and unacknowledged, with no per-subscriber
// backlog.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/wire"
)

const (
	defaultWriteTimeout = 50 * time.Millisecond
	controlPoll         = 250 * time.Millisecond
	readBufferSize      = 2048
)

// ErrClosed is returned by operations on a closed broadcaster or subscriber.
var ErrClosed = errors.New("transport: closed")

// BroadcasterConfig binds a broadcaster to a socket and its registry policy.
type BroadcasterConfig struct {
	Stage        string        // metric label, e.g. "distributor"
	Listen       string        // local UDP address for control frames and sends
	Static       []string      // endpoints that are always registered and never expire
	TTL          time.Duration // <= 0 disables expiry of dynamic subscribers
	WriteTimeout time.Duration
}

// Endpoint describes one registered subscriber.
type Endpoint struct {
	Addr     string
	Client   string
	Static   bool
	LastSeen time.Time
	Sent     uint64
	Failed   uint64
}

type endpoint struct {
	addr     *net.UDPAddr
	client   string
	static   bool
	lastSeen time.Time
	sent     uint64
	failed   uint64
}

// BroadcastStats aggregates send outcomes since start.
type BroadcastStats struct {
	Frames      uint64
	Sent        uint64
	Failed      uint64
	Subscribers int
}

// Broadcaster fans frames out to every registered endpoint.
type Broadcaster struct {
	cfg  BroadcasterConfig
	conn *net.UDPConn
	log  zerolog.Logger
	now  func() time.Time

	mu   sync.Mutex
	subs map[string]*endpoint

	sendMu sync.Mutex

	frames atomic.Uint64
	sent   atomic.Uint64
	failed atomic.Uint64
	closed atomic.Bool
}

// NewBroadcaster binds the configured UDP address and registers static endpoints.
func NewBroadcaster(cfg BroadcasterConfig, log zerolog.Logger) (*Broadcaster, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen %q: %w", cfg.Listen, err)
	}
	b := &Broadcaster{
		cfg:  cfg,
		log:  log.With().Str("component", "broadcaster").Logger(),
		now:  time.Now,
		subs: make(map[string]*endpoint),
	}
	for _, s := range cfg.Static {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			return nil, fmt.Errorf("resolve subscriber %q: %w", s, err)
		}
		b.subs[addr.String()] = &endpoint{addr: addr, client: "static", static: true}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.Listen, err)
	}
	b.conn = conn
	return b, nil
}

// Addr returns the bound local address.
func (b *Broadcaster) Addr() *net.UDPAddr {
	return b.conn.LocalAddr().(*net.UDPAddr)
}

// Subscribe registers or refreshes addr.
func (b *Broadcaster) Subscribe(addr *net.UDPAddr, client string) {
	key := addr.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.subs[key]; ok {
		ep.lastSeen = b.now()
		if client != "" && !ep.static {
			ep.client = client
		}
		return
	}
	b.subs[key] = &endpoint{addr: addr, client: client, lastSeen: b.now()}
	b.log.Info().Str("addr", key).Str("client", client).Msg("subscriber registered")
}

// Unsubscribe removes a dynamic registration. Static endpoints stay registered.
func (b *Broadcaster) Unsubscribe(addr *net.UDPAddr) {
	key := addr.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.subs[key]; ok && !ep.static {
		delete(b.subs, key)
		b.log.Info().Str("addr", key).Str("client", ep.client).Msg("subscriber removed")
	}
}

// Subscribers lists the registry sorted by address.
func (b *Broadcaster) Subscribers() []Endpoint {
	b.mu.Lock()
	out := make([]Endpoint, 0, len(b.subs))
	for key, ep := range b.subs {
		out = append(out, Endpoint{
			Addr: key, Client: ep.client, Static: ep.static,
			LastSeen: ep.lastSeen, Sent: ep.sent, Failed: ep.failed,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Stats returns cumulative send counters.
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return BroadcastStats{
		Frames:      b.frames.Load(),
		Sent:        b.sent.Load(),
		Failed:      b.failed.Load(),
		Subscribers: n,
	}
}

// Broadcast writes frame to every registered endpoint and returns how many writes
// succeeded. A failing endpoint is logged and counted; the others are unaffected.
func (b *Broadcaster) Broadcast(frame []byte) int {
	if b.closed.Load() {
		return 0
	}
	b.mu.Lock()
	targets := make([]*endpoint, 0, len(b.subs))
	for _, ep := range b.subs {
		targets = append(targets, ep)
	}
	b.mu.Unlock()
	b.frames.Add(1)
	if len(targets) == 0 {
		return 0
	}

	b.sendMu.Lock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	results := make([]error, len(targets))
	for i, ep := range targets {
		_, results[i] = b.conn.WriteToUDP(frame, ep.addr)
	}
	b.sendMu.Unlock()

	ok := 0
	b.mu.Lock()
	for i, ep := range targets {
		if results[i] != nil {
			ep.failed++
			continue
		}
		ep.sent++
		ok++
	}
	b.mu.Unlock()

	b.sent.Add(uint64(ok))
	metrics.DatagramsSent.WithLabelValues(b.cfg.Stage).Add(float64(ok))
	for i, err := range results {
		if err == nil {
			continue
		}
		b.failed.Add(1)
		metrics.SendErrors.WithLabelValues(b.cfg.Stage).Inc()
		b.log.Warn().Err(err).Str("addr", targets[i].addr.String()).Msg("datagram send failed")
	}
	return ok
}

// Serve handles control frames and prunes expired subscribers until ctx is done.
func (b *Broadcaster) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = b.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, readBufferSize)
	lastPrune := b.now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if now := b.now(); now.Sub(lastPrune) >= controlPoll {
			b.prune()
			lastPrune = now
		}
		_ = b.conn.SetReadDeadline(time.Now().Add(controlPoll))
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || b.closed.Load() {
				return nil
			}
			b.log.Warn().Err(err).Msg("control read failed")
			continue
		}
		b.handleControl(buf[:n], from)
	}
}

func (b *Broadcaster) handleControl(frame []byte, from *net.UDPAddr) {
	c, err := wire.DecodeControl(frame)
	if err != nil {
		metrics.FramesRejected.WithLabelValues(b.cfg.Stage, wire.Reason(err)).Inc()
		b.log.Debug().Err(err).Str("addr", from.String()).Msg("dropping control frame")
		return
	}
	switch c.Kind {
	case wire.KindSubscribe:
		b.Subscribe(from, c.Client)
	case wire.KindUnsubscribe:
		b.Unsubscribe(from)
	}
}

func (b *Broadcaster) prune() {
	if b.cfg.TTL <= 0 {
		return
	}
	cutoff := b.now().Add(-b.cfg.TTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ep := range b.subs {
		if !ep.static && ep.lastSeen.Before(cutoff) {
			delete(b.subs, key)
			b.log.Info().Str("addr", key).Str("client", ep.client).Msg("subscriber expired")
		}
	}
}

// Close releases the socket. Further broadcasts are no-ops.
func (b *Broadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.conn.Close()
}
