// Package exchange hosts the tick source adapters that normalize venue events into ticks.
package exchange

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/signal"
)

const (
	// ProviderStub emits deterministic synthetic ticks (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance streams 24h ticker events from Binance public websockets.
	ProviderBinance = "binance"
)

const (
	defaultBinanceBaseURL = "wss://stream.binance.com:9443"
	defaultReadTimeout    = 30 * time.Second
	defaultPingInterval   = 15 * time.Second
	defaultStubInterval   = 500 * time.Millisecond
)

// Feed represents a pluggable market data stream implementation.
type Feed struct {
	provider     string
	symbols      []string
	log          zerolog.Logger
	baseURL      string
	backoff      Backoff
	readTimeout  time.Duration
	pingInterval time.Duration
	stubInterval time.Duration
	mu           sync.RWMutex

	start      time.Time
	seq        atomic.Uint64
	connected  atomic.Bool
	lastTick   atomic.Int64 // unix nanos of the last valid upstream tick
	reconnects atomic.Uint64
	dropped    atomic.Uint64
	malformed  atomic.Uint64
	emitted    atomic.Uint64
}

// State is a point-in-time view of the adapter used by liveness queries.
type State struct {
	Provider   string
	Connected  bool
	LastTick   time.Time
	Reconnects uint64
	Emitted    uint64
	Dropped    uint64
	Malformed  uint64
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithBaseURL points the websocket provider at a different host (tests, mirrors).
func WithBaseURL(u string) Option {
	return func(f *Feed) {
		if u != "" {
			f.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithBackoff overrides reconnect delays.
func WithBackoff(b Backoff) Option {
	return func(f *Feed) { f.backoff = b }
}

// WithReadTimeout bounds how long a session may stay silent before it is recycled.
func WithReadTimeout(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.readTimeout = d
		}
	}
}

// WithPingInterval sets the websocket keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pingInterval = d
		}
	}
}

// WithStubInterval overrides the synthetic tick cadence.
func WithStubInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.stubInterval = d
		}
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		log:          log,
		baseURL:      defaultBinanceBaseURL,
		backoff:      DefaultBackoff(),
		readTimeout:  defaultReadTimeout,
		pingInterval: defaultPingInterval,
		stubInterval: defaultStubInterval,
		start:        time.Now(),
	}
	f.setSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// setSymbols stores the tracked symbol list, deduplicated and sorted.
func (f *Feed) setSymbols(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	f.symbols = f.symbols[:0]
	for sym := range unique {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
}

func (f *Feed) snapshotSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Provider returns the normalized provider name.
func (f *Feed) Provider() string { return f.provider }

// State reports adapter counters and connectivity.
func (f *Feed) State() State {
	st := State{
		Provider:   f.provider,
		Connected:  f.connected.Load(),
		Reconnects: f.reconnects.Load(),
		Emitted:    f.emitted.Load(),
		Dropped:    f.dropped.Load(),
		Malformed:  f.malformed.Load(),
	}
	if ns := f.lastTick.Load(); ns > 0 {
		st.LastTick = time.Unix(0, ns)
	}
	return st
}

// Run pushes ticks onto out until the context is canceled. Sends never block: when out
// is full the newest tick is dropped and counted.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	switch f.provider {
	case ProviderBinance:
		return f.runBinance(ctx, out)
	default:
		return f.runStub(ctx, out)
	}
}

func (f *Feed) setConnected(up bool) {
	f.connected.Store(up)
	if up {
		metrics.FeedConnected.Set(1)
	} else {
		metrics.FeedConnected.Set(0)
	}
}

// emit validates, stamps and enqueues a tick. It reports whether the tick was queued.
func (f *Feed) emit(out chan<- signal.Tick, tick signal.Tick) bool {
	if err := tick.Validate(); err != nil {
		f.malformed.Add(1)
		metrics.FeedMalformed.Inc()
		f.log.Debug().Err(err).Str("symbol", tick.Symbol).Msg("dropping malformed tick")
		return false
	}
	tick.Seq = f.seq.Add(1)
	tick.Mono = int64(time.Since(f.start))
	f.lastTick.Store(time.Now().UnixNano())

	select {
	case out <- tick:
		f.emitted.Add(1)
		metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
		return true
	default:
		f.dropped.Add(1)
		metrics.TicksDropped.WithLabelValues("feed_queue_full").Inc()
		return false
	}
}

func (f *Feed) malformedMessage(err error, msg string) {
	f.malformed.Add(1)
	metrics.FeedMalformed.Inc()
	f.log.Warn().Err(err).Msg(msg)
}

func (f *Feed) runStub(ctx context.Context, out chan<- signal.Tick) error {
	ticker := time.NewTicker(f.stubInterval)
	defer ticker.Stop()
	f.setConnected(true)
	defer f.setConnected(false)

	var step int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-ticker.C:
			step++
			for i, sym := range f.snapshotSymbols() {
				f.emit(out, stubTick(sym, i, step, ts))
			}
		}
	}
}

// stubTick produces a slow sine walk around a per-symbol base price with a book whose
// imbalance oscillates on a different period, so both algorithm variants see crossings.
func stubTick(symbol string, idx, step int, ts time.Time) signal.Tick {
	base := 100.0 * float64(idx+1)
	px := base * (1 + 0.02*math.Sin(float64(step)/8))
	spread := px * 0.0005
	tilt := math.Sin(float64(step) / 5)
	return signal.Tick{
		Symbol:  symbol,
		Ts:      ts,
		Last:    px,
		Bid:     px - spread,
		Ask:     px + spread,
		BidSize: 10 + 8*tilt,
		AskSize: 10 - 8*tilt,
		Volume:  float64(step),
	}
}
