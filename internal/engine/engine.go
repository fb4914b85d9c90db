// Package engine runs the signal stage: ticks in, rate-limited signals out.
//
// Ticks are partitioned by symbol across a fixed set of shards. Each shard is a single
// goroutine that exclusively owns its algorithm windows and cooldown state, so no lock
// is taken on the hot path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tickpipe-go/internal/health"
	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/strategy"
	"tickpipe-go/internal/transport"
	"tickpipe-go/internal/wire"
)

// Stage is the metric and log label for this process.
const Stage = "engine"

// Options binds the engine's algorithm and partitioning at startup.
type Options struct {
	RunID      string
	Mode       string
	Params     strategy.Params
	Shards     int
	QueueSize  int
	Cooldown   time.Duration
	Reorder    string
	StaleAfter time.Duration
}

// Engine evaluates one algorithm variant over the tick stream.
type Engine struct {
	opts   Options
	shards []*shard
	out    *transport.Broadcaster
	log    zerolog.Logger
	algo   string

	signalRate *health.Meter
	frameSeq   atomic.Uint64
	lastTick   atomic.Int64
	received   atomic.Uint64
	dropped    atomic.Uint64
	stale      atomic.Uint64
	emitted    atomic.Uint64
	suppressed atomic.Uint64
}

type shard struct {
	id       int
	algo     *strategy.Algorithm
	cooldown *Cooldown
	guard    *orderGuard
	in       chan signal.Tick
}

// New builds the shards. out may be nil when signals are consumed through Process.
func New(opts Options, out *transport.Broadcaster, log zerolog.Logger) (*Engine, error) {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	e := &Engine{
		opts:       opts,
		out:        out,
		log:        log,
		signalRate: health.NewMeter(time.Minute),
	}
	for i := 0; i < opts.Shards; i++ {
		algo, err := strategy.Build(opts.Mode, opts.Params)
		if err != nil {
			return nil, err
		}
		guard, err := newOrderGuard(opts.Reorder)
		if err != nil {
			return nil, err
		}
		e.algo = algo.Name()
		e.shards = append(e.shards, &shard{
			id:       i,
			algo:     algo,
			cooldown: NewCooldown(opts.Cooldown),
			guard:    guard,
			in:       make(chan signal.Tick, opts.QueueSize),
		})
	}
	return e, nil
}

// Algorithm returns the active variant name.
func (e *Engine) Algorithm() string { return e.algo }

func (e *Engine) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Submit routes t to its shard without blocking. A full shard queue drops t.
func (e *Engine) Submit(t signal.Tick) bool {
	e.received.Add(1)
	e.lastTick.Store(time.Now().UnixNano())
	select {
	case e.shardFor(t.Symbol).in <- t:
		return true
	default:
		e.dropped.Add(1)
		metrics.TicksDropped.WithLabelValues("engine_queue_full").Inc()
		return false
	}
}

// HandleFrame decodes a tick datagram and submits it. It satisfies transport.Handler.
func (e *Engine) HandleFrame(h wire.Header, frame []byte) error {
	if h.Kind != wire.KindTick {
		return fmt.Errorf("%w: got %s want %s", wire.ErrKindMismatch, h.Kind, wire.KindTick)
	}
	t, err := wire.DecodeTick(frame)
	if err != nil {
		return err
	}
	e.Submit(t)
	return nil
}

// Process runs t through its shard synchronously and returns the emitted signal, if
// any. It must not be mixed with a running engine.
func (e *Engine) Process(t signal.Tick) *signal.Signal {
	e.received.Add(1)
	e.lastTick.Store(time.Now().UnixNano())
	return e.evaluate(e.shardFor(t.Symbol), t)
}

func (e *Engine) evaluate(s *shard, t signal.Tick) *signal.Signal {
	if !s.guard.accept(t) {
		e.stale.Add(1)
		metrics.TicksDropped.WithLabelValues("stale").Inc()
		return nil
	}
	sig := s.algo.Evaluate(t)
	if sig == nil {
		return nil
	}
	if !s.cooldown.Allow(sig.Symbol, sig.Ts) {
		e.suppressed.Add(1)
		metrics.SignalsSuppressed.WithLabelValues("cooldown").Inc()
		e.log.Debug().Str("symbol", sig.Symbol).Str("direction", sig.Direction.String()).Msg("signal suppressed by cooldown")
		return nil
	}
	e.emitted.Add(1)
	e.signalRate.Mark(1)
	metrics.SignalsEmitted.WithLabelValues(sig.Algorithm, sig.Direction.String()).Inc()
	return sig
}

// Run starts the shard loops, the output control loop and, when src is non-nil, the
// tick subscriber. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context, src *transport.Subscriber) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.shards {
		g.Go(func() error {
			e.runShard(gctx, s)
			return nil
		})
	}
	if e.out != nil {
		defer e.out.Close()
		g.Go(func() error { return e.out.Serve(gctx) })
	}
	if src != nil {
		g.Go(func() error {
			if err := src.Run(gctx, e.HandleFrame); err != nil && !errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("tick source: %w", err)
			}
			return nil
		})
	}
	e.log.Info().
		Str("algorithm", e.algo).
		Int("shards", len(e.shards)).
		Dur("cooldown", e.opts.Cooldown).
		Str("reorder", e.opts.Reorder).
		Msg("engine started")
	err := g.Wait()
	e.log.Info().Err(err).Msg("engine stopped")
	return err
}

func (e *Engine) runShard(ctx context.Context, s *shard) {
	buf := make([]byte, 0, wire.MaxFrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.in:
			sig := e.evaluate(s, t)
			if sig == nil || e.out == nil {
				continue
			}
			frame, err := wire.EncodeSignal(buf, e.frameSeq.Add(1), *sig)
			if err != nil {
				e.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal encode failed")
				continue
			}
			e.out.Broadcast(frame)
			buf = frame[:0]
			e.log.Info().
				Str("symbol", sig.Symbol).
				Str("direction", sig.Direction.String()).
				Float64("confidence", sig.Confidence).
				Str("reason", sig.Reason).
				Int("shard", s.id).
				Msg("signal emitted")
		}
	}
}

// Health reports tick freshness, emission rate and suppression counters.
func (e *Engine) Health() health.Report {
	var last time.Time
	if ns := e.lastTick.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	report := health.Report{
		Stage:         Stage,
		RunID:         e.opts.RunID,
		LastTickAgeMs: health.AgeMs(last, time.Now()),
		SignalRate:    e.signalRate.Rate(),
		Counters: map[string]uint64{
			"ticks_received":     e.received.Load(),
			"ticks_dropped":      e.dropped.Load(),
			"ticks_stale":        e.stale.Load(),
			"signals_emitted":    e.emitted.Load(),
			"signals_suppressed": e.suppressed.Load(),
		},
	}
	if e.out != nil {
		report.Counters["subscribers"] = uint64(e.out.Stats().Subscribers)
	}
	switch {
	case report.LastTickAgeMs < 0 || report.LastTickAgeMs > e.opts.StaleAfter.Milliseconds():
		report.Status = health.StatusDegraded
	default:
		report.Status = health.StatusOK
	}
	return report
}
