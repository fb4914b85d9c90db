// Package distributor runs the tick fan-out stage: feed adapter in, datagrams out.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tickpipe-go/internal/exchange"
	"tickpipe-go/internal/health"
	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/transport"
	"tickpipe-go/internal/wire"
)

// Stage is the metric and log label for this process.
const Stage = "distributor"

// Options tunes the pump between the adapter and the broadcaster.
type Options struct {
	RunID      string
	QueueSize  int
	StaleAfter time.Duration // last-tick age that downgrades health to degraded
}

// Distributor pumps adapter ticks to every registered subscriber.
type Distributor struct {
	feed  *exchange.Feed
	bc    *transport.Broadcaster
	queue chan signal.Tick
	opts  Options
	log   zerolog.Logger
}

// New wires a feed to a broadcaster through a bounded queue.
func New(feed *exchange.Feed, bc *transport.Broadcaster, opts Options, log zerolog.Logger) *Distributor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	return &Distributor{
		feed:  feed,
		bc:    bc,
		queue: make(chan signal.Tick, opts.QueueSize),
		opts:  opts,
		log:   log,
	}
}

// Run blocks until ctx is done or the feed fails permanently. The broadcaster socket
// is closed on return.
func (d *Distributor) Run(ctx context.Context) error {
	defer d.bc.Close()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.feed.Run(gctx, d.queue); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return d.bc.Serve(gctx)
	})
	g.Go(func() error {
		d.pump(gctx)
		return nil
	})

	d.log.Info().
		Str("provider", d.feed.Provider()).
		Str("listen", d.bc.Addr().String()).
		Int("queue", cap(d.queue)).
		Msg("distributor started")
	err := g.Wait()
	d.log.Info().Err(err).Msg("distributor stopped")
	return err
}

func (d *Distributor) pump(ctx context.Context) {
	buf := make([]byte, 0, wire.MaxFrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-d.queue:
			frame, err := wire.EncodeTick(buf, tick)
			if err != nil {
				metrics.TicksDropped.WithLabelValues("encode").Inc()
				d.log.Warn().Err(err).Str("symbol", tick.Symbol).Msg("tick encode failed")
				continue
			}
			d.bc.Broadcast(frame)
			buf = frame[:0]
		}
	}
}

// Health reports feed connectivity, freshness and fan-out counters.
func (d *Distributor) Health() health.Report {
	st := d.feed.State()
	bs := d.bc.Stats()
	report := health.Report{
		Stage:         Stage,
		RunID:         d.opts.RunID,
		FeedConnected: health.Bool(st.Connected),
		LastTickAgeMs: health.AgeMs(st.LastTick, time.Now()),
		Counters: map[string]uint64{
			"ticks_emitted":   st.Emitted,
			"ticks_dropped":   st.Dropped,
			"feed_malformed":  st.Malformed,
			"feed_reconnects": st.Reconnects,
			"frames_sent":     bs.Sent,
			"send_failures":   bs.Failed,
			"subscribers":     uint64(bs.Subscribers),
			"queue_depth":     uint64(len(d.queue)),
		},
	}
	switch {
	case !st.Connected:
		report.Status = health.StatusDown
	case report.LastTickAgeMs < 0 || report.LastTickAgeMs > d.opts.StaleAfter.Milliseconds():
		report.Status = health.StatusDegraded
	default:
		report.Status = health.StatusOK
	}
	return report
}
