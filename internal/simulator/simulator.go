// Package simulator runs the portfolio stage: signals in, simulated trades and
// statistics out.
//
// Every mutation happens on the single Run loop, fed by one bounded intake that
// carries both signals and mark-price ticks in arrival order. Readers use the
// last published Stats, swapped in atomically, so they never see a torn state.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tickpipe-go/internal/bus"
	"tickpipe-go/internal/execution"
	"tickpipe-go/internal/health"
	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/paper"
	"tickpipe-go/internal/risk"
	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/transport"
	"tickpipe-go/internal/wire"
)

// Stage is the metric and log label for this process.
const Stage = "simulator"

// ErrHalted is returned for every signal after an invariant violation stopped the
// mutation path.
var ErrHalted = errors.New("simulator halted")

// qtyPlaces bounds order quantity precision. Quantities are truncated so a fill never
// costs more than its sized notional.
const qtyPlaces = 8

// Filler executes sized orders.
type Filler interface {
	Fill(order execution.Order, ts time.Time) (execution.Fill, error)
	FeePct() decimal.Decimal
}

// Options binds the simulation tunables at startup.
type Options struct {
	RunID             string
	InitialCapital    float64
	PositionSizePct   float64
	FeePct            float64
	Limits            risk.Limits
	IntakeSize        int
	Heartbeat         time.Duration
	EquityCurvePoints int
	LedgerRecords     int
	TopicPrefix       string
	PublishTimeout    time.Duration
	StaleAfter        time.Duration // mark age that downgrades health; only checked with a mark source
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithFiller replaces the default executor.
func WithFiller(f Filler) Option {
	return func(s *Simulator) { s.exec = f }
}

// WithRecorder writes every ledger entry through rec.
func WithRecorder(rec paper.TradeRecorder) Option {
	return func(s *Simulator) { s.sinks = append(s.sinks, rec) }
}

// WithClock overrides the wall clock that stamps snapshots and the equity curve.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// Stats is the published statistics message.
type Stats struct {
	RunID  string `json:"run_id"`
	Halted bool   `json:"halted,omitempty"`
	paper.Snapshot
}

type event struct {
	signal *signal.Signal
	mark   *signal.Tick
}

// Simulator is the single-writer portfolio state machine.
type Simulator struct {
	opts        Options
	log         zerolog.Logger
	exec        Filler
	sinks       []paper.TradeRecorder
	portfolio   *paper.Portfolio
	ledger      *paper.Ledger
	pub         bus.Publisher
	intake      chan event
	now         func() time.Time
	statsTopic  string
	tradesTopic string

	stats   atomic.Pointer[Stats]
	halted  atomic.Bool
	haltErr atomic.Value // error

	signalRate *health.Meter
	rejectRate *health.Meter
	lastEvent  atomic.Int64
	lastMark   atomic.Int64
	markFed    atomic.Bool
	received   atomic.Uint64
	executed   atomic.Uint64
	rejected   atomic.Uint64
	dropped    atomic.Uint64
	marks      atomic.Uint64
	published  atomic.Uint64

	mu      sync.Mutex
	reasons map[risk.Reason]uint64
}

// New builds a flat simulator. pub may be nil to disable publication.
func New(opts Options, pub bus.Publisher, log zerolog.Logger, extra ...Option) *Simulator {
	if opts.IntakeSize < 1 {
		opts.IntakeSize = 1024
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Minute
	}
	s := &Simulator{
		opts:        opts,
		log:         log,
		pub:         pub,
		intake:      make(chan event, opts.IntakeSize),
		now:         time.Now,
		portfolio:   paper.NewPortfolio(opts.InitialCapital, opts.EquityCurvePoints),
		statsTopic:  bus.StatsTopic(opts.TopicPrefix, opts.RunID),
		tradesTopic: bus.TradesTopic(opts.TopicPrefix, opts.RunID),
		signalRate:  health.NewMeter(time.Minute),
		rejectRate:  health.NewMeter(time.Minute),
		reasons:     make(map[risk.Reason]uint64),
	}
	for _, opt := range extra {
		opt(s)
	}
	if s.exec == nil {
		s.exec = execution.NewExecutor(opts.FeePct, log)
	}
	s.ledger = paper.NewLedger(opts.LedgerRecords, s.sinks...)
	s.portfolio.Observe(s.now())
	s.refresh()
	return s
}

// Portfolio exposes the account for read-only inspection.
func (s *Simulator) Portfolio() *paper.Portfolio { return s.portfolio }

// Ledger exposes the trade log.
func (s *Simulator) Ledger() *paper.Ledger { return s.ledger }

// Snapshot returns the last known good statistics.
func (s *Simulator) Snapshot() Stats { return *s.stats.Load() }

// Halted reports whether an invariant violation stopped the mutation path, and why.
func (s *Simulator) Halted() (bool, error) {
	if !s.halted.Load() {
		return false, nil
	}
	err, _ := s.haltErr.Load().(error)
	return true, err
}

func (s *Simulator) refresh() {
	stats := &Stats{RunID: s.opts.RunID, Halted: s.halted.Load(), Snapshot: s.portfolio.Snapshot(s.now())}
	s.stats.Store(stats)
	metrics.PortfolioEquity.Set(stats.Equity)
}

// SubmitSignal queues sig without blocking. A full intake drops it.
func (s *Simulator) SubmitSignal(sig signal.Signal) bool {
	return s.submit(event{signal: &sig})
}

// SubmitMark queues a mark-price tick without blocking.
func (s *Simulator) SubmitMark(t signal.Tick) bool {
	return s.submit(event{mark: &t})
}

func (s *Simulator) submit(ev event) bool {
	now := time.Now().UnixNano()
	s.lastEvent.Store(now)
	if ev.mark != nil {
		s.lastMark.Store(now)
	}
	select {
	case s.intake <- ev:
		return true
	default:
		s.dropped.Add(1)
		metrics.TicksDropped.WithLabelValues("simulator_intake_full").Inc()
		return false
	}
}

// HandleSignalFrame decodes a signal datagram and queues it. It satisfies
// transport.Handler.
func (s *Simulator) HandleSignalFrame(h wire.Header, frame []byte) error {
	if h.Kind != wire.KindSignal {
		return fmt.Errorf("%w: got %s want %s", wire.ErrKindMismatch, h.Kind, wire.KindSignal)
	}
	sig, _, err := wire.DecodeSignal(frame)
	if err != nil {
		return err
	}
	s.SubmitSignal(sig)
	return nil
}

// HandleTickFrame decodes a tick datagram and queues it as a mark price.
func (s *Simulator) HandleTickFrame(h wire.Header, frame []byte) error {
	if h.Kind != wire.KindTick {
		return fmt.Errorf("%w: got %s want %s", wire.ErrKindMismatch, h.Kind, wire.KindTick)
	}
	t, err := wire.DecodeTick(frame)
	if err != nil {
		return err
	}
	s.SubmitMark(t)
	return nil
}

// Run drives the loop and, when non-nil, the signal and mark subscribers until ctx is
// done. A last snapshot is published on the way out.
func (s *Simulator) Run(ctx context.Context, signals, marks *transport.Subscriber) error {
	s.markFed.Store(marks != nil)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(gctx)
		return nil
	})
	s.runSource(gctx, g, "signal", signals, s.HandleSignalFrame)
	s.runSource(gctx, g, "mark", marks, s.HandleTickFrame)
	s.log.Info().
		Float64("capital", s.opts.InitialCapital).
		Float64("size_pct", s.opts.PositionSizePct).
		Bool("allow_short", s.opts.Limits.AllowShort).
		Str("stats_topic", s.statsTopic).
		Msg("simulator started")
	err := g.Wait()

	final, cancel := context.WithTimeout(context.Background(), s.publishTimeout())
	s.publishStats(final)
	cancel()
	s.log.Info().Err(err).Int("trades", s.portfolio.TradeCount()).Msg("simulator stopped")
	return err
}

func (s *Simulator) runSource(ctx context.Context, g *errgroup.Group, name string, src *transport.Subscriber, handle transport.Handler) {
	if src == nil {
		return
	}
	g.Go(func() error {
		if err := src.Run(ctx, handle); err != nil && !errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%s source: %w", name, err)
		}
		return nil
	})
}

func (s *Simulator) loop(ctx context.Context) {
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !s.halted.Load() {
				s.portfolio.Observe(s.now())
				s.refresh()
			}
			s.publishStats(ctx)
		case ev := <-s.intake:
			switch {
			case ev.mark != nil:
				s.applyMark(*ev.mark)
			case ev.signal != nil:
				rec, err := s.Process(*ev.signal)
				if err == nil {
					s.publishTrade(ctx, rec)
				}
				s.publishStats(ctx)
			}
		}
	}
}

func (s *Simulator) applyMark(t signal.Tick) {
	if s.halted.Load() || t.Validate() != nil {
		return
	}
	s.marks.Add(1)
	s.portfolio.Mark(t.Symbol, t.Last)
}

// Process handles one signal synchronously and returns its ledger entry. Rejections
// return a record with Rejected set and a nil error. It must not be mixed with a
// running loop.
func (s *Simulator) Process(sig signal.Signal) (paper.TradeRecord, error) {
	s.received.Add(1)
	s.signalRate.Mark(1)
	s.lastEvent.Store(time.Now().UnixNano())

	rec := paper.TradeRecord{
		Ts:         sig.Ts,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Algorithm:  sig.Algorithm,
		Direction:  sig.Direction.String(),
		Price:      sig.Price,
		Confidence: sig.Confidence,
	}
	if rec.Ts.IsZero() {
		rec.Ts = s.now()
	}
	if s.halted.Load() {
		s.countRejection(risk.ReasonHalted)
		rec.Rejected, rec.Reason, rec.Action = true, string(risk.ReasonHalted), paper.ActionReject
		return rec, ErrHalted
	}

	plan, reason := s.plan(sig)
	if reason != risk.ReasonNone {
		return s.reject(rec, reason), nil
	}

	tx := s.portfolio.Begin(sig.Symbol)
	for i, leg := range plan.legs {
		if leg.open {
			qty, reason := s.sizeOpen(plan, tx.Cash())
			if reason != risk.ReasonNone {
				if i == 0 {
					return s.reject(rec, reason), nil
				}
				// nothing left to open after the close; keep the close alone
				plan.action = paper.ActionClose
				break
			}
			leg.order.Qty = qty
		}
		fill, err := s.exec.Fill(leg.order, rec.Ts)
		if err != nil {
			if errors.Is(err, execution.ErrInvalidOrder) {
				return s.reject(rec, risk.ReasonInvalid), nil
			}
			return rec, s.halt(fmt.Errorf("fill %s: %w", sig.Symbol, err))
		}
		if err := tx.Apply(fill); err != nil {
			return rec, s.halt(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return rec, s.halt(err)
	}

	for _, f := range tx.Fills() {
		rec.Side = string(f.Side)
		rec.Qty += f.Qty.InexactFloat64()
		rec.Notional += f.Notional.InexactFloat64()
		rec.Fee += f.Fee.InexactFloat64()
	}
	rec.Action = plan.action
	rec.Price = plan.price.InexactFloat64()
	rec.RealizedPnL = tx.Realized().InexactFloat64()

	rec, err := s.ledger.Append(rec)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("trade recorder failed")
	}
	s.executed.Add(1)
	s.portfolio.Observe(s.now())
	s.refresh()

	pos := s.portfolio.Position(sig.Symbol)
	s.log.Info().
		Str("symbol", sig.Symbol).
		Str("action", rec.Action).
		Str("side", rec.Side).
		Float64("qty", rec.Qty).
		Float64("px", rec.Price).
		Float64("fee", rec.Fee).
		Float64("realized", rec.RealizedPnL).
		Str("position", pos.Side.String()).
		Str("cash", s.portfolio.Cash().StringFixed(2)).
		Msg("signal executed")
	return rec, nil
}

type leg struct {
	order execution.Order
	open  bool
}

type plan struct {
	action string
	price  decimal.Decimal
	dir    signal.Direction
	add    bool // scale-in on the open side
	legs   []leg
}

// plan picks the transition for sig from the current position, or the reason to
// reject it.
func (s *Simulator) plan(sig signal.Signal) (plan, risk.Reason) {
	pos := s.portfolio.Position(sig.Symbol)
	if reason := s.opts.Limits.CheckSignal(sig, pos.Side); reason != risk.ReasonNone {
		return plan{}, reason
	}
	price, ok := s.referencePrice(sig)
	if !ok {
		return plan{}, risk.ReasonNoPrice
	}
	p := plan{price: price, dir: sig.Direction}

	if pos.Side != signal.Flat && pos.Side != sig.Direction {
		p.legs = append(p.legs, leg{order: execution.Order{
			Symbol: sig.Symbol, Side: closingSide(pos.Side), Qty: pos.Qty, Price: price,
		}})
	}
	opens := sig.Direction != signal.Flat && (sig.Direction != signal.Short || s.opts.Limits.AllowShort)
	switch {
	case !opens:
		p.action = paper.ActionClose
		return p, risk.ReasonNone
	case pos.Side == sig.Direction:
		p.action, p.add = paper.ActionAdd, true
	case pos.Side == signal.Flat:
		p.action = paper.ActionOpen
	default:
		p.action = paper.ActionFlip
	}
	p.legs = append(p.legs, leg{open: true, order: execution.Order{
		Symbol: sig.Symbol, Side: openingSide(sig.Direction), Price: price,
	}})
	return p, risk.ReasonNone
}

// sizeOpen sizes the opening leg from the cash left after any close. Longs are capped
// so price plus fee never exceeds that cash.
func (s *Simulator) sizeOpen(p plan, cash decimal.Decimal) (decimal.Decimal, risk.Reason) {
	target := decimal.NewFromFloat(s.opts.Limits.TargetNotional(cash.InexactFloat64(), s.opts.PositionSizePct))
	if p.dir == signal.Long {
		affordable := cash.Div(decimal.NewFromInt(1).Add(s.exec.FeePct()))
		target = decimal.Min(target, affordable)
	}
	if p.add {
		existing := s.portfolio.Position(p.legs[len(p.legs)-1].order.Symbol).Qty.Mul(p.price)
		if !s.opts.Limits.AllowIncrease(existing.InexactFloat64(), target.InexactFloat64()) {
			return decimal.Zero, risk.ReasonPositionLimit
		}
	}
	qty := target.Div(p.price).Truncate(qtyPlaces)
	if !qty.IsPositive() {
		return decimal.Zero, risk.ReasonInsufficientCash
	}
	return qty, risk.ReasonNone
}

// referencePrice is the price of the triggering tick, falling back to the latest mark.
func (s *Simulator) referencePrice(sig signal.Signal) (decimal.Decimal, bool) {
	if sig.Price > 0 {
		return decimal.NewFromFloat(sig.Price), true
	}
	return s.portfolio.Price(sig.Symbol)
}

func closingSide(d signal.Direction) execution.Side {
	if d == signal.Short {
		return execution.Buy
	}
	return execution.Sell
}

func openingSide(d signal.Direction) execution.Side {
	if d == signal.Short {
		return execution.Sell
	}
	return execution.Buy
}

// reject records rec as refused without touching the portfolio.
func (s *Simulator) reject(rec paper.TradeRecord, reason risk.Reason) paper.TradeRecord {
	s.countRejection(reason)
	rec.Rejected, rec.Reason, rec.Action = true, string(reason), paper.ActionReject
	rec, err := s.ledger.Append(rec)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("trade recorder failed")
	}
	s.log.Info().
		Str("symbol", rec.Symbol).
		Str("direction", rec.Direction).
		Float64("confidence", rec.Confidence).
		Str("reason", rec.Reason).
		Msg("signal rejected")
	return rec
}

func (s *Simulator) countRejection(reason risk.Reason) {
	s.rejected.Add(1)
	s.rejectRate.Mark(1)
	metrics.SignalsRejected.WithLabelValues(string(reason)).Inc()
	s.mu.Lock()
	s.reasons[reason]++
	s.mu.Unlock()
}

// halt stops the mutation path. The last committed state stays queryable.
func (s *Simulator) halt(cause error) error {
	s.haltErr.Store(cause)
	s.halted.Store(true)
	s.refresh()
	s.log.Error().Err(cause).Msg("invariant violated, simulator halted")
	return fmt.Errorf("%w: %w", ErrHalted, cause)
}

func (s *Simulator) publishTimeout() time.Duration {
	if s.opts.PublishTimeout > 0 {
		return s.opts.PublishTimeout
	}
	return 500 * time.Millisecond
}

func (s *Simulator) publishStats(ctx context.Context) {
	if s.pub == nil {
		return
	}
	if err := bus.JSON(ctx, s.pub, s.statsTopic, s.Snapshot(), s.publishTimeout()); err != nil {
		s.log.Warn().Err(err).Msg("stats publish failed")
		return
	}
	s.published.Add(1)
	metrics.SnapshotsPublished.Inc()
}

func (s *Simulator) publishTrade(ctx context.Context, rec paper.TradeRecord) {
	if s.pub == nil {
		return
	}
	if err := bus.JSON(ctx, s.pub, s.tradesTopic, rec, s.publishTimeout()); err != nil {
		s.log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("trade publish failed")
	}
}

// Rejections returns the rejection count per reason.
func (s *Simulator) Rejections() map[risk.Reason]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[risk.Reason]uint64, len(s.reasons))
	for k, v := range s.reasons {
		out[k] = v
	}
	return out
}

// Close closes the ledger's recorders.
func (s *Simulator) Close() error { return s.ledger.Close() }

// Health reports the rejection rate and halt state. Signals are sparse by nature, so
// freshness follows the mark stream and is not judged when no mark source is attached.
func (s *Simulator) Health() health.Report {
	fed := s.markFed.Load()
	ns := s.lastEvent.Load()
	if fed {
		ns = s.lastMark.Load()
	}
	var last time.Time
	if ns > 0 {
		last = time.Unix(0, ns)
	}
	report := health.Report{
		Stage:         Stage,
		RunID:         s.opts.RunID,
		LastTickAgeMs: health.AgeMs(last, time.Now()),
		SignalRate:    s.signalRate.Rate(),
		RejectionRate: s.rejectRate.Rate(),
		Counters: map[string]uint64{
			"signals_received":   s.received.Load(),
			"signals_executed":   s.executed.Load(),
			"signals_rejected":   s.rejected.Load(),
			"intake_dropped":     s.dropped.Load(),
			"intake_queue_depth": uint64(len(s.intake)),
			"marks_applied":      s.marks.Load(),
			"stats_published":    s.published.Load(),
			"trade_count":        uint64(s.portfolio.TradeCount()),
		},
	}
	switch {
	case s.halted.Load():
		report.Status = health.StatusHalted
	case fed && (report.LastTickAgeMs < 0 || report.LastTickAgeMs > s.opts.StaleAfter.Milliseconds()):
		report.Status = health.StatusDegraded
	default:
		report.Status = health.StatusOK
	}
	return report
}
