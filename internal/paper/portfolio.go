// Package paper keeps the simulated portfolio: cash, positions and the trade log.
package paper

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickpipe-go/internal/execution"
	"tickpipe-go/internal/signal"
	"tickpipe-go/internal/window"
)

// ErrInvariant marks a transaction that would leave the portfolio inconsistent.
var ErrInvariant = errors.New("portfolio invariant violated")

// Position is the open exposure in one symbol. Flat positions carry zero quantity.
type Position struct {
	Symbol    string
	Side      signal.Direction
	Qty       decimal.Decimal
	CostBasis decimal.Decimal // entry notional of the open quantity
}

// AvgEntry returns the average entry price, zero when flat.
func (p Position) AvgEntry() decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Qty)
}

// MarketValue is the signed value of the position at mark.
func (p Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	v := p.Qty.Mul(mark)
	if p.Side == signal.Short {
		return v.Neg()
	}
	return v
}

// Unrealized is the open P&L at mark.
func (p Position) Unrealized(mark decimal.Decimal) decimal.Decimal {
	return p.MarketValue(mark).Sub(p.signedBasis())
}

func (p Position) signedBasis() decimal.Decimal {
	if p.Side == signal.Short {
		return p.CostBasis.Neg()
	}
	return p.CostBasis
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Ts     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Portfolio is the single-writer account state. Mutations go through Tx; reads are
// safe from other goroutines.
type Portfolio struct {
	mu        sync.RWMutex
	initial   decimal.Decimal
	cash      decimal.Decimal
	fees      decimal.Decimal
	realized  decimal.Decimal
	positions map[string]Position
	marks     map[string]decimal.Decimal
	trades    int
	closes    int
	wins      int
	peak      float64
	maxDD     float64
	curve     *window.Ring[EquityPoint]
}

// NewPortfolio seeds a flat portfolio with initial cash, keeping up to curvePoints
// equity samples.
func NewPortfolio(initial float64, curvePoints int) *Portfolio {
	start := decimal.NewFromFloat(initial)
	return &Portfolio{
		initial:   start,
		cash:      start,
		positions: make(map[string]Position),
		marks:     make(map[string]decimal.Decimal),
		peak:      initial,
		curve:     window.New[EquityPoint](curvePoints),
	}
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Realized returns gross realized P&L, before fees.
func (p *Portfolio) Realized() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// Fees returns the total fees paid.
func (p *Portfolio) Fees() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fees
}

// TradeCount returns the number of committed transactions that filled.
func (p *Portfolio) TradeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trades
}

// Position returns the open position for symbol, flat when none.
func (p *Portfolio) Position(symbol string) Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pos, ok := p.positions[symbol]; ok {
		return pos
	}
	return Position{Symbol: symbol}
}

// Mark records the latest reference price for symbol.
func (p *Portfolio) Mark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.marks[symbol] = decimal.NewFromFloat(price)
	p.mu.Unlock()
}

// Price returns the latest mark for symbol.
func (p *Portfolio) Price(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.marks[symbol]
	return px, ok
}

// Equity returns cash plus the market value of every open position.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	equity := p.cash
	for sym, pos := range p.positions {
		equity = equity.Add(pos.MarketValue(p.markLocked(sym, pos)))
	}
	return equity
}

// markLocked falls back to the entry price for symbols that were never marked.
func (p *Portfolio) markLocked(sym string, pos Position) decimal.Decimal {
	if px, ok := p.marks[sym]; ok {
		return px
	}
	return pos.AvgEntry()
}

// Observe samples equity into the curve and updates the drawdown.
func (p *Portfolio) Observe(ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.equityLocked().InexactFloat64()
	if equity > p.peak {
		p.peak = equity
	}
	if p.peak > 0 {
		if dd := (p.peak - equity) / p.peak; dd > p.maxDD {
			p.maxDD = dd
		}
	}
	p.curve.Push(EquityPoint{Ts: ts, Equity: equity})
}

// CheckIdentity verifies cash + Σ signed cost basis == initial − fees + realized.
func (p *Portfolio) CheckIdentity() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return checkIdentity(p.initial, p.cash, p.fees, p.realized, p.positions)
}

func checkIdentity(initial, cash, fees, realized decimal.Decimal, positions map[string]Position) error {
	lhs := cash
	for _, pos := range positions {
		lhs = lhs.Add(pos.signedBasis())
	}
	rhs := initial.Sub(fees).Add(realized)
	if !lhs.Equal(rhs) {
		return fmt.Errorf("%w: cash+basis %s != initial-fees+realized %s", ErrInvariant, lhs, rhs)
	}
	return nil
}

// PositionView is the published form of an open position.
type PositionView struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         float64 `json:"qty"`
	AvgEntry    float64 `json:"avg_entry"`
	Mark        float64 `json:"mark"`
	MarketValue float64 `json:"market_value"`
	Unrealized  float64 `json:"unrealized_pnl"`
}

// Snapshot is a consistent copy of the portfolio statistics.
type Snapshot struct {
	Ts            time.Time      `json:"ts"`
	Equity        float64        `json:"equity"`
	Cash          float64        `json:"cash"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Fees          float64        `json:"fees"`
	OpenPositions []PositionView `json:"open_positions"`
	TradeCount    int            `json:"trade_count"`
	WinRate       float64        `json:"win_rate"`
	MaxDrawdown   float64        `json:"max_drawdown"`
	EquityCurve   []EquityPoint  `json:"equity_curve,omitempty"`
}

// Snapshot copies the statistics under one read lock so they are never torn.
func (p *Portfolio) Snapshot(ts time.Time) Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := Snapshot{
		Ts:            ts,
		Cash:          p.cash.InexactFloat64(),
		RealizedPnL:   p.realized.InexactFloat64(),
		Fees:          p.fees.InexactFloat64(),
		TradeCount:    p.trades,
		MaxDrawdown:   p.maxDD,
		OpenPositions: make([]PositionView, 0, len(p.positions)),
		EquityCurve:   p.curve.Values(),
	}
	if p.closes > 0 {
		snap.WinRate = float64(p.wins) / float64(p.closes)
	}
	equity := p.cash
	unrealized := decimal.Zero
	for sym, pos := range p.positions {
		mark := p.markLocked(sym, pos)
		mv := pos.MarketValue(mark)
		upnl := pos.Unrealized(mark)
		equity = equity.Add(mv)
		unrealized = unrealized.Add(upnl)
		snap.OpenPositions = append(snap.OpenPositions, PositionView{
			Symbol:      sym,
			Side:        pos.Side.String(),
			Qty:         pos.Qty.InexactFloat64(),
			AvgEntry:    pos.AvgEntry().InexactFloat64(),
			Mark:        mark.InexactFloat64(),
			MarketValue: mv.InexactFloat64(),
			Unrealized:  upnl.InexactFloat64(),
		})
	}
	sort.Slice(snap.OpenPositions, func(i, j int) bool {
		return snap.OpenPositions[i].Symbol < snap.OpenPositions[j].Symbol
	})
	snap.Equity = equity.InexactFloat64()
	snap.UnrealizedPnL = unrealized.InexactFloat64()
	return snap
}

// Tx stages fills against one symbol. Nothing is visible until Commit succeeds.
type Tx struct {
	p         *Portfolio
	symbol    string
	pos       Position
	cash      decimal.Decimal
	fees      decimal.Decimal
	realized  decimal.Decimal
	closed    decimal.Decimal // realized P&L of this transaction
	closes    int
	wins      int
	fills     []execution.Fill
	committed bool
}

// Begin starts a transaction on symbol from the current state.
func (p *Portfolio) Begin(symbol string) *Tx {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		pos = Position{Symbol: symbol}
	}
	return &Tx{
		p:        p,
		symbol:   symbol,
		pos:      pos,
		cash:     p.cash,
		fees:     p.fees,
		realized: p.realized,
	}
}

// Position returns the staged position.
func (tx *Tx) Position() Position { return tx.pos }

// Cash returns the staged cash.
func (tx *Tx) Cash() decimal.Decimal { return tx.cash }

// Realized returns the P&L realized by the fills applied so far.
func (tx *Tx) Realized() decimal.Decimal { return tx.closed }

// Fills returns the applied fills in order.
func (tx *Tx) Fills() []execution.Fill { return tx.fills }

// Apply stages f. A fill against the open side reduces it first; any remainder opens
// the opposite side.
func (tx *Tx) Apply(f execution.Fill) error {
	if tx.committed {
		return fmt.Errorf("%w: transaction already committed", ErrInvariant)
	}
	if f.Symbol != tx.symbol {
		return fmt.Errorf("%w: fill for %s in transaction on %s", ErrInvariant, f.Symbol, tx.symbol)
	}
	if !f.Qty.IsPositive() || !f.Price.IsPositive() || f.Fee.IsNegative() {
		return fmt.Errorf("%w: fill qty=%s px=%s fee=%s", ErrInvariant, f.Qty, f.Price, f.Fee)
	}
	tx.cash = tx.cash.Sub(f.Fee)
	tx.fees = tx.fees.Add(f.Fee)

	qty := f.Qty
	var opens signal.Direction
	switch f.Side {
	case execution.Buy:
		if tx.pos.Side == signal.Short {
			qty = qty.Sub(tx.reduce(qty, f.Price))
		}
		opens = signal.Long
	case execution.Sell:
		if tx.pos.Side == signal.Long {
			qty = qty.Sub(tx.reduce(qty, f.Price))
		}
		opens = signal.Short
	default:
		return fmt.Errorf("%w: fill side %q", ErrInvariant, f.Side)
	}
	if qty.IsPositive() {
		notional := qty.Mul(f.Price)
		tx.pos.Side = opens
		tx.pos.Qty = tx.pos.Qty.Add(qty)
		tx.pos.CostBasis = tx.pos.CostBasis.Add(notional)
		if opens == signal.Long {
			tx.cash = tx.cash.Sub(notional)
		} else {
			tx.cash = tx.cash.Add(notional)
		}
	}
	tx.fills = append(tx.fills, f)
	return nil
}

// reduce closes up to qty of the open position at price and returns the amount closed.
// The basis removed is the same amount credited against realized, so the identity
// holds exactly whatever the rounding of a partial close.
func (tx *Tx) reduce(qty, price decimal.Decimal) decimal.Decimal {
	q := decimal.Min(qty, tx.pos.Qty)
	if !q.IsPositive() {
		return decimal.Zero
	}
	portion := tx.pos.CostBasis
	if q.LessThan(tx.pos.Qty) {
		portion = tx.pos.CostBasis.Mul(q).Div(tx.pos.Qty)
	}
	proceeds := q.Mul(price)
	var pnl decimal.Decimal
	if tx.pos.Side == signal.Long {
		tx.cash = tx.cash.Add(proceeds)
		pnl = proceeds.Sub(portion)
	} else {
		tx.cash = tx.cash.Sub(proceeds)
		pnl = portion.Sub(proceeds)
	}
	tx.realized = tx.realized.Add(pnl)
	tx.closed = tx.closed.Add(pnl)
	tx.closes++
	if pnl.IsPositive() {
		tx.wins++
	}
	tx.pos.Qty = tx.pos.Qty.Sub(q)
	tx.pos.CostBasis = tx.pos.CostBasis.Sub(portion)
	if tx.pos.Qty.IsZero() {
		tx.pos = Position{Symbol: tx.symbol}
	}
	return q
}

// Commit validates the staged state and writes it back. On error the portfolio is
// left untouched. Cash may go negative when a short is covered at a loss; sizing keeps
// opening legs affordable.
func (tx *Tx) Commit() error {
	if tx.committed {
		return fmt.Errorf("%w: transaction already committed", ErrInvariant)
	}
	pos := tx.pos
	switch {
	case pos.Qty.IsNegative():
		return fmt.Errorf("%w: %s negative quantity %s", ErrInvariant, tx.symbol, pos.Qty)
	case pos.Side == signal.Flat && !pos.Qty.IsZero():
		return fmt.Errorf("%w: %s flat with quantity %s", ErrInvariant, tx.symbol, pos.Qty)
	case pos.Side != signal.Flat && pos.Qty.IsZero():
		return fmt.Errorf("%w: %s %s with zero quantity", ErrInvariant, tx.symbol, pos.Side)
	case pos.CostBasis.IsNegative():
		return fmt.Errorf("%w: %s negative cost basis %s", ErrInvariant, tx.symbol, pos.CostBasis)
	}

	p := tx.p
	p.mu.Lock()
	defer p.mu.Unlock()

	staged := make(map[string]Position, len(p.positions)+1)
	for sym, other := range p.positions {
		if sym != tx.symbol {
			staged[sym] = other
		}
	}
	if pos.Side != signal.Flat {
		staged[tx.symbol] = pos
	}
	if err := checkIdentity(p.initial, tx.cash, tx.fees, tx.realized, staged); err != nil {
		return err
	}

	p.cash, p.fees, p.realized = tx.cash, tx.fees, tx.realized
	p.positions = staged
	if n := len(tx.fills); n > 0 {
		p.trades++
		p.marks[tx.symbol] = tx.fills[n-1].Price
	}
	p.closes += tx.closes
	p.wins += tx.wins
	tx.committed = true
	return nil
}
