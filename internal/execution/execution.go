// Package execution turns sized orders into simulated fills at the reference price.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tickpipe-go/internal/metrics"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy opens or adds to a long, or covers a short.
	Buy Side = "BUY"
	// Sell closes a long, or opens or adds to a short.
	Sell Side = "SELL"
)

// ErrInvalidOrder is returned for orders that cannot be filled.
var ErrInvalidOrder = errors.New("invalid order")

// Order represents a request the executor fills immediately.
type Order struct {
	Symbol string
	Side   Side
	Qty    decimal.Decimal
	Price  decimal.Decimal // reference price; the fill happens here with no slippage
}

// Fill is the simulated execution of an Order.
type Fill struct {
	Symbol   string
	Side     Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal
	Fee      decimal.Decimal
	Ts       time.Time
}

// Executor fills orders at the reference price and charges a proportional fee.
type Executor struct {
	log    zerolog.Logger
	feePct decimal.Decimal
}

// NewExecutor builds an executor charging feePct of notional on every fill.
func NewExecutor(feePct float64, log zerolog.Logger) *Executor {
	return &Executor{log: log, feePct: decimal.NewFromFloat(feePct)}
}

// FeePct returns the configured fee rate.
func (e *Executor) FeePct() decimal.Decimal { return e.feePct }

// FeeFor returns the fee charged on notional.
func (e *Executor) FeeFor(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(e.feePct)
}

// Fill executes order at its reference price.
func (e *Executor) Fill(order Order, ts time.Time) (Fill, error) {
	if order.Side != Buy && order.Side != Sell {
		return Fill{}, fmt.Errorf("%w: side %q", ErrInvalidOrder, order.Side)
	}
	if !order.Qty.IsPositive() {
		return Fill{}, fmt.Errorf("%w: quantity %s", ErrInvalidOrder, order.Qty)
	}
	if !order.Price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: price %s", ErrInvalidOrder, order.Price)
	}
	notional := order.Qty.Mul(order.Price)
	fill := Fill{
		Symbol:   order.Symbol,
		Side:     order.Side,
		Qty:      order.Qty,
		Price:    order.Price,
		Notional: notional,
		Fee:      e.FeeFor(notional),
		Ts:       ts,
	}
	metrics.FillsTotal.WithLabelValues(order.Symbol, string(order.Side)).Inc()
	e.log.Debug().
		Str("sym", order.Symbol).
		Str("side", string(order.Side)).
		Str("qty", order.Qty.String()).
		Str("px", order.Price.String()).
		Str("fee", fill.Fee.String()).
		Msg("simulated fill")
	return fill, nil
}
