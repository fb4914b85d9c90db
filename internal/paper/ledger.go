package paper

import (
	"errors"
	"sync"
	"time"

	"tickpipe-go/internal/window"
)

// Trade actions recorded in the ledger.
const (
	ActionOpen   = "open"
	ActionAdd    = "add"
	ActionClose  = "close"
	ActionFlip   = "flip"
	ActionReject = "reject"
)

// TradeRecord is one immutable ledger entry: an executed signal or a rejected one.
type TradeRecord struct {
	Seq         uint64    `json:"seq"`
	Ts          time.Time `json:"ts"`
	SignalID    string    `json:"signal_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Algorithm   string    `json:"algorithm,omitempty"`
	Direction   string    `json:"direction"`
	Action      string    `json:"action"`
	Side        string    `json:"side,omitempty"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Notional    float64   `json:"notional"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	Confidence  float64   `json:"signal_confidence"`
	Rejected    bool      `json:"rejected"`
	Reason      string    `json:"reason,omitempty"`
}

// TradeRecorder persists ledger entries outside the process.
type TradeRecorder interface {
	Record(TradeRecord) error
	Close() error
}

// Ledger is the append-only trade log. Appends come from the simulator loop; reads may
// come from anywhere. Memory keeps the most recent entries only; sinks and the trades
// topic see every one.
type Ledger struct {
	mu       sync.Mutex
	records  *window.Ring[TradeRecord]
	seq      uint64
	rejected int
	sinks    []TradeRecorder
}

// NewLedger creates an empty ledger retaining up to capacity entries in memory
// (4096 when capacity < 1) and writing every entry through to sinks.
func NewLedger(capacity int, sinks ...TradeRecorder) *Ledger {
	if capacity < 1 {
		capacity = 4096
	}
	return &Ledger{records: window.New[TradeRecord](capacity), sinks: sinks}
}

// Append assigns the next sequence number to rec, stores it and writes it to every
// sink. The record is kept even when a sink fails. Once full, the oldest in-memory
// entry is evicted.
func (l *Ledger) Append(rec TradeRecord) (TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	rec.Seq = l.seq
	l.records.Push(rec)
	if rec.Rejected {
		l.rejected++
	}
	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Record(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return rec, errors.Join(errs...)
}

// Records returns a copy of the retained entries in append order.
func (l *Ledger) Records() []TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Values()
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Len()
}

// Counts returns the executed and rejected entry counts over the whole run.
func (l *Ledger) Counts() (executed, rejected int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.seq) - l.rejected, l.rejected
}

// Close closes every sink.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.sinks = nil
	return errors.Join(errs...)
}
