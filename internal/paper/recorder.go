package paper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
)

var errRecorderClosed = errors.New("recorder closed")

// OpenRecorder picks a sink by extension: .csv writes CSV, anything else JSON lines.
func OpenRecorder(path string) (TradeRecorder, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return NewCSVRecorder(path)
	}
	return NewJSONLRecorder(path)
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// JSONLRecorder appends trade records as JSON lines for later analysis.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Record writes a single entry to the underlying JSONL file.
func (r *JSONLRecorder) Record(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return errRecorderClosed
	}
	return r.enc.Encode(rec)
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// csvRow flattens a TradeRecord into spreadsheet friendly columns.
type csvRow struct {
	Seq         uint64  `csv:"seq"`
	Ts          string  `csv:"ts"`
	SignalID    string  `csv:"signal_id"`
	Symbol      string  `csv:"symbol"`
	Algorithm   string  `csv:"algorithm"`
	Direction   string  `csv:"direction"`
	Action      string  `csv:"action"`
	Side        string  `csv:"side"`
	Qty         float64 `csv:"qty"`
	Price       float64 `csv:"price"`
	Notional    float64 `csv:"notional"`
	Fee         float64 `csv:"fee"`
	RealizedPnL float64 `csv:"realized_pnl"`
	Confidence  float64 `csv:"signal_confidence"`
	Rejected    bool    `csv:"rejected"`
	Reason      string  `csv:"reason"`
}

func toCSVRow(rec TradeRecord) csvRow {
	return csvRow{
		Seq:         rec.Seq,
		Ts:          rec.Ts.UTC().Format(time.RFC3339Nano),
		SignalID:    rec.SignalID,
		Symbol:      rec.Symbol,
		Algorithm:   rec.Algorithm,
		Direction:   rec.Direction,
		Action:      rec.Action,
		Side:        rec.Side,
		Qty:         rec.Qty,
		Price:       rec.Price,
		Notional:    rec.Notional,
		Fee:         rec.Fee,
		RealizedPnL: rec.RealizedPnL,
		Confidence:  rec.Confidence,
		Rejected:    rec.Rejected,
		Reason:      rec.Reason,
	}
}

// CSVRecorder appends trade records to a CSV file, writing the header once.
type CSVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	header bool
}

// NewCSVRecorder creates/opens the target file. An existing non-empty file keeps its
// header.
func NewCSVRecorder(path string) (*CSVRecorder, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open trade csv: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat trade csv: %w", err)
	}
	return &CSVRecorder{file: file, header: info.Size() > 0}, nil
}

// Record appends one row.
func (r *CSVRecorder) Record(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return errRecorderClosed
	}
	rows := []csvRow{toCSVRow(rec)}
	if !r.header {
		if err := gocsv.Marshal(&rows, r.file); err != nil {
			return fmt.Errorf("write trade csv: %w", err)
		}
		r.header = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(&rows, r.file); err != nil {
		return fmt.Errorf("write trade csv: %w", err)
	}
	return nil
}

// Close closes the file handle.
func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
