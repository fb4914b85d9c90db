package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/signal"
)

type binanceEnvelope struct {
	Stream string        `json:"stream"`
	Data   binanceTicker `json:"data"`
}

// binanceTicker is the subset of the 24hr ticker event the adapter normalizes.
// EventType and CloseTime are declared so encoding/json's case-insensitive matching
// does not route "e" and "C" into EventTime and Last.
type binanceTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	CloseTime int64  `json:"C"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	Volume    string `json:"v"`
}

// StreamURL builds the combined ticker stream URL for symbols.
func StreamURL(baseURL string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@ticker"
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimSuffix(baseURL, "/"), strings.Join(streams, "/"))
}

func (f *Feed) runBinance(ctx context.Context, out chan<- signal.Tick) error {
	if len(f.snapshotSymbols()) == 0 {
		return fmt.Errorf("binance feed requires at least one symbol")
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url := StreamURL(f.baseURL, f.snapshotSymbols())
		received, err := f.consumeBinanceStream(ctx, url, out)
		f.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			attempt = 0
		}
		attempt++
		wait := f.backoff.Next(attempt)
		f.reconnects.Add(1)
		metrics.FeedReconnects.Inc()
		f.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("binance feed disconnected, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// consumeBinanceStream runs one websocket session and returns how many ticks it read.
func (f *Feed) consumeBinanceStream(ctx context.Context, url string, out chan<- signal.Tick) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	// Unblocks ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	f.setConnected(true)
	f.log.Info().Str("provider", ProviderBinance).Strs("symbols", f.snapshotSymbols()).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	received := 0
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))

		tick, err := parseBinanceTicker(message)
		if err != nil {
			f.malformedMessage(err, "failed to decode binance message")
			continue
		}
		received++
		f.emit(out, tick)
	}
}

var errMissingField = errors.New("missing field")

func parseBinanceTicker(message []byte) (signal.Tick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return signal.Tick{}, err
	}
	d := env.Data
	symbol := strings.ToUpper(d.Symbol)
	if symbol == "" {
		symbol = parseBinanceSymbol(env.Stream)
	}
	if symbol == "" {
		return signal.Tick{}, fmt.Errorf("symbol: %w", errMissingField)
	}

	tick := signal.Tick{Symbol: symbol}
	for _, fld := range []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"c", d.Last, &tick.Last},
		{"b", d.Bid, &tick.Bid},
		{"a", d.Ask, &tick.Ask},
		{"B", d.BidQty, &tick.BidSize},
		{"A", d.AskQty, &tick.AskSize},
		{"v", d.Volume, &tick.Volume},
	} {
		if fld.raw == "" {
			return signal.Tick{}, fmt.Errorf("%s: %w", fld.name, errMissingField)
		}
		v, err := strconv.ParseFloat(fld.raw, 64)
		if err != nil {
			return signal.Tick{}, fmt.Errorf("%s: %w", fld.name, err)
		}
		*fld.dst = v
	}
	if d.EventTime > 0 {
		tick.Ts = time.UnixMilli(d.EventTime)
	} else {
		tick.Ts = time.Now()
	}
	return tick, nil
}

func parseBinanceSymbol(stream string) string {
	parts := strings.Split(stream, "@")
	if len(parts) == 0 || parts[0] == "" {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(parts[0])
}
