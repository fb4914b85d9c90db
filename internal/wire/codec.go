package wire

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tickpipe-go/internal/signal"
)

// Tick body field numbers.
const (
	tickSymbol  protowire.Number = 1
	tickTs      protowire.Number = 2
	tickMono    protowire.Number = 3
	tickLast    protowire.Number = 4
	tickBid     protowire.Number = 5
	tickAsk     protowire.Number = 6
	tickBidSize protowire.Number = 7
	tickAskSize protowire.Number = 8
	tickVolume  protowire.Number = 9
)

// Signal body field numbers.
const (
	sigID         protowire.Number = 1
	sigSymbol     protowire.Number = 2
	sigTs         protowire.Number = 3
	sigDirection  protowire.Number = 4
	sigConfidence protowire.Number = 5
	sigAlgorithm  protowire.Number = 6
	sigPrice      protowire.Number = 7
	sigTickSeq    protowire.Number = 8
	sigReason     protowire.Number = 9
)

const controlClient protowire.Number = 1

// EncodeTick appends a tick frame to dst[:0]. The tick sequence travels in the header.
func EncodeTick(dst []byte, t signal.Tick) ([]byte, error) {
	b := begin(dst, KindTick, t.Seq)
	b = appendString(b, tickSymbol, t.Symbol)
	b = appendTime(b, tickTs, t.Ts)
	b = appendInt(b, tickMono, t.Mono)
	b = appendDouble(b, tickLast, t.Last)
	b = appendDouble(b, tickBid, t.Bid)
	b = appendDouble(b, tickAsk, t.Ask)
	b = appendDouble(b, tickBidSize, t.BidSize)
	b = appendDouble(b, tickAskSize, t.AskSize)
	b = appendDouble(b, tickVolume, t.Volume)
	return finish(b)
}

// DecodeTick parses and validates a tick frame.
func DecodeTick(frame []byte) (signal.Tick, error) {
	h, body, err := expect(frame, KindTick)
	if err != nil {
		return signal.Tick{}, err
	}
	t := signal.Tick{Seq: h.Seq}
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case tickSymbol:
			return consumeString(typ, b, &t.Symbol)
		case tickTs:
			return consumeTime(typ, b, &t.Ts)
		case tickMono:
			return consumeInt(typ, b, &t.Mono)
		case tickLast:
			return consumeDouble(typ, b, &t.Last)
		case tickBid:
			return consumeDouble(typ, b, &t.Bid)
		case tickAsk:
			return consumeDouble(typ, b, &t.Ask)
		case tickBidSize:
			return consumeDouble(typ, b, &t.BidSize)
		case tickAskSize:
			return consumeDouble(typ, b, &t.AskSize)
		case tickVolume:
			return consumeDouble(typ, b, &t.Volume)
		}
		return 0
	})
	if err != nil {
		return signal.Tick{}, err
	}
	if err := t.Validate(); err != nil {
		return signal.Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	return t, nil
}

// EncodeSignal appends a signal frame to dst[:0] using seq as the frame sequence.
func EncodeSignal(dst []byte, seq uint64, s signal.Signal) ([]byte, error) {
	b := begin(dst, KindSignal, seq)
	b = appendString(b, sigID, s.ID)
	b = appendString(b, sigSymbol, s.Symbol)
	b = appendTime(b, sigTs, s.Ts)
	b = protowire.AppendTag(b, sigDirection, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Direction))
	b = appendDouble(b, sigConfidence, s.Confidence)
	b = appendString(b, sigAlgorithm, s.Algorithm)
	b = appendDouble(b, sigPrice, s.Price)
	b = protowire.AppendTag(b, sigTickSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, s.TickSeq)
	if s.Reason != "" {
		b = appendString(b, sigReason, s.Reason)
	}
	return finish(b)
}

// DecodeSignal parses and validates a signal frame, returning the frame sequence too.
func DecodeSignal(frame []byte) (signal.Signal, uint64, error) {
	h, body, err := expect(frame, KindSignal)
	if err != nil {
		return signal.Signal{}, 0, err
	}
	var s signal.Signal
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case sigID:
			return consumeString(typ, b, &s.ID)
		case sigSymbol:
			return consumeString(typ, b, &s.Symbol)
		case sigTs:
			return consumeTime(typ, b, &s.Ts)
		case sigDirection:
			var v uint64
			n := consumeUint(typ, b, &v)
			if n > 0 {
				if v > math.MaxUint8 {
					v = math.MaxUint8
				}
				s.Direction = signal.Direction(v)
			}
			return n
		case sigConfidence:
			return consumeDouble(typ, b, &s.Confidence)
		case sigAlgorithm:
			return consumeString(typ, b, &s.Algorithm)
		case sigPrice:
			return consumeDouble(typ, b, &s.Price)
		case sigTickSeq:
			return consumeUint(typ, b, &s.TickSeq)
		case sigReason:
			return consumeString(typ, b, &s.Reason)
		}
		return 0
	})
	if err != nil {
		return signal.Signal{}, 0, err
	}
	if err := s.Validate(); err != nil {
		return signal.Signal{}, 0, fmt.Errorf("decode signal: %w", err)
	}
	return s, h.Seq, nil
}

// Control is a subscription management request.
type Control struct {
	Kind   Kind // KindSubscribe or KindUnsubscribe
	Client string
}

// EncodeControl builds a subscribe or unsubscribe frame.
func EncodeControl(dst []byte, c Control) ([]byte, error) {
	if c.Kind != KindSubscribe && c.Kind != KindUnsubscribe {
		return nil, fmt.Errorf("%w: control frame cannot carry %s", ErrKindMismatch, c.Kind)
	}
	b := begin(dst, c.Kind, 0)
	b = appendString(b, controlClient, c.Client)
	return finish(b)
}

// DecodeControl parses a subscribe or unsubscribe frame.
func DecodeControl(frame []byte) (Control, error) {
	h, body, err := Peek(frame)
	if err != nil {
		return Control{}, err
	}
	if h.Kind != KindSubscribe && h.Kind != KindUnsubscribe {
		return Control{}, fmt.Errorf("%w: got %s want control", ErrKindMismatch, h.Kind)
	}
	c := Control{Kind: h.Kind}
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == controlClient {
			return consumeString(typ, b, &c.Client)
		}
		return 0
	})
	if err != nil {
		return Control{}, err
	}
	return c, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendTime(b []byte, num protowire.Number, ts time.Time) []byte {
	var nanos int64
	if !ts.IsZero() {
		nanos = ts.UnixNano()
	}
	return appendInt(b, num, nanos)
}

// The consume helpers return 0 on a wire-type mismatch so walk skips the field.

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func consumeUint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) int {
	var raw uint64
	n := consumeUint(typ, b, &raw)
	if n > 0 {
		*dst = protowire.DecodeZigZag(raw)
	}
	return n
}

func consumeTime(typ protowire.Type, b []byte, dst *time.Time) int {
	var nanos int64
	n := consumeInt(typ, b, &nanos)
	if n > 0 && nanos != 0 {
		*dst = time.Unix(0, nanos).UTC()
	}
	return n
}
