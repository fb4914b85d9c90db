// Package wire defines the self-contained datagram frames exchanged between pipeline stages.
//
// Every frame starts with a fixed 16-byte big-endian header followed by a body encoded
// as protobuf wire-format tagged fields:
//
//	0..1   magic "TP"
//	2      version
//	3      kind
//	4..7   body length
//	8..15  sequence
//
// Receivers skip unknown field numbers inside the body and ignore any bytes that follow
// the declared body, so newer senders can extend frames without breaking older stages.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// Version is the frame layout revision; bumped only on breaking changes.
	Version uint8 = 1
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 16
	// MaxFrameSize keeps every frame inside a single Ethernet-MTU datagram.
	MaxFrameSize = 1400

	magic0 = 'T'
	magic1 = 'P'
)

// Kind identifies the payload carried by a frame.
type Kind uint8

const (
	KindTick        Kind = 1
	KindSignal      Kind = 2
	KindSubscribe   Kind = 3
	KindUnsubscribe Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindSignal:
		return "signal"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrShortFrame         = errors.New("wire: short frame")
	ErrBadMagic           = errors.New("wire: bad magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrUnknownKind        = errors.New("wire: unknown kind")
	ErrKindMismatch       = errors.New("wire: unexpected kind")
	ErrTooLarge           = errors.New("wire: frame exceeds max size")
	ErrMalformed          = errors.New("wire: malformed body")
)

// Header is the decoded fixed prefix of a frame.
type Header struct {
	Version uint8
	Kind    Kind
	Length  uint32
	Seq     uint64
}

// Peek validates the header and returns it along with the declared body.
func Peek(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, ErrShortFrame
	}
	if frame[0] != magic0 || frame[1] != magic1 {
		return Header{}, nil, ErrBadMagic
	}
	h := Header{
		Version: frame[2],
		Kind:    Kind(frame[3]),
		Length:  binary.BigEndian.Uint32(frame[4:8]),
		Seq:     binary.BigEndian.Uint64(frame[8:16]),
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Kind < KindTick || h.Kind > KindUnsubscribe {
		return h, nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(h.Kind))
	}
	end := HeaderSize + int(h.Length)
	if int(h.Length) > MaxFrameSize || end > len(frame) {
		return h, nil, ErrShortFrame
	}
	return h, frame[HeaderSize:end], nil
}

// begin reserves the header in dst and returns the buffer ready for body appends.
func begin(dst []byte, kind Kind, seq uint64) []byte {
	dst = append(dst[:0], make([]byte, HeaderSize)...)
	dst[0], dst[1] = magic0, magic1
	dst[2] = Version
	dst[3] = byte(kind)
	binary.BigEndian.PutUint64(dst[8:16], seq)
	return dst
}

func finish(frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(frame))
	}
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(frame)-HeaderSize))
	return frame, nil
}

func expect(frame []byte, kind Kind) (Header, []byte, error) {
	h, body, err := Peek(frame)
	if err != nil {
		return h, nil, err
	}
	if h.Kind != kind {
		return h, nil, fmt.Errorf("%w: got %s want %s", ErrKindMismatch, h.Kind, kind)
	}
	return h, body, nil
}

// fieldVisitor consumes the value of a known field and returns the bytes used.
// Returning 0 hands the field back to walk, which skips it as unknown.
type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) int

func walk(body []byte, visit fieldVisitor) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		body = body[n:]
		used := visit(num, typ, body)
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, body)
		}
		if used < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(used))
		}
		body = body[used:]
	}
	return nil
}

// Reason maps a decode error to a short metric label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShortFrame):
		return "short"
	case errors.Is(err, ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, ErrKindMismatch):
		return "kind_mismatch"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "invalid"
	}
}
