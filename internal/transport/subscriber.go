package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/wire"
)

const defaultRefresh = 2 * time.Second

// Handler receives one validated-header frame. The slice is reused after the call
// returns. A returned error marks the frame rejected and is counted under its reason.
type Handler func(h wire.Header, frame []byte) error

// SubscriberConfig binds a subscriber socket to an optional publisher.
type SubscriberConfig struct {
	Stage     string // metric label
	Listen    string // local UDP address, 127.0.0.1:0 picks a free port
	Publisher string // broadcaster address to register with; empty for static wiring
	Client    string // name announced in subscribe frames
	Refresh   time.Duration
}

// SubscriberStats counts inbound traffic.
type SubscriberStats struct {
	Received  uint64
	Accepted  uint64
	Rejected  uint64
	LastFrame time.Time
}

// Subscriber receives frames from a Broadcaster.
type Subscriber struct {
	cfg       SubscriberConfig
	conn      *net.UDPConn
	publisher *net.UDPAddr
	log       zerolog.Logger

	received  atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	lastFrame atomic.Int64
	running   atomic.Bool
}

// NewSubscriber binds the local socket. Frames are read once Run starts.
func NewSubscriber(cfg SubscriberConfig, log zerolog.Logger) (*Subscriber, error) {
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen %q: %w", cfg.Listen, err)
	}
	s := &Subscriber{cfg: cfg, log: log.With().Str("component", "subscriber").Logger()}
	if cfg.Publisher != "" {
		if s.publisher, err = net.ResolveUDPAddr("udp", cfg.Publisher); err != nil {
			return nil, fmt.Errorf("resolve publisher %q: %w", cfg.Publisher, err)
		}
	}
	if s.conn, err = net.ListenUDP("udp", laddr); err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.Listen, err)
	}
	return s, nil
}

// Addr returns the bound local address.
func (s *Subscriber) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stats returns inbound counters.
func (s *Subscriber) Stats() SubscriberStats {
	st := SubscriberStats{
		Received: s.received.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
	if ns := s.lastFrame.Load(); ns > 0 {
		st.LastFrame = time.Unix(0, ns)
	}
	return st
}

// Run registers with the publisher, refreshes the registration and hands frames to
// handle until ctx is done. On return it sends an unsubscribe and closes the socket.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("subscriber already running")
	}
	defer s.conn.Close()

	s.announce(wire.KindSubscribe)
	defer s.announce(wire.KindUnsubscribe)

	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, readBufferSize)
	nextRefresh := time.Now().Add(s.cfg.Refresh)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if now := time.Now(); !now.Before(nextRefresh) {
			s.announce(wire.KindSubscribe)
			nextRefresh = now.Add(s.cfg.Refresh)
		}
		deadline := time.Now().Add(controlPoll)
		if nextRefresh.Before(deadline) {
			deadline = nextRefresh
		}
		_ = s.conn.SetReadDeadline(deadline)
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrClosed
			}
			s.log.Warn().Err(err).Msg("read failed")
			continue
		}
		s.received.Add(1)
		s.dispatch(buf[:n], handle)
	}
}

func (s *Subscriber) dispatch(frame []byte, handle Handler) {
	h, _, err := wire.Peek(frame)
	if err == nil {
		err = handle(h, frame)
	}
	if err != nil {
		s.rejected.Add(1)
		metrics.FramesRejected.WithLabelValues(s.cfg.Stage, wire.Reason(err)).Inc()
		s.log.Debug().Err(err).Msg("dropping frame")
		return
	}
	s.accepted.Add(1)
	s.lastFrame.Store(time.Now().UnixNano())
}

func (s *Subscriber) announce(kind wire.Kind) {
	if s.publisher == nil {
		return
	}
	frame, err := wire.EncodeControl(nil, wire.Control{Kind: kind, Client: s.cfg.Client})
	if err != nil {
		s.log.Error().Err(err).Msg("encode control frame")
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if _, err := s.conn.WriteToUDP(frame, s.publisher); err != nil {
		metrics.SendErrors.WithLabelValues(s.cfg.Stage).Inc()
		s.log.Warn().Err(err).Str("publisher", s.publisher.String()).Str("kind", kind.String()).Msg("control send failed")
	}
}
