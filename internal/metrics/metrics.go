package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_dropped_total", Help: "Ticks dropped before reaching a consumer"},
		[]string{"reason"},
	)
	FeedMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_malformed_total", Help: "Upstream feed messages that failed to normalize"},
	)
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Upstream feed reconnect attempts"},
	)
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_connected", Help: "1 while the upstream feed session is open"},
	)
	FramesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "frames_rejected_total", Help: "Datagram frames dropped by validation"},
		[]string{"stage", "reason"},
	)
	DatagramsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "datagrams_sent_total", Help: "Datagrams written to subscribers"},
		[]string{"stage"},
	)
	SendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "datagram_send_errors_total", Help: "Datagram writes that failed"},
		[]string{"stage"},
	)
	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_emitted_total", Help: "Signals emitted by the engine"},
		[]string{"algorithm", "direction"},
	)
	SignalsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_suppressed_total", Help: "Signal conditions that were not emitted"},
		[]string{"reason"},
	)
	SignalsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_rejected_total", Help: "Signals rejected by the simulator"},
		[]string{"reason"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fills_total", Help: "Simulated fills"},
		[]string{"symbol", "side"},
	)
	PortfolioEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "portfolio_equity", Help: "Marked-to-market simulator equity"},
	)
	SnapshotsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "snapshots_published_total", Help: "Statistics snapshots published to the bus"},
	)
	PublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bus_publish_errors_total", Help: "Failed bus publications"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TicksDropped, FeedMalformed, FeedReconnects, FeedConnected,
		FramesRejected, DatagramsSent, SendErrors,
		SignalsEmitted, SignalsSuppressed, SignalsRejected,
		FillsTotal, PortfolioEquity, SnapshotsPublished, PublishErrors,
	)
}

// Serve exposes /metrics and, when health is non-nil, /healthz on addr.
func Serve(addr string, health http.Handler) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if health != nil {
		router.Handle("/healthz", health).Methods(http.MethodGet)
	}
	srv := &http.Server{Addr: addr, Handler: router}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
