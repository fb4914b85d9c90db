// Package health exposes the per-stage liveness report read by the control plane.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status summarizes whether a stage is doing useful work.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusHalted   Status = "halted"
)

// Report is the liveness payload served on /healthz.
type Report struct {
	Stage         string            `json:"stage"`
	Status        Status            `json:"status"`
	RunID         string            `json:"run_id,omitempty"`
	FeedConnected *bool             `json:"feed_connected,omitempty"`
	LastTickAgeMs int64             `json:"last_tick_age_ms"`
	SignalRate    float64           `json:"signal_rate_per_sec"`
	RejectionRate float64           `json:"rejection_rate_per_sec"`
	Counters      map[string]uint64 `json:"counters,omitempty"`
}

// Handler serves fn's report as JSON, answering 503 while the stage is down or halted.
func Handler(fn func() Report) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := fn()
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown || report.Status == StatusHalted {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// AgeMs returns the milliseconds elapsed since last, or -1 when nothing was observed.
func AgeMs(last, now time.Time) int64 {
	if last.IsZero() {
		return -1
	}
	return now.Sub(last).Milliseconds()
}

// Bool returns a pointer for optional report fields.
func Bool(v bool) *bool { return &v }
