package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMeterRateExpires(t *testing.T) {
	clock := time.Unix(1_000, 0)
	m := NewMeter(10 * time.Second)
	m.now = func() time.Time { return clock }

	m.Mark(5)
	clock = clock.Add(time.Second)
	m.Mark(5)
	if got := m.Rate(); got != 1 {
		t.Fatalf("expected 10 events / 10s = 1, got %v", got)
	}

	clock = clock.Add(9 * time.Second)
	if got := m.Rate(); got != 0.5 {
		t.Fatalf("expected first bucket expired, got %v", got)
	}
	clock = clock.Add(time.Minute)
	if got := m.Rate(); got != 0 {
		t.Fatalf("expected empty window, got %v", got)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	report := Report{Stage: "distributor", Status: StatusOK, FeedConnected: Bool(true)}
	h := Handler(func() Report { return report })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decoded Report
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.FeedConnected == nil || !*decoded.FeedConnected {
		t.Fatalf("expected feed_connected=true in %s", rec.Body.String())
	}

	report.Status = StatusDown
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when down, got %d", rec.Code)
	}
}

func TestAgeMs(t *testing.T) {
	now := time.Now()
	if AgeMs(time.Time{}, now) != -1 {
		t.Fatalf("expected -1 for zero time")
	}
	if got := AgeMs(now.Add(-1500*time.Millisecond), now); got != 1500 {
		t.Fatalf("expected 1500ms, got %d", got)
	}
}
