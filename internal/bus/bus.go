// Package bus publishes simulator statistics to a pub/sub channel scoped per run.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/config"
	"tickpipe-go/internal/metrics"
)

// Drivers accepted by Open.
const (
	DriverLocal = "local"
	DriverRedis = "redis"
)

// Publisher delivers one encoded message per call.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// StatsTopic is the channel carrying portfolio snapshots for runID.
func StatsTopic(prefix, runID string) string { return topic(prefix, runID, "stats") }

// TradesTopic is the channel carrying trade records for runID.
func TradesTopic(prefix, runID string) string { return topic(prefix, runID, "trades") }

func topic(prefix, runID, kind string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, runID, kind} {
		if p = strings.Trim(p, ". "); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Open builds the publisher selected by cfg.Driver.
func Open(cfg config.Bus, log zerolog.Logger) (Publisher, error) {
	switch cfg.Driver {
	case "", DriverLocal:
		return NewLocal(), nil
	case DriverRedis:
		return NewRedis(cfg.URL, config.Millis(cfg.TimeoutMs), log)
	default:
		return nil, fmt.Errorf("%w: bus driver %q", config.ErrInvalid, cfg.Driver)
	}
}

// JSON marshals v and publishes it, counting the outcome. Failures are returned for
// logging; publication is never retried.
func JSON(ctx context.Context, pub Publisher, topic string, v any, timeout time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := pub.Publish(ctx, topic, payload); err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
