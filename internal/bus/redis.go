package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis publishes over Redis PUBLISH so any number of external readers can follow a run.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedis connects to url (redis://host:port/db) with bounded dial/read/write timeouts.
func NewRedis(url string, timeout time.Duration, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return &Redis{client: redis.NewClient(opts), log: log}, nil
}

// Ping checks connectivity once, typically at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Publish sends payload to the topic channel.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	receivers, err := r.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		return err
	}
	r.log.Debug().Str("topic", topic).Int64("receivers", receivers).Msg("published")
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }
