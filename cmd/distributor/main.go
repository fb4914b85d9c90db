package main

import (
	"context"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/cli"
	"tickpipe-go/internal/config"
	"tickpipe-go/internal/distributor"
	"tickpipe-go/internal/exchange"
	"tickpipe-go/internal/transport"
)

func main() {
	cli.Execute(cli.Command(config.StageDistributor, "Stream ticks from the upstream feed to UDP subscribers", run))
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	f := cfg.Feed
	opts := []exchange.Option{
		exchange.WithBackoff(exchange.Backoff{
			Min:    config.Millis(f.Backoff.MinMs),
			Max:    config.Millis(f.Backoff.MaxMs),
			Factor: f.Backoff.Factor,
			Jitter: f.Backoff.Jitter,
		}),
		exchange.WithReadTimeout(config.Millis(f.ReadTimeoutMs)),
		exchange.WithPingInterval(config.Millis(f.PingIntervalMs)),
		exchange.WithStubInterval(config.Millis(f.StubIntervalMs)),
	}
	if f.URL != "" {
		opts = append(opts, exchange.WithBaseURL(f.URL))
	}
	feed := exchange.NewFeed(f.Provider, f.Symbols, log, opts...)

	bc, err := transport.NewBroadcaster(transport.BroadcasterConfig{
		Stage:        distributor.Stage,
		Listen:       cfg.Distributor.Listen,
		Static:       cfg.Distributor.Subscribers,
		TTL:          config.Millis(cfg.Distributor.SubscriberTTLMs),
		WriteTimeout: config.Millis(cfg.Distributor.WriteTimeoutMs),
	}, log)
	if err != nil {
		return err
	}
	d := distributor.New(feed, bc, distributor.Options{
		RunID:     cfg.App.RunID,
		QueueSize: f.QueueSize,
	}, log)

	cli.ServeHealth(ctx, cfg.Distributor.HealthAddr, d.Health, log)
	return d.Run(ctx)
}
