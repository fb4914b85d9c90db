package main

import (
	"context"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/cli"
	"tickpipe-go/internal/config"
	"tickpipe-go/internal/engine"
	"tickpipe-go/internal/strategy"
	"tickpipe-go/internal/transport"
)

func main() {
	cli.Execute(cli.Command(config.StageEngine, "Turn distributed ticks into rate-limited trading signals", run))
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	e := cfg.Engine
	p := e.Strategy.Params

	out, err := transport.NewBroadcaster(transport.BroadcasterConfig{
		Stage:        engine.Stage,
		Listen:       e.Publish,
		Static:       e.Subscribers,
		TTL:          config.Millis(e.SubscriberTTLMs),
		WriteTimeout: config.Millis(e.WriteTimeoutMs),
	}, log)
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Options{
		RunID: cfg.App.RunID,
		Mode:  e.Strategy.Mode,
		Params: strategy.Params{
			RSIPeriod:         p.RSIPeriod,
			RSIOverbought:     p.RSIOverbought,
			RSIOversold:       p.RSIOversold,
			RSIConfidenceSpan: p.RSIConfidenceSpan,
			OBIWindow:         p.OBIWindow,
			OBIThreshold:      p.OBIThreshold,
			OBIMinVolume:      p.OBIMinVolume,
		},
		Shards:    e.Shards,
		QueueSize: e.QueueSize,
		Cooldown:  config.Millis(e.CooldownMs),
		Reorder:   e.Reorder,
	}, out, log)
	if err != nil {
		out.Close()
		return err
	}
	src, err := transport.NewSubscriber(transport.SubscriberConfig{
		Stage:     engine.Stage,
		Listen:    e.Listen,
		Publisher: e.Source,
		Client:    engine.Stage + "/" + cfg.App.RunID,
		Refresh:   config.Millis(e.RefreshMs),
	}, log)
	if err != nil {
		out.Close()
		return err
	}

	cli.ServeHealth(ctx, e.HealthAddr, eng.Health, log)
	return eng.Run(ctx, src)
}
