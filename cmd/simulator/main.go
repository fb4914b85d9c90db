package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"tickpipe-go/internal/bus"
	"tickpipe-go/internal/cli"
	"tickpipe-go/internal/config"
	"tickpipe-go/internal/paper"
	"tickpipe-go/internal/risk"
	"tickpipe-go/internal/simulator"
	"tickpipe-go/internal/transport"
)

func main() {
	cli.Execute(cli.Command(config.StageSimulator, "Simulate a portfolio from broadcast signals and publish its statistics", run))
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	s := cfg.Simulator

	pub, err := bus.Open(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer pub.Close()
	if r, ok := pub.(*bus.Redis); ok {
		if err := r.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("bus unreachable at startup; snapshots will be dropped until it recovers")
		}
	}

	var extra []simulator.Option
	if s.TradesPath != "" {
		rec, err := paper.OpenRecorder(s.TradesPath)
		if err != nil {
			return err
		}
		extra = append(extra, simulator.WithRecorder(rec))
	}
	sim := simulator.New(simulator.Options{
		RunID:           cfg.App.RunID,
		InitialCapital:  s.InitialCapital,
		PositionSizePct: s.PositionSizePct,
		FeePct:          s.FeePct,
		Limits: risk.Limits{
			MinConfidence:       s.MinConfidence,
			AllowShort:          s.AllowShort,
			MaxPositionNotional: s.MaxPositionSize,
		},
		IntakeSize:        s.IntakeSize,
		Heartbeat:         config.Millis(s.HeartbeatMs),
		EquityCurvePoints: s.EquityCurvePoints,
		LedgerRecords:     s.LedgerRecords,
		TopicPrefix:       cfg.Bus.TopicPrefix,
		PublishTimeout:    config.Millis(cfg.Bus.TimeoutMs),
	}, pub, log, extra...)
	defer sim.Close()

	client := simulator.Stage + "/" + cfg.App.RunID
	signals, err := transport.NewSubscriber(transport.SubscriberConfig{
		Stage:     simulator.Stage,
		Listen:    s.Listen,
		Publisher: s.Source,
		Client:    client,
		Refresh:   config.Millis(s.RefreshMs),
	}, log)
	if err != nil {
		return err
	}
	var marks *transport.Subscriber
	if s.MarkSource != "" {
		marks, err = transport.NewSubscriber(transport.SubscriberConfig{
			Stage:     simulator.Stage,
			Listen:    s.MarkListen,
			Publisher: s.MarkSource,
			Client:    client + "/marks",
			Refresh:   config.Millis(s.RefreshMs),
		}, log)
		if err != nil {
			return err
		}
	}

	cli.ServeHealth(ctx, s.HealthAddr, sim.Health, log)
	err = sim.Run(ctx, signals, marks)
	sim.Summary(os.Stdout)
	return err
}
