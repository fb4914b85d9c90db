package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalid wraps every configuration problem reported by Validate.
var ErrInvalid = errors.New("invalid config")

// Stage names a pipeline process whose configuration can be validated on its own.
type Stage string

const (
	StageDistributor Stage = "distributor"
	StageEngine      Stage = "engine"
	StageSimulator   Stage = "simulator"
)

// Validate checks the sections used by stage and returns every problem joined together.
func (c *Config) Validate(stage Stage) error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch stage {
	case StageDistributor:
		c.validateFeed(add)
		checkAddr(add, "distributor.listen", c.Distributor.Listen)
		for _, sub := range c.Distributor.Subscribers {
			checkAddr(add, "distributor.subscribers", sub)
		}
	case StageEngine:
		checkAddr(add, "engine.source", c.Engine.Source)
		checkAddr(add, "engine.listen", c.Engine.Listen)
		checkAddr(add, "engine.publish", c.Engine.Publish)
		if c.Engine.Shards < 1 {
			add("engine.shards must be >= 1, got %d", c.Engine.Shards)
		}
		if c.Engine.CooldownMs < 0 {
			add("engine.cooldown_ms must be >= 0, got %d", c.Engine.CooldownMs)
		}
		switch c.Engine.Reorder {
		case "arrival", "drop_stale":
		default:
			add("engine.reorder must be arrival or drop_stale, got %q", c.Engine.Reorder)
		}
		c.validateStrategy(add)
	case StageSimulator:
		checkAddr(add, "simulator.source", c.Simulator.Source)
		checkAddr(add, "simulator.listen", c.Simulator.Listen)
		if c.Simulator.MarkSource != "" {
			checkAddr(add, "simulator.mark_source", c.Simulator.MarkSource)
		}
		c.validateSimulation(add)
		c.validateBus(add)
	default:
		add("unknown stage %q", stage)
	}
	return errors.Join(problems...)
}

func (c *Config) validateFeed(add func(string, ...any)) {
	switch strings.ToLower(c.Feed.Provider) {
	case "stub", "binance":
	default:
		add("feed.provider must be stub or binance, got %q", c.Feed.Provider)
	}
	if len(c.Feed.Symbols) == 0 {
		add("feed.symbols must list at least one symbol")
	}
	if c.Feed.QueueSize < 1 {
		add("feed.queue_size must be >= 1, got %d", c.Feed.QueueSize)
	}
	b := c.Feed.Backoff
	if b.MinMs <= 0 || b.MaxMs < b.MinMs {
		add("feed.backoff requires 0 < min_ms <= max_ms, got %d/%d", b.MinMs, b.MaxMs)
	}
	if b.Factor < 1 {
		add("feed.backoff.factor must be >= 1, got %v", b.Factor)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		add("feed.backoff.jitter must be within [0,1], got %v", b.Jitter)
	}
}

func (c *Config) validateStrategy(add func(string, ...any)) {
	p := c.Engine.Strategy.Params
	switch strings.ToLower(strings.TrimSpace(c.Engine.Strategy.Mode)) {
	case "rsi", "momentum":
		if p.RSIPeriod < 2 {
			add("strategy.params.rsi_period must be >= 2, got %d", p.RSIPeriod)
		}
		if p.RSIOversold <= 0 || p.RSIOverbought >= 100 || p.RSIOversold >= p.RSIOverbought {
			add("strategy.params require 0 < rsi_oversold < rsi_overbought < 100, got %v/%v", p.RSIOversold, p.RSIOverbought)
		}
		if p.RSIConfidenceSpan < 0 {
			add("strategy.params.rsi_confidence_span must be >= 0, got %v", p.RSIConfidenceSpan)
		}
	case "obi", "imbalance":
		if p.OBIWindow < 1 {
			add("strategy.params.obi_window must be >= 1, got %d", p.OBIWindow)
		}
		if p.OBIThreshold <= 0 || p.OBIThreshold >= 1 {
			add("strategy.params.obi_threshold must be within (0,1), got %v", p.OBIThreshold)
		}
		if p.OBIMinVolume < 0 {
			add("strategy.params.obi_min_volume must be >= 0, got %v", p.OBIMinVolume)
		}
	default:
		add("strategy.mode must be rsi or obi, got %q", c.Engine.Strategy.Mode)
	}
}

func (c *Config) validateSimulation(add func(string, ...any)) {
	s := c.Simulator
	if s.InitialCapital <= 0 {
		add("simulator.initial_capital must be positive, got %v", s.InitialCapital)
	}
	if s.PositionSizePct <= 0 || s.PositionSizePct > 1 {
		add("simulator.position_size_pct must be within (0,1], got %v", s.PositionSizePct)
	}
	if s.FeePct < 0 || s.FeePct >= 1 {
		add("simulator.fee_pct must be within [0,1), got %v", s.FeePct)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		add("simulator.min_confidence must be within [0,1], got %v", s.MinConfidence)
	}
	if s.MaxPositionSize < 0 {
		add("simulator.max_position_size must be >= 0 (0 disables the cap), got %v", s.MaxPositionSize)
	}
	if s.HeartbeatMs <= 0 {
		add("simulator.heartbeat_ms must be positive, got %d", s.HeartbeatMs)
	}
	if s.IntakeSize < 1 {
		add("simulator.intake_size must be >= 1, got %d", s.IntakeSize)
	}
}

func (c *Config) validateBus(add func(string, ...any)) {
	switch c.Bus.Driver {
	case "local":
	case "redis":
		if c.Bus.URL == "" {
			add("bus.url is required for the redis driver")
		}
	default:
		add("bus.driver must be local or redis, got %q", c.Bus.Driver)
	}
	if strings.TrimSpace(c.App.RunID) == "" {
		add("app.run_id is required to scope the statistics topic")
	}
}

func checkAddr(add func(string, ...any), field, addr string) {
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil || addr == "" {
		add("%s: invalid udp address %q", field, addr)
	}
}
