// Package config exposes strongly typed pipeline configuration structs loaded from YAML.
//
// Configuration is bound once at stage startup; changing it means restarting the stage.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings shared by every stage.
type App struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	RunID    string `yaml:"run_id"`
}

// Backoff tunes reconnect delays for the upstream feed.
type Backoff struct {
	MinMs  int     `yaml:"min_ms"`
	MaxMs  int     `yaml:"max_ms"`
	Factor float64 `yaml:"factor"`
	Jitter float64 `yaml:"jitter"`
}

// Feed describes the upstream market-data connection used by the distributor.
type Feed struct {
	Provider       string   `yaml:"provider"`
	URL            string   `yaml:"url"`
	Symbols        []string `yaml:"symbols"`
	QueueSize      int      `yaml:"queue_size"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	PingIntervalMs int      `yaml:"ping_interval_ms"`
	StubIntervalMs int      `yaml:"stub_interval_ms"`
	Backoff        Backoff  `yaml:"backoff"`
}

// Distributor configures the tick fan-out socket.
type Distributor struct {
	Listen          string   `yaml:"listen"`
	Subscribers     []string `yaml:"subscribers"`
	SubscriberTTLMs int      `yaml:"subscriber_ttl_ms"`
	WriteTimeoutMs  int      `yaml:"write_timeout_ms"`
	HealthAddr      string   `yaml:"health_addr"`
}

// StrategyParams groups tunable knobs for both algorithm variants.
type StrategyParams struct {
	RSIPeriod         int     `yaml:"rsi_period"`
	RSIOverbought     float64 `yaml:"rsi_overbought"`
	RSIOversold       float64 `yaml:"rsi_oversold"`
	RSIConfidenceSpan float64 `yaml:"rsi_confidence_span"`
	OBIWindow         int     `yaml:"obi_window"`
	OBIThreshold      float64 `yaml:"obi_threshold"`
	OBIMinVolume      float64 `yaml:"obi_min_volume"`
}

// Strategy specifies which algorithm variant is active along with the parameter bundle.
type Strategy struct {
	Mode   string         `yaml:"mode"`
	Params StrategyParams `yaml:"params"`
}

// Engine configures the signal engine stage.
type Engine struct {
	Source          string   `yaml:"source"`
	Listen          string   `yaml:"listen"`
	Publish         string   `yaml:"publish"`
	Subscribers     []string `yaml:"subscribers"`
	SubscriberTTLMs int      `yaml:"subscriber_ttl_ms"`
	WriteTimeoutMs  int      `yaml:"write_timeout_ms"`
	RefreshMs       int      `yaml:"refresh_ms"`
	Shards          int      `yaml:"shards"`
	QueueSize       int      `yaml:"queue_size"`
	Reorder         string   `yaml:"reorder"`
	CooldownMs      int      `yaml:"cooldown_ms"`
	HealthAddr      string   `yaml:"health_addr"`
	Strategy        Strategy `yaml:"strategy"`
}

// Simulator configures the portfolio simulator and its risk/execution rules.
type Simulator struct {
	Source            string  `yaml:"source"`
	Listen            string  `yaml:"listen"`
	MarkSource        string  `yaml:"mark_source"`
	MarkListen        string  `yaml:"mark_listen"`
	RefreshMs         int     `yaml:"refresh_ms"`
	IntakeSize        int     `yaml:"intake_size"`
	HeartbeatMs       int     `yaml:"heartbeat_ms"`
	InitialCapital    float64 `yaml:"initial_capital"`
	PositionSizePct   float64 `yaml:"position_size_pct"`
	FeePct            float64 `yaml:"fee_pct"`
	MinConfidence     float64 `yaml:"min_confidence"`
	AllowShort        bool    `yaml:"allow_short"`
	MaxPositionSize   float64 `yaml:"max_position_size"`
	EquityCurvePoints int     `yaml:"equity_curve_points"`
	LedgerRecords     int     `yaml:"ledger_records"`
	TradesPath        string  `yaml:"trades_path"`
	HealthAddr        string  `yaml:"health_addr"`
}

// Bus selects the statistics pub/sub backend.
type Bus struct {
	Driver      string `yaml:"driver"`
	URL         string `yaml:"url"`
	TopicPrefix string `yaml:"topic_prefix"`
	TimeoutMs   int    `yaml:"timeout_ms"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App         App         `yaml:"app"`
	Feed        Feed        `yaml:"feed"`
	Distributor Distributor `yaml:"distributor"`
	Engine      Engine      `yaml:"engine"`
	Simulator   Simulator   `yaml:"simulator"`
	Bus         Bus         `yaml:"bus"`
}

// Load reads a YAML file from disk, hydrates a Config struct, and fills defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyDefaults()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero-valued operational knobs. Trading parameters are left alone
// so that a missing value is reported by Validate instead of silently guessed.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "tickpipe")
	setString(&c.App.LogLevel, "info")

	setString(&c.Feed.Provider, "stub")
	setInt(&c.Feed.QueueSize, 1024)
	setInt(&c.Feed.ReadTimeoutMs, 30_000)
	setInt(&c.Feed.PingIntervalMs, 15_000)
	setInt(&c.Feed.StubIntervalMs, 500)
	setInt(&c.Feed.Backoff.MinMs, 250)
	setInt(&c.Feed.Backoff.MaxMs, 30_000)
	setFloat(&c.Feed.Backoff.Factor, 1.8)

	setString(&c.Distributor.Listen, "127.0.0.1:7400")
	setInt(&c.Distributor.WriteTimeoutMs, 50)
	setInt(&c.Distributor.SubscriberTTLMs, 10_000)

	setString(&c.Engine.Source, c.Distributor.Listen)
	setString(&c.Engine.Listen, "127.0.0.1:0")
	setString(&c.Engine.Publish, "127.0.0.1:7500")
	setInt(&c.Engine.WriteTimeoutMs, 50)
	setInt(&c.Engine.SubscriberTTLMs, 10_000)
	setInt(&c.Engine.RefreshMs, 2_000)
	setInt(&c.Engine.Shards, 4)
	setInt(&c.Engine.QueueSize, 256)
	setString(&c.Engine.Reorder, "arrival")

	setString(&c.Simulator.Source, c.Engine.Publish)
	setString(&c.Simulator.Listen, "127.0.0.1:0")
	setString(&c.Simulator.MarkListen, "127.0.0.1:0")
	setInt(&c.Simulator.RefreshMs, 2_000)
	setInt(&c.Simulator.IntakeSize, 1024)
	setInt(&c.Simulator.HeartbeatMs, 1_000)
	setInt(&c.Simulator.EquityCurvePoints, 256)
	setInt(&c.Simulator.LedgerRecords, 4096)

	setString(&c.Bus.Driver, "local")
	setString(&c.Bus.TopicPrefix, "tickpipe")
	setInt(&c.Bus.TimeoutMs, 500)
}

// Millis converts a millisecond config value into a duration.
func Millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if *dst == 0 {
		*dst = v
	}
}
