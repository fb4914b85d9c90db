package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides recognised by ApplyEnv.
const (
	EnvRunID    = "TICKPIPE_RUN_ID"
	EnvLogLevel = "TICKPIPE_LOG_LEVEL"
	EnvRedisURL = "TICKPIPE_REDIS_URL"
	EnvFeedURL  = "TICKPIPE_FEED_URL"
)

// LoadDotenv reads KEY=VALUE pairs from the given files (default .env) into the process
// environment. Missing files are not an error.
func LoadDotenv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f) // best-effort
	}
}

// ApplyEnv overrides deployment-specific values from the environment.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvRunID)); v != "" {
		cfg.App.RunID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.App.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		cfg.Bus.URL = v
		cfg.Bus.Driver = "redis"
	}
	if v := strings.TrimSpace(os.Getenv(EnvFeedURL)); v != "" {
		cfg.Feed.URL = v
	}
}
