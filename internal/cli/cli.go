// Package cli holds the cobra wiring shared by the stage binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tickpipe-go/internal/config"
	"tickpipe-go/internal/health"
	"tickpipe-go/internal/metrics"
	"tickpipe-go/internal/util"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "internal/config/config.yaml"

// RunFunc runs one stage until ctx is done.
type RunFunc func(ctx context.Context, cfg *config.Config, log zerolog.Logger) error

// Command builds the root command for stage. It loads .env and the YAML file, applies
// environment and flag overrides, validates the stage's sections and runs fn under a
// context cancelled by SIGINT/SIGTERM.
func Command(stage config.Stage, short string, fn RunFunc) *cobra.Command {
	var (
		configPath string
		runID      string
		logLevel   string
		dump       bool
	)
	cmd := &cobra.Command{
		Use:           string(stage),
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(stage, configPath, runID, logLevel)
			if err != nil {
				return err
			}
			if dump {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(cfg)
			}
			log := util.WithStage(util.NewLoggerTo(cmd.ErrOrStderr(), cfg.App.LogLevel), string(stage), cfg.App.RunID)

			ctx, cancel := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			log.Info().Str("config", configPath).Msg("stage starting")
			if err := fn(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("stage failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "path to the YAML configuration file")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier scoping logs and bus topics (overrides app.run_id)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides app.log_level)")
	cmd.Flags().BoolVar(&dump, "dump-config", false, "print the effective configuration and exit")
	return cmd
}

// Load resolves the effective configuration for stage. A missing run id is generated.
func Load(stage config.Stage, path, runID, logLevel string) (*config.Config, error) {
	config.LoadDotenv()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	if runID != "" {
		cfg.App.RunID = runID
	}
	if logLevel != "" {
		cfg.App.LogLevel = logLevel
	}
	if cfg.App.RunID == "" {
		cfg.App.RunID = uuid.NewString()[:8]
	}
	if err := cfg.Validate(stage); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServeHealth exposes /metrics and /healthz on addr until ctx is done. An empty addr
// disables the server.
func ServeHealth(ctx context.Context, addr string, report func() health.Report, log zerolog.Logger) {
	if addr == "" {
		return
	}
	srv := metrics.Serve(addr, health.Handler(report))
	log.Info().Str("addr", addr).Msg("metrics and health up")
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("health server shutdown")
		}
	}()
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
