package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug")
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}

	logger = NewLogger("")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info for empty level, got %s", logger.GetLevel())
	}
}

func TestWithStage(t *testing.T) {
	var buf bytes.Buffer
	log := WithStage(NewLoggerTo(&buf, "info"), "engine", "run-7")
	log.Info().Msg("hello")
	out := buf.String()
	if !strings.Contains(out, `"stage":"engine"`) || !strings.Contains(out, `"run_id":"run-7"`) {
		t.Fatalf("missing stage fields: %s", out)
	}
}
