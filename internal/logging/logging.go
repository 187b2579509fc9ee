// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger. JSON if NNODES_JSON_LOG=1/true, else text.
func Init(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("NNODES_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	logger.Debug("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

// ForRun scopes logger to a single workflow run, tagging every record
// with the run's UUID. Root's Execute, walltime-alarm and requeue paths
// share one logger across a long-lived process; run_id is what lets two
// consecutive runs (or a run and its requeued continuation) be told
// apart in one log stream.
func ForRun(logger *slog.Logger, runID string) *slog.Logger {
	if runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("NNODES_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
