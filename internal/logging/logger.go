package logging

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/fasalmitra/fasalmitra/internal/config"
)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// New builds the process-wide slog logger from the logging configuration.
// Output goes to stderr, leaving stdout free for anything a caller pipes.
// Level defaults to info and format to json when unset.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	name := strings.ToLower(cfg.Level)
	if name == "" {
		name = "info"
	}
	level, ok := levelNames[name]
	if !ok {
		return nil, fmt.Errorf("logging: unknown level %q (want debug, info, warn or error)", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q (want json or text)", cfg.Format)
	}

	logger := slog.New(handler).With(slog.String("service", "fasalmitra"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}
