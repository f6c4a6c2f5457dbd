package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fasalmitra/fasalmitra/internal/advisor"
	"github.com/fasalmitra/fasalmitra/internal/cache"
	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/crophealth"
	"github.com/fasalmitra/fasalmitra/internal/gateway"
	"github.com/fasalmitra/fasalmitra/internal/insights"
	"github.com/fasalmitra/fasalmitra/internal/logging"
	"github.com/fasalmitra/fasalmitra/internal/market"
	"github.com/fasalmitra/fasalmitra/internal/metrics"
	"github.com/fasalmitra/fasalmitra/internal/ml"
	"github.com/fasalmitra/fasalmitra/internal/server"
	"github.com/fasalmitra/fasalmitra/internal/templates"
	"github.com/fasalmitra/fasalmitra/internal/weather"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

type cliFlags struct {
	configFile  string
	envPrefix   string
	listen      string
	logLevel    string
	logFormat   string
	printConfig bool
}

func run(args []string, stdout io.Writer) int {
	// Best effort: a missing .env file is the normal case outside dev.
	_ = godotenv.Load()

	flags, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(flags.envPrefix, flags.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if err := applyFlagOverrides(&cfg, flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	if flags.printConfig {
		if err := printEffectiveConfig(stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitRuntime
		}
		return 0
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	store, backend := buildCache(logger.With(slog.String("component", "cache")), cfg.Server.Cache)
	store = cache.Instrument(store, backend, recorder)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	marketClient := market.NewClient(cfg.Market, nil, store, recorder, logger.With(slog.String("component", "market")))
	weatherClient := weather.NewClient(cfg.Weather, nil, store, recorder, logger.With(slog.String("component", "weather")))
	mlClient := ml.NewClient(cfg.ML, nil, logger.With(slog.String("component", "ml")))
	analyzer := crophealth.NewAnalyzer(cfg.Crop.MaxConcurrent)

	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Advisory.TemplatesFolder); folder != "" {
		sandbox, err = templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed",
				slog.String("templates_folder", folder),
				slog.Any("error", err))
		}
	}
	renderer := templates.NewRenderer(sandbox)

	chat, err := advisor.New(cfg.Advisory, renderer, recorder, logger.With(slog.String("component", "advisor")))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	chat.Swap(config.TopicBundle{
		Topics:  cfg.Topics,
		Sources: cfg.TopicSources,
		Skipped: cfg.SkippedTopics,
	})

	if cfg.Advisory.TopicsFile != "" || cfg.Advisory.TopicsFolder != "" {
		watcher, err := loader.WatchTopics(ctx, cfg, func(bundle config.TopicBundle) {
			chat.Swap(bundle)
		}, func(err error) {
			logger.Error("topics watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("topics watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	digest := insights.New(cfg.Insights, marketClient, recorder, logger.With(slog.String("component", "insights")))
	if err := digest.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer digest.Stop()

	api := gateway.New(cfg, gateway.Options{
		Market:       marketClient,
		Weather:      weatherClient,
		ML:           mlClient,
		Analyzer:     analyzer,
		Advisor:      chat,
		Insights:     digest,
		Cache:        store,
		CacheBackend: backend,
		Recorder:     recorder,
		Logger:       logger,
	})

	handler := server.NewRouter(cfg, api, recorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	logger.Info("server shutdown complete")
	return 0
}

func parseFlags(args []string, stdout io.Writer) (cliFlags, error) {
	var flags cliFlags
	fs := flag.NewFlagSet("fasalmitra", flag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVar(&flags.configFile, "config", "", "path to server configuration file")
	fs.StringVar(&flags.envPrefix, "env-prefix", "FASALMITRA", "environment variable prefix")
	fs.StringVar(&flags.listen, "listen", "", "listen address override (host:port)")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	fs.StringVar(&flags.logFormat, "log-format", "", "log format override (json, text)")
	fs.BoolVar(&flags.printConfig, "print-config", false, "print the effective configuration and exit")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

// applyFlagOverrides lands CLI overrides on top of the loaded config, then
// re-validates since a flag can introduce the same nonsense a file can.
func applyFlagOverrides(cfg *config.Config, flags cliFlags) error {
	if flags.listen != "" {
		host, portRaw, err := net.SplitHostPort(flags.listen)
		if err != nil {
			return fmt.Errorf("invalid --listen %q: %w", flags.listen, err)
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return fmt.Errorf("invalid --listen port %q: %w", portRaw, err)
		}
		if host != "" {
			cfg.Server.Listen.Address = host
		}
		cfg.Server.Listen.Port = port
	}
	if flags.logLevel != "" {
		cfg.Server.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Server.Logging.Format = flags.logFormat
	}
	return cfg.Validate()
}

// printEffectiveConfig renders the loaded configuration with credentials
// masked so the output is safe to paste into a bug report.
func printEffectiveConfig(w io.Writer, cfg config.Config) error {
	masked := cfg
	masked.Market.APIKey = maskSecret(cfg.Market.APIKey)
	masked.Weather.APIKey = maskSecret(cfg.Weather.APIKey)
	masked.Server.Cache.Redis.Password = maskSecret(cfg.Server.Cache.Redis.Password)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(masked)
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// buildCache opens the configured cache backend, falling back to memory when
// redis or disk setup fails so a degraded cache never blocks startup.
func buildCache(logger *slog.Logger, cfg config.ServerCacheConfig) (cache.Cache, string) {
	ttl := cfg.GetTTL()
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache", slog.Duration("ttl", ttl))
		return cache.NewMemory(ttl), "memory"
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}, ttl)
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(ttl), "memory"
		}
		logger.Info("using redis cache", slog.String("address", cfg.Redis.Address))
		return store, "redis"
	case "disk":
		store, err := cache.NewDisk(cfg.Disk.Path, ttl)
		if err != nil {
			logger.Error("disk cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(ttl), "memory"
		}
		logger.Info("using disk cache", slog.String("path", cfg.Disk.Path))
		return store, "disk"
	default:
		// Validate rejects unknown backends before this point.
		logger.Warn("unknown cache backend, using memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(ttl), "memory"
	}
}
