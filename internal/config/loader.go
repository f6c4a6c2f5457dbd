package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so startup can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		// File keys are camelCase; env keys arrive upper-cased, so the map
		// below restores the canonical spelling after lowering. Without it an
		// env override would land on a sibling key the unmarshal ignores.
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"server.cache.redis.tls.cafile":    "server.cache.redis.tls.caFile",
			"server.cors.allowedorigins":       "server.cors.allowedOrigins",
			"market.baseurl":                   "market.baseUrl",
			"market.apikey":                    "market.apiKey",
			"market.requesttimeout":            "market.requestTimeout",
			"market.fallbacklimits":            "market.fallbackLimits",
			"market.maxattempts":               "market.maxAttempts",
			"market.backoffbase":               "market.backoffBase",
			"weather.baseurl":                  "weather.baseUrl",
			"weather.apikey":                   "weather.apiKey",
			"weather.requesttimeout":           "weather.requestTimeout",
			"ml.baseurl":                       "ml.baseUrl",
			"ml.requesttimeout":                "ml.requestTimeout",
			"crop.maxuploadbytes":              "crop.maxUploadBytes",
			"crop.maxconcurrent":               "crop.maxConcurrent",
			"insights.windowdays":              "insights.windowDays",
			"advisory.topicsfile":              "advisory.topicsFile",
			"advisory.topicsfolder":            "advisory.topicsFolder",
			"advisory.templatesfolder":         "advisory.templatesFolder",
			"advisory.defaultreply":            "advisory.defaultReply",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (MARKET__APIKEY -> market.apikey).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineTopics = cloneTopicMap(cfg.Topics)

	bundle, err := buildTopicBundle(ctx, cfg.InlineTopics, cfg.Advisory)
	if err != nil {
		return Config{}, err
	}
	cfg.Topics = bundle.Topics
	cfg.TopicSources = bundle.Sources
	cfg.SkippedTopics = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"backend": cfg.Server.Cache.Backend,
				"ttl":     cfg.Server.Cache.TTL,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
				"disk": map[string]any{
					"path": cfg.Server.Cache.Disk.Path,
				},
			},
			"cors": map[string]any{
				"allowedOrigins": cfg.Server.CORS.AllowedOrigins,
			},
		},
		"market": map[string]any{
			"baseUrl":        cfg.Market.BaseURL,
			"apiKey":         cfg.Market.APIKey,
			"resource":       cfg.Market.Resource,
			"ttl":            cfg.Market.TTL,
			"requestTimeout": cfg.Market.RequestTimeout,
			"limit":          cfg.Market.Limit,
			"fallbackLimits": cfg.Market.FallbackLimits,
			"maxAttempts":    cfg.Market.MaxAttempts,
			"backoffBase":    cfg.Market.BackoffBase,
		},
		"weather": map[string]any{
			"baseUrl":        cfg.Weather.BaseURL,
			"apiKey":         cfg.Weather.APIKey,
			"units":          cfg.Weather.Units,
			"ttl":            cfg.Weather.TTL,
			"requestTimeout": cfg.Weather.RequestTimeout,
		},
		"ml": map[string]any{
			"baseUrl":        cfg.ML.BaseURL,
			"requestTimeout": cfg.ML.RequestTimeout,
		},
		"crop": map[string]any{
			"maxUploadBytes": cfg.Crop.MaxUploadBytes,
			"maxConcurrent":  cfg.Crop.MaxConcurrent,
		},
		"insights": map[string]any{
			"schedule":   cfg.Insights.Schedule,
			"windowDays": cfg.Insights.WindowDays,
		},
		"advisory": map[string]any{
			"topicsFile":      cfg.Advisory.TopicsFile,
			"topicsFolder":    cfg.Advisory.TopicsFolder,
			"templatesFolder": cfg.Advisory.TemplatesFolder,
			"defaultReply":    cfg.Advisory.DefaultReply,
		},
	}
}
