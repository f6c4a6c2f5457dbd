package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the advisory topics once they are loaded.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Market   MarketConfig   `koanf:"market"`
	Weather  WeatherConfig  `koanf:"weather"`
	ML       MLConfig       `koanf:"ml"`
	Crop     CropConfig     `koanf:"crop"`
	Insights InsightsConfig `koanf:"insights"`
	Advisory AdvisoryConfig `koanf:"advisory"`

	Topics map[string]TopicConfig `koanf:"topics"`

	InlineTopics map[string]TopicConfig `koanf:"-"`

	// TopicSources records which files contributed topic definitions once the
	// loader resolves the configured sources. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	TopicSources []string `koanf:"-"`
	// SkippedTopics captures duplicate or otherwise invalid topics the loader
	// intentionally disabled. The health endpoint can surface these without
	// re-parsing raw files.
	SkippedTopics []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the HTTP process itself.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
	CORS    CORSConfig        `koanf:"cors"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ServerCacheConfig selects the cache backend shared by the upstream clients.
type ServerCacheConfig struct {
	Backend string                 `koanf:"backend"`
	TTL     string                 `koanf:"ttl"`
	Redis   ServerRedisCacheConfig `koanf:"redis"`
	Disk    ServerDiskCacheConfig  `koanf:"disk"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ServerDiskCacheConfig struct {
	Path string `koanf:"path"`
}

// GetTTL returns the default freshness window for cached entries.
func (c ServerCacheConfig) GetTTL() time.Duration {
	return durationOr(c.TTL, 5*time.Minute)
}

// CORSConfig lists the origins the browser frontend may call from.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

// MarketConfig drives the mandi price client: upstream coordinates plus the
// cache, retry, and payload-fallback policy.
type MarketConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	APIKey         string `koanf:"apiKey"`
	Resource       string `koanf:"resource"`
	TTL            string `koanf:"ttl"`
	RequestTimeout string `koanf:"requestTimeout"`
	Limit          int    `koanf:"limit"`
	FallbackLimits []int  `koanf:"fallbackLimits"`
	MaxAttempts    int    `koanf:"maxAttempts"`
	BackoffBase    string `koanf:"backoffBase"`
}

// GetTTL returns how long fetched price records stay fresh.
func (c MarketConfig) GetTTL() time.Duration {
	return durationOr(c.TTL, 5*time.Minute)
}

// GetRequestTimeout returns the per-attempt upstream deadline.
func (c MarketConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 30*time.Second)
}

// GetBackoffBase returns the first retry delay; later attempts double it.
func (c MarketConfig) GetBackoffBase() time.Duration {
	return durationOr(c.BackoffBase, 800*time.Millisecond)
}

// WeatherConfig drives the weather client.
type WeatherConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	APIKey         string `koanf:"apiKey"`
	Units          string `koanf:"units"`
	TTL            string `koanf:"ttl"`
	RequestTimeout string `koanf:"requestTimeout"`
}

func (c WeatherConfig) GetTTL() time.Duration {
	return durationOr(c.TTL, 10*time.Minute)
}

func (c WeatherConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 10*time.Second)
}

// MLConfig points at the optional image-analysis model service.
type MLConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	RequestTimeout string `koanf:"requestTimeout"`
}

func (c MLConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 20*time.Second)
}

// CropConfig bounds the crop-analysis upload surface.
type CropConfig struct {
	MaxUploadBytes int64 `koanf:"maxUploadBytes"`
	MaxConcurrent  int   `koanf:"maxConcurrent"`
}

// InsightsConfig schedules the periodic market trend digest.
type InsightsConfig struct {
	Schedule   string                `koanf:"schedule"`
	WindowDays int                   `koanf:"windowDays"`
	Track      []InsightsTrackConfig `koanf:"track"`
}

// InsightsTrackConfig names one commodity series the digest follows. State is
// optional; an empty state aggregates the commodity nationwide.
type InsightsTrackConfig struct {
	State     string `koanf:"state"`
	Commodity string `koanf:"commodity"`
}

// AdvisoryConfig announces how chat topics are sourced and rendered.
type AdvisoryConfig struct {
	TopicsFile      string `koanf:"topicsFile"`
	TopicsFolder    string `koanf:"topicsFolder"`
	TemplatesFolder string `koanf:"templatesFolder"`
	DefaultReply    string `koanf:"defaultReply"`
}

// TopicConfig captures one advisory topic: how questions match it and how its
// reply is produced. When is a CEL expression; Vars hold CEL expressions or Go
// templates (detected by the presence of {{); Reply and ReplyFile are Go
// templates and are mutually exclusive.
type TopicConfig struct {
	Description string            `koanf:"description"`
	Keywords    []string          `koanf:"keywords"`
	When        string            `koanf:"when"`
	Vars        map[string]string `koanf:"vars"`
	Reply       string            `koanf:"reply"`
	ReplyFile   string            `koanf:"replyFile"`
	Priority    int               `koanf:"priority"`
}

// DefinitionSkip describes a topic the loader intentionally ignored because it
// violated invariants (for example duplicate names across files). The health
// endpoint surfaces these so operators know which topics were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if err := validateCacheBackend(c.Server.Cache); err != nil {
		return err
	}
	if err := validateDuration("server.cache.ttl", c.Server.Cache.TTL); err != nil {
		return err
	}
	if err := validateMarket(c.Market); err != nil {
		return err
	}
	if err := validateWeather(c.Weather); err != nil {
		return err
	}
	if err := validateDuration("ml.requestTimeout", c.ML.RequestTimeout); err != nil {
		return err
	}
	if c.Crop.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: crop.maxUploadBytes invalid: %d", c.Crop.MaxUploadBytes)
	}
	if c.Crop.MaxConcurrent < 1 {
		return fmt.Errorf("config: crop.maxConcurrent invalid: %d", c.Crop.MaxConcurrent)
	}
	if c.Insights.WindowDays < 1 {
		return fmt.Errorf("config: insights.windowDays invalid: %d", c.Insights.WindowDays)
	}
	for i, track := range c.Insights.Track {
		if strings.TrimSpace(track.Commodity) == "" {
			return fmt.Errorf("config: insights.track[%d] commodity required", i)
		}
	}
	if c.Advisory.TopicsFile != "" && c.Advisory.TopicsFolder != "" {
		return errors.New("config: topicsFile and topicsFolder are mutually exclusive")
	}
	return nil
}

func validateCacheBackend(cache ServerCacheConfig) error {
	backend := strings.TrimSpace(strings.ToLower(cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	case "disk":
		if strings.TrimSpace(cache.Disk.Path) == "" {
			return errors.New("config: server.cache.disk.path required for disk backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", cache.Backend)
	}
	return nil
}

func validateMarket(market MarketConfig) error {
	if market.Limit < 1 {
		return fmt.Errorf("config: market.limit invalid: %d", market.Limit)
	}
	if market.MaxAttempts < 1 {
		return fmt.Errorf("config: market.maxAttempts invalid: %d", market.MaxAttempts)
	}
	for i, limit := range market.FallbackLimits {
		if limit < 1 {
			return fmt.Errorf("config: market.fallbackLimits[%d] invalid: %d", i, limit)
		}
	}
	if err := validateDuration("market.ttl", market.TTL); err != nil {
		return err
	}
	if err := validateDuration("market.requestTimeout", market.RequestTimeout); err != nil {
		return err
	}
	return validateDuration("market.backoffBase", market.BackoffBase)
}

func validateWeather(weather WeatherConfig) error {
	units := strings.TrimSpace(strings.ToLower(weather.Units))
	switch units {
	case "", "metric", "imperial", "standard":
	default:
		return fmt.Errorf("config: weather.units unsupported: %s", weather.Units)
	}
	if err := validateDuration("weather.ttl", weather.TTL); err != nil {
		return err
	}
	return validateDuration("weather.requestTimeout", weather.RequestTimeout)
}

func validateDuration(field, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %q", field, raw)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative: %q", field, raw)
	}
	return nil
}

// durationOr parses raw as a duration and falls back when it is empty or
// non-positive. Validate reports malformed strings up front, so the fallback
// here only covers unset values.
func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DefaultConfig returns the baseline values that align with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend: "memory",
				TTL:     "5m",
				Disk:    ServerDiskCacheConfig{Path: "./cache"},
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
		Market: MarketConfig{
			BaseURL:        "https://api.data.gov.in",
			Resource:       "/resource/9ef84268-d588-465a-a308-a864a43d0070",
			TTL:            "5m",
			RequestTimeout: "30s",
			Limit:          500,
			FallbackLimits: []int{200, 100},
			MaxAttempts:    3,
			BackoffBase:    "800ms",
		},
		Weather: WeatherConfig{
			BaseURL:        "https://api.openweathermap.org/data/2.5",
			Units:          "metric",
			TTL:            "10m",
			RequestTimeout: "10s",
		},
		ML: MLConfig{
			BaseURL:        "http://localhost:5001",
			RequestTimeout: "20s",
		},
		Crop: CropConfig{
			MaxUploadBytes: 10 << 20,
			MaxConcurrent:  4,
		},
		Insights: InsightsConfig{
			Schedule:   "@every 6h",
			WindowDays: 90,
		},
		Advisory: AdvisoryConfig{
			TemplatesFolder: "./templates",
			DefaultReply:    "I could not match that question to a topic I know. Ask me about mandi prices, weather, or crop health.",
		},
	}
}
