package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/cache"
	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/metrics"
)

const (
	serviceName      = "weather"
	maxResponseBytes = 2 << 20
)

// ErrMissingAPIKey is returned before any network activity when the weather
// API credential is absent.
var ErrMissingAPIKey = errors.New("weather: api key not configured")

// ErrNoLocation is returned when a query names neither a city nor a full
// coordinate pair.
var ErrNoLocation = errors.New("weather: city or lat/lon required")

// UpstreamError carries an HTTP error status from the weather API.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("weather: upstream returned status %d", e.Status)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Query locates the place to report on. City wins when both forms are set.
type Query struct {
	City string
	Lat  *float64
	Lon  *float64
}

func (q Query) validate() error {
	if strings.TrimSpace(q.City) == "" && (q.Lat == nil || q.Lon == nil) {
		return ErrNoLocation
	}
	return nil
}

func (q Query) cacheKey(scope, units string) string {
	params := map[string]string{
		"city":  strings.ToLower(strings.TrimSpace(q.City)),
		"units": units,
	}
	if q.Lat != nil && q.Lon != nil {
		params["lat"] = strconv.FormatFloat(*q.Lat, 'f', 4, 64)
		params["lon"] = strconv.FormatFloat(*q.Lon, 'f', 4, 64)
	}
	return cache.QueryKey(scope, params)
}

// Report is the compact current-conditions shape served to the UI.
type Report struct {
	City        string  `json:"city"`
	Temp        float64 `json:"temp"`
	FeelsLike   float64 `json:"feelsLike"`
	Humidity    float64 `json:"humidity"`
	Condition   string  `json:"condition"`
	Description string  `json:"description,omitempty"`
	WindSpeed   float64 `json:"windSpeed"`
}

// ForecastEntry is one 3-hourly forecast step.
type ForecastEntry struct {
	Time      string  `json:"time"`
	Temp      float64 `json:"temp"`
	Humidity  float64 `json:"humidity"`
	Condition string  `json:"condition"`
	WindSpeed float64 `json:"windSpeed"`
}

// Forecast is the reshaped multi-step outlook.
type Forecast struct {
	City    string          `json:"city"`
	Entries []ForecastEntry `json:"entries"`
}

// Client proxies an OpenWeather-style upstream behind the shared cache. Calls
// are single-attempt: weather payloads are small and answer fast or not at
// all, so the market client's retry ladder buys nothing here.
type Client struct {
	cfg      config.WeatherConfig
	http     httpDoer
	cache    cache.Cache
	recorder *metrics.Recorder
	logger   *slog.Logger

	now func() time.Time
}

// NewClient wires a weather client. A nil cache disables caching and a nil
// doer falls back to a default HTTP client.
func NewClient(cfg config.WeatherConfig, doer httpDoer, store cache.Cache, recorder *metrics.Recorder, logger *slog.Logger) *Client {
	if doer == nil {
		doer = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		http:     doer,
		cache:    store,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns present conditions for the queried location.
func (c *Client) Current(ctx context.Context, query Query) (Report, error) {
	var report Report
	key := query.cacheKey("weather:current", c.units())
	err := c.cached(ctx, key, query, "/weather", &report, func(body []byte) (any, error) {
		var envelope currentEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("weather: decode current response: %w", err)
		}
		return envelope.reshape(), nil
	})
	return report, err
}

// Forecast returns the 3-hourly outlook for the queried location.
func (c *Client) Forecast(ctx context.Context, query Query) (Forecast, error) {
	var forecast Forecast
	key := query.cacheKey("weather:forecast", c.units())
	err := c.cached(ctx, key, query, "/forecast", &forecast, func(body []byte) (any, error) {
		var envelope forecastEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("weather: decode forecast response: %w", err)
		}
		return envelope.reshape(), nil
	})
	return forecast, err
}

// cached resolves one upstream path through the cache: fresh entries decode
// into out directly, misses fetch once, reshape, store, and decode the stored
// payload so both paths return byte-identical shapes.
func (c *Client) cached(ctx context.Context, key string, query Query, path string, out any, reshape func([]byte) (any, error)) error {
	started := time.Now()
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.recorder.ObserveUpstream(serviceName, metrics.UpstreamConfigError, time.Since(started))
		return ErrMissingAPIKey
	}
	if err := query.validate(); err != nil {
		return err
	}

	if payload, ok := c.cachedPayload(ctx, key); ok {
		if err := json.Unmarshal(payload, out); err == nil {
			return nil
		}
		c.logger.Warn("weather cache entry unreadable, refetching", slog.String("key", key))
	}

	body, err := c.fetchOnce(ctx, path, query)
	c.recorder.ObserveUpstream(serviceName, outcomeFor(err), time.Since(started))
	if err != nil {
		return err
	}

	reshaped, err := reshape(body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(reshaped)
	if err != nil {
		return fmt.Errorf("weather: encode report: %w", err)
	}
	c.storePayload(ctx, key, payload)
	return json.Unmarshal(payload, out)
}

func (c *Client) cachedPayload(ctx context.Context, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	entry, ok, err := c.cache.Lookup(ctx, key)
	if err != nil {
		c.logger.Warn("weather cache lookup failed", slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

func (c *Client) storePayload(ctx context.Context, key string, payload []byte) {
	if c.cache == nil {
		return
	}
	stored := c.now().UTC()
	entry := cache.Entry{Payload: payload, StoredAt: stored, ExpiresAt: stored.Add(c.cfg.GetTTL())}
	if err := c.cache.Store(ctx, key, entry); err != nil {
		c.logger.Warn("weather cache store failed", slog.String("error", err.Error()))
	}
}

func (c *Client) fetchOnce(ctx context.Context, path string, query Query) ([]byte, error) {
	endpoint, err := c.endpointURL(path, query)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.GetRequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: fetch conditions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("weather: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}
	return body, nil
}

func (c *Client) endpointURL(path string, query Query) (string, error) {
	endpoint, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("weather: invalid base url: %w", err)
	}

	params := url.Values{}
	params.Set("appid", c.cfg.APIKey)
	params.Set("units", c.units())
	if city := strings.TrimSpace(query.City); city != "" {
		params.Set("q", city)
	} else {
		params.Set("lat", strconv.FormatFloat(*query.Lat, 'f', 4, 64))
		params.Set("lon", strconv.FormatFloat(*query.Lon, 'f', 4, 64))
	}
	endpoint.RawQuery = params.Encode()
	return endpoint.String(), nil
}

func (c *Client) units() string {
	if c.cfg.Units == "" {
		return "metric"
	}
	return c.cfg.Units
}

func outcomeFor(err error) metrics.UpstreamOutcome {
	switch {
	case err == nil:
		return metrics.UpstreamOK
	case isTimeout(err):
		return metrics.UpstreamTimeout
	default:
		return metrics.UpstreamError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type conditionBlock struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

type currentEnvelope struct {
	Name string `json:"name"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
	} `json:"main"`
	Weather []conditionBlock `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

func (e currentEnvelope) reshape() Report {
	report := Report{
		City:      e.Name,
		Temp:      e.Main.Temp,
		FeelsLike: e.Main.FeelsLike,
		Humidity:  e.Main.Humidity,
		WindSpeed: e.Wind.Speed,
	}
	if len(e.Weather) > 0 {
		report.Condition = strings.ToLower(e.Weather[0].Main)
		report.Description = e.Weather[0].Description
	}
	return report
}

type forecastEnvelope struct {
	City struct {
		Name string `json:"name"`
	} `json:"city"`
	List []struct {
		DtTxt string `json:"dt_txt"`
		Main  struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
		} `json:"main"`
		Weather []conditionBlock `json:"weather"`
		Wind    struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
	} `json:"list"`
}

func (e forecastEnvelope) reshape() Forecast {
	forecast := Forecast{
		City:    e.City.Name,
		Entries: make([]ForecastEntry, 0, len(e.List)),
	}
	for _, step := range e.List {
		entry := ForecastEntry{
			Time:      step.DtTxt,
			Temp:      step.Main.Temp,
			Humidity:  step.Main.Humidity,
			WindSpeed: step.Wind.Speed,
		}
		if len(step.Weather) > 0 {
			entry.Condition = strings.ToLower(step.Weather[0].Main)
		}
		forecast.Entries = append(forecast.Entries, entry)
	}
	return forecast
}
