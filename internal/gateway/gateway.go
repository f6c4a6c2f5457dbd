package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/advisor"
	"github.com/fasalmitra/fasalmitra/internal/cache"
	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/crophealth"
	"github.com/fasalmitra/fasalmitra/internal/insights"
	"github.com/fasalmitra/fasalmitra/internal/market"
	"github.com/fasalmitra/fasalmitra/internal/metrics"
	"github.com/fasalmitra/fasalmitra/internal/ml"
	"github.com/fasalmitra/fasalmitra/internal/weather"
)

// The narrow client surfaces the gateway consumes. Each is satisfied by the
// concrete client in its package; tests substitute stubs.

type marketAPI interface {
	FetchDailyPrices(ctx context.Context, query market.Query) ([]market.PriceRecord, error)
	FetchLastNDays(ctx context.Context, state, district, commodity string, days int) ([]market.PriceRecord, error)
	FetchDistrictsByState(ctx context.Context, state string) ([]string, error)
}

type weatherAPI interface {
	Current(ctx context.Context, query weather.Query) (weather.Report, error)
	Forecast(ctx context.Context, query weather.Query) (weather.Forecast, error)
}

type mlAPI interface {
	Enabled() bool
	Analyze(ctx context.Context, imageData []byte, filename, cropType string) (crophealth.Assessment, error)
	Health(ctx context.Context) (ml.HealthStatus, error)
}

type analyzerAPI interface {
	Analyze(ctx context.Context, data []byte, opts crophealth.Options) (crophealth.Assessment, error)
}

type advisorAPI interface {
	Reply(ctx context.Context, req advisor.Request) advisor.Reply
	Stats() advisor.Stats
}

type insightsAPI interface {
	Snapshot(commodity, state string) ([]insights.Insight, time.Time)
}

// Options bundles the collaborators the gateway dispatches to.
type Options struct {
	Market   marketAPI
	Weather  weatherAPI
	ML       mlAPI
	Analyzer analyzerAPI
	Advisor  advisorAPI
	Insights insightsAPI

	// Cache and CacheBackend feed the health snapshot only.
	Cache        cache.Cache
	CacheBackend string

	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Gateway translates HTTP requests into client calls and client errors into
// transport responses. It owns no domain logic beyond that mapping, the
// bounded analysis history, and the health snapshot.
type Gateway struct {
	cfg      config.Config
	market   marketAPI
	weather  weatherAPI
	ml       mlAPI
	analyzer analyzerAPI
	advisor  advisorAPI
	insights insightsAPI

	cache        cache.Cache
	cacheBackend string

	recorder *metrics.Recorder
	logger   *slog.Logger
	history  *historyRing
	probe    *mlProbe
	started  time.Time
	now      func() time.Time
}

// New assembles the gateway. Nil collaborators are allowed; their routes
// answer 503 so a partially configured process still serves the rest.
func New(cfg config.Config, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &Gateway{
		cfg:          cfg,
		market:       opts.Market,
		weather:      opts.Weather,
		ml:           opts.ML,
		analyzer:     opts.Analyzer,
		advisor:      opts.Advisor,
		insights:     opts.Insights,
		cache:        opts.Cache,
		cacheBackend: opts.CacheBackend,
		recorder:     opts.Recorder,
		logger:       logger.With(slog.String("component", "gateway")),
		history:      newHistoryRing(historyLimit),
		probe:        &mlProbe{},
		started:      now().UTC(),
		now:          now,
	}
}

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// WriteError emits the uniform JSON error payload.
func (g *Gateway) WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Status: status, Message: message}}); err != nil {
		g.logger.Warn("error response write failed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Warn("response write failed", slog.String("error", err.Error()))
	}
}

// writeClientError maps a client error onto a transport status: missing
// upstream credentials turn into 401, upstream 429 and 5xx statuses pass
// through verbatim, validation problems become 400, and everything else is a
// plain 500.
func (g *Gateway) writeClientError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var marketUpstream *market.UpstreamError
	var weatherUpstream *weather.UpstreamError
	switch {
	case errors.Is(err, market.ErrMissingAPIKey), errors.Is(err, weather.ErrMissingAPIKey):
		status = http.StatusUnauthorized
		message = "upstream credential not configured"
	case errors.As(err, &marketUpstream):
		status, message = passthroughStatus(marketUpstream.Status)
	case errors.As(err, &weatherUpstream):
		status, message = passthroughStatus(weatherUpstream.Status)
	case errors.Is(err, weather.ErrNoLocation):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, crophealth.ErrUndecodable):
		status = http.StatusBadRequest
		message = "uploaded file is not a readable image"
	}
	if status >= 500 {
		g.logger.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	g.WriteError(w, status, message)
}

func passthroughStatus(upstream int) (int, string) {
	if upstream == http.StatusTooManyRequests || upstream >= 500 {
		return upstream, http.StatusText(upstream)
	}
	return http.StatusInternalServerError, "upstream request failed"
}
