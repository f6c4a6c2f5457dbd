package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fasalmitra/fasalmitra/internal/config"
)

// API is the surface the router dispatches to. The gateway satisfies it;
// router tests run against a stub.
type API interface {
	Prices(http.ResponseWriter, *http.Request)
	Districts(http.ResponseWriter, *http.Request)
	Weather(http.ResponseWriter, *http.Request)
	WeatherForecast(http.ResponseWriter, *http.Request)
	AnalyzeCrop(http.ResponseWriter, *http.Request)
	CropHistory(http.ResponseWriter, *http.Request)
	Chat(http.ResponseWriter, *http.Request)
	Insights(http.ResponseWriter, *http.Request)
	Health(http.ResponseWriter, *http.Request)

	Correlation(http.Handler) http.Handler
	Instrument(http.Handler) http.Handler
}

// NewRouter lays out the advisory API. The metrics handler may be nil, which
// leaves /metrics unrouted (useful in tests).
func NewRouter(cfg config.Config, api API, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(api.Correlation)
	r.Use(api.Instrument)

	origins := cfg.Server.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", cfg.Server.Logging.CorrelationHeader},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/mandi", func(r chi.Router) {
			r.Get("/prices", api.Prices)
			r.Get("/districts", api.Districts)
		})
		r.Route("/weather", func(r chi.Router) {
			r.Get("/", api.Weather)
			r.Get("/forecast", api.WeatherForecast)
		})
		r.Route("/crop", func(r chi.Router) {
			r.Post("/analyze", api.AnalyzeCrop)
			r.Get("/history", api.CropHistory)
		})
		r.Post("/chat", api.Chat)
		r.Get("/insights", api.Insights)
	})

	r.Get("/healthz", api.Health)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return r
}
