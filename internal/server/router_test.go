package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fasalmitra/fasalmitra/internal/config"
)

// stubAPI answers every route with its own name so dispatch is observable.
type stubAPI struct{}

func named(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(name))
	}
}

func (stubAPI) Prices(w http.ResponseWriter, r *http.Request)          { named("prices")(w, r) }
func (stubAPI) Districts(w http.ResponseWriter, r *http.Request)       { named("districts")(w, r) }
func (stubAPI) Weather(w http.ResponseWriter, r *http.Request)         { named("weather")(w, r) }
func (stubAPI) WeatherForecast(w http.ResponseWriter, r *http.Request) { named("forecast")(w, r) }
func (stubAPI) AnalyzeCrop(w http.ResponseWriter, r *http.Request)     { named("analyze")(w, r) }
func (stubAPI) CropHistory(w http.ResponseWriter, r *http.Request)     { named("history")(w, r) }
func (stubAPI) Chat(w http.ResponseWriter, r *http.Request)            { named("chat")(w, r) }
func (stubAPI) Insights(w http.ResponseWriter, r *http.Request)        { named("insights")(w, r) }
func (stubAPI) Health(w http.ResponseWriter, r *http.Request)          { named("health")(w, r) }

func (stubAPI) Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Saw-Correlation", "1")
		next.ServeHTTP(w, r)
	})
}

func (stubAPI) Instrument(next http.Handler) http.Handler { return next }

func TestRouterDispatch(t *testing.T) {
	router := NewRouter(config.DefaultConfig(), stubAPI{}, nil)

	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/mandi/prices", "prices"},
		{http.MethodGet, "/api/mandi/districts", "districts"},
		{http.MethodGet, "/api/weather", "weather"},
		{http.MethodGet, "/api/weather/forecast", "forecast"},
		{http.MethodPost, "/api/crop/analyze", "analyze"},
		{http.MethodGet, "/api/crop/history", "history"},
		{http.MethodPost, "/api/chat", "chat"},
		{http.MethodGet, "/api/insights", "insights"},
		{http.MethodGet, "/healthz", "health"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader("")))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := rec.Body.String(); got != tc.want {
				t.Fatalf("expected handler %q, got %q", tc.want, got)
			}
			if rec.Header().Get("X-Saw-Correlation") != "1" {
				t.Fatal("expected the correlation middleware to run")
			}
		})
	}
}

func TestRouterMethodMismatch(t *testing.T) {
	router := NewRouter(config.DefaultConfig(), stubAPI{}, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on a POST route, got %d", rec.Code)
	}
}

func TestRouterMetricsOptional(t *testing.T) {
	withMetrics := NewRouter(config.DefaultConfig(), stubAPI{}, named("metrics"))
	rec := httptest.NewRecorder()
	withMetrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "metrics" {
		t.Fatalf("expected the metrics handler, got %d %q", rec.Code, rec.Body.String())
	}

	without := NewRouter(config.DefaultConfig(), stubAPI{}, nil)
	rec = httptest.NewRecorder()
	without.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", rec.Code)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.in"}
	router := NewRouter(cfg, stubAPI{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example.in")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.in" {
		t.Fatalf("expected the configured origin allowed, got %q", got)
	}
}
