package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/advisor"
	"github.com/fasalmitra/fasalmitra/internal/market"
	"github.com/fasalmitra/fasalmitra/internal/weather"
)

const maxChatBodyBytes = 64 << 10

// Prices serves GET /api/mandi/prices. At least one of state, district, or
// commodity must be present; a positive days parameter switches to the
// last-N-days path with its filter-widening fallback.
func (g *Gateway) Prices(w http.ResponseWriter, r *http.Request) {
	if g.market == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "market data unavailable")
		return
	}
	q := r.URL.Query()
	state := strings.TrimSpace(q.Get("state"))
	district := strings.TrimSpace(q.Get("district"))
	commodity := strings.TrimSpace(q.Get("commodity"))
	if state == "" && district == "" && commodity == "" {
		g.WriteError(w, http.StatusBadRequest, "at least one of state, district, or commodity is required")
		return
	}

	days := 0
	if raw := strings.TrimSpace(q.Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			g.WriteError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			g.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var (
		records []market.PriceRecord
		err     error
	)
	if days > 0 {
		records, err = g.market.FetchLastNDays(r.Context(), state, district, commodity, days)
	} else {
		records, err = g.market.FetchDailyPrices(r.Context(), market.Query{
			State:     state,
			District:  district,
			Commodity: commodity,
			Limit:     limit,
		})
	}
	if err != nil {
		g.writeClientError(w, err)
		return
	}
	if records == nil {
		records = []market.PriceRecord{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// Districts serves GET /api/mandi/districts.
func (g *Gateway) Districts(w http.ResponseWriter, r *http.Request) {
	if g.market == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "market data unavailable")
		return
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state == "" {
		g.WriteError(w, http.StatusBadRequest, "state is required")
		return
	}
	districts, err := g.market.FetchDistrictsByState(r.Context(), state)
	if err != nil {
		g.writeClientError(w, err)
		return
	}
	if districts == nil {
		districts = []string{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"state":     state,
		"districts": districts,
	})
}

// Weather serves GET /api/weather.
func (g *Gateway) Weather(w http.ResponseWriter, r *http.Request) {
	if g.weather == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "weather unavailable")
		return
	}
	query, ok := g.weatherQuery(w, r)
	if !ok {
		return
	}
	report, err := g.weather.Current(r.Context(), query)
	if err != nil {
		g.writeClientError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, report)
}

// WeatherForecast serves GET /api/weather/forecast.
func (g *Gateway) WeatherForecast(w http.ResponseWriter, r *http.Request) {
	if g.weather == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "weather unavailable")
		return
	}
	query, ok := g.weatherQuery(w, r)
	if !ok {
		return
	}
	forecast, err := g.weather.Forecast(r.Context(), query)
	if err != nil {
		g.writeClientError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, forecast)
}

func (g *Gateway) weatherQuery(w http.ResponseWriter, r *http.Request) (weather.Query, bool) {
	q := r.URL.Query()
	query := weather.Query{City: strings.TrimSpace(q.Get("city"))}
	rawLat, rawLon := strings.TrimSpace(q.Get("lat")), strings.TrimSpace(q.Get("lon"))
	if rawLat != "" || rawLon != "" {
		lat, latErr := strconv.ParseFloat(rawLat, 64)
		lon, lonErr := strconv.ParseFloat(rawLon, 64)
		if latErr != nil || lonErr != nil {
			g.WriteError(w, http.StatusBadRequest, "lat and lon must both be valid numbers")
			return weather.Query{}, false
		}
		query.Lat, query.Lon = &lat, &lon
	}
	if query.City == "" && query.Lat == nil {
		g.WriteError(w, http.StatusBadRequest, "city or lat/lon is required")
		return weather.Query{}, false
	}
	return query, true
}

// Insights serves GET /api/insights with optional commodity/state filters.
func (g *Gateway) Insights(w http.ResponseWriter, r *http.Request) {
	if g.insights == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "insights unavailable")
		return
	}
	q := r.URL.Query()
	snapshot, generated := g.insights.Snapshot(q.Get("commodity"), q.Get("state"))
	payload := map[string]any{
		"insights": snapshot,
		"count":    len(snapshot),
	}
	if !generated.IsZero() {
		payload["generatedAt"] = generated.Format(time.RFC3339)
	}
	g.writeJSON(w, http.StatusOK, payload)
}

type chatRequest struct {
	Message   string   `json:"message"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Commodity string   `json:"commodity,omitempty"`
	State     string   `json:"state,omitempty"`
}

// Chat serves POST /api/chat. Weather and market context are best effort: an
// enrichment failure degrades the reply rather than failing the request.
func (g *Gateway) Chat(w http.ResponseWriter, r *http.Request) {
	if g.advisor == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "advisor unavailable")
		return
	}
	var req chatRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		g.WriteError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		g.WriteError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply := g.advisor.Reply(r.Context(), advisor.Request{
		Message: req.Message,
		Weather: g.chatWeather(r, req),
		Market:  g.chatMarket(req),
	})
	g.writeJSON(w, http.StatusOK, reply)
}

func (g *Gateway) chatWeather(r *http.Request, req chatRequest) map[string]any {
	if g.weather == nil || req.Latitude == nil || req.Longitude == nil {
		return nil
	}
	report, err := g.weather.Current(r.Context(), weather.Query{Lat: req.Latitude, Lon: req.Longitude})
	if err != nil {
		g.logger.Debug("chat weather enrichment failed", slog.String("error", err.Error()))
		return nil
	}
	return map[string]any{
		"city":      report.City,
		"temp":      report.Temp,
		"feelsLike": report.FeelsLike,
		"humidity":  report.Humidity,
		"condition": report.Condition,
		"windSpeed": report.WindSpeed,
	}
}

func (g *Gateway) chatMarket(req chatRequest) map[string]any {
	if g.insights == nil {
		return nil
	}
	snapshot, _ := g.insights.Snapshot(req.Commodity, req.State)
	if len(snapshot) == 0 {
		return nil
	}
	first := snapshot[0]
	return map[string]any{
		"commodity":    first.Commodity,
		"state":        first.State,
		"lastAvgPrice": first.LastAvgPrice,
		"momentum":     first.Momentum,
		"status":       first.Status,
	}
}
