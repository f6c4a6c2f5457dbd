package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const correlationKey contextKey = "correlationID"

// CorrelationID returns the request's correlation identifier, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// Correlation propagates the caller's correlation header or mints a fresh
// identifier, echoing it on the response so the SPA can reference it.
func (g *Gateway) Correlation(next http.Handler) http.Handler {
	header := strings.TrimSpace(g.cfg.Server.Logging.CorrelationHeader)
	if header == "" {
		header = "X-Request-ID"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(header))
		if id == "" {
			id = newCorrelationID()
		}
		w.Header().Set(header, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

func newCorrelationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Instrument records every completed request in the access log and the
// request metrics, labeled by the chi route pattern rather than the raw path
// so cardinality stays bounded.
func (g *Gateway) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(started)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		g.recorder.ObserveRequest(route, r.Method, recorder.status, elapsed)
		g.logger.Info("request served",
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", recorder.status),
			slog.Duration("took", elapsed),
			slog.String("correlation_id", CorrelationID(r.Context())))
	})
}
