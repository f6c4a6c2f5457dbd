package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fasalmitra/fasalmitra/internal/crophealth"
	"github.com/fasalmitra/fasalmitra/internal/ml"
)

// The UI shows only the most recent analyses, so the ring stays tiny.
const historyLimit = 3

// HistoryEntry is one remembered analysis. Assessments are kept in memory
// only; a restart starts the history fresh.
type HistoryEntry struct {
	ID         string                `json:"id"`
	CropType   string                `json:"cropType,omitempty"`
	CropStage  string                `json:"cropStage,omitempty"`
	AnalyzedAt time.Time             `json:"analyzedAt"`
	Assessment crophealth.Assessment `json:"assessment"`
}

type historyRing struct {
	mu      sync.RWMutex
	limit   int
	entries []HistoryEntry
}

func newHistoryRing(limit int) *historyRing {
	if limit < 1 {
		limit = 1
	}
	return &historyRing{limit: limit}
}

// add prepends the entry and drops the oldest beyond the limit.
func (h *historyRing) add(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]HistoryEntry{entry}, h.entries...)
	if len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
}

// list returns the entries newest first.
func (h *historyRing) list() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HistoryEntry{}, h.entries...)
}

// AnalyzeCrop serves POST /api/crop/analyze. The model service is always
// tried first when configured; the rule-based analyzer only answers after the
// service proves unreachable or returns a malformed verdict, and that
// degradation is never surfaced as a request failure.
func (g *Gateway) AnalyzeCrop(w http.ResponseWriter, r *http.Request) {
	if g.analyzer == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "crop analysis unavailable")
		return
	}

	maxBytes := g.cfg.Crop.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		g.WriteError(w, http.StatusBadRequest, "request must be multipart form data within the upload limit")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		g.WriteError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()
	imageData, err := io.ReadAll(file)
	if err != nil {
		g.WriteError(w, http.StatusBadRequest, "image upload could not be read")
		return
	}

	opts := crophealth.Options{
		CropType:  strings.TrimSpace(r.FormValue("cropType")),
		CropStage: strings.TrimSpace(r.FormValue("cropStage")),
	}
	if lat, ok := parseCoord(r.FormValue("latitude")); ok {
		if lon, ok := parseCoord(r.FormValue("longitude")); ok {
			opts.Latitude, opts.Longitude = lat, lon
		}
	}

	started := time.Now()
	assessment, err := g.analyze(r, imageData, header.Filename, opts)
	if err != nil {
		g.recorder.ObserveAnalysis(crophealth.MethodRuleBased, "error", time.Since(started))
		g.writeClientError(w, err)
		return
	}
	g.recorder.ObserveAnalysis(assessment.Method, assessment.HealthStatus, time.Since(started))

	entry := HistoryEntry{
		ID:         uuid.NewString(),
		CropType:   opts.CropType,
		CropStage:  opts.CropStage,
		AnalyzedAt: g.now().UTC(),
		Assessment: assessment,
	}
	g.history.add(entry)

	g.writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"id":              entry.ID,
		"healthStatus":    assessment.HealthStatus,
		"confidence":      assessment.Confidence,
		"issues":          assessment.Issues,
		"recommendations": assessment.Recommendations,
		"analysis":        assessment.Analysis,
		"method":          assessment.Method,
	})
}

// analyze runs the ML-first policy. Only an unavailable model service falls
// back; a reachable service's verdict is final, good or bad.
func (g *Gateway) analyze(r *http.Request, imageData []byte, filename string, opts crophealth.Options) (crophealth.Assessment, error) {
	if g.ml != nil && g.ml.Enabled() {
		assessment, err := g.ml.Analyze(r.Context(), imageData, filename, opts.CropType)
		if err == nil {
			return assessment, nil
		}
		if !errors.Is(err, ml.ErrUnavailable) {
			return crophealth.Assessment{}, err
		}
		g.logger.Info("model service unavailable, using rule-based analyzer",
			slog.String("error", err.Error()))
	}
	return g.analyzer.Analyze(r.Context(), imageData, opts)
}

// CropHistory serves GET /api/crop/history.
func (g *Gateway) CropHistory(w http.ResponseWriter, r *http.Request) {
	entries := g.history.list()
	g.writeJSON(w, http.StatusOK, map[string]any{
		"analyses": entries,
		"count":    len(entries),
	})
}

func parseCoord(raw string) (*float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil, false
	}
	return &value, true
}
