package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/robfig/cron/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/market"
	"github.com/fasalmitra/fasalmitra/internal/metrics"
)

// Momentum beyond this band flips the status away from hold.
const momentumBand = 0.05

const smaPeriod = 7

// Insight is the digest for one tracked commodity series.
type Insight struct {
	Commodity    string    `json:"commodity"`
	State        string    `json:"state,omitempty"`
	LastAvgPrice float64   `json:"lastAvgPrice"`
	Momentum     float64   `json:"momentum"`
	SMA7         float64   `json:"sma7,omitempty"`
	Status       string    `json:"status"`
	Samples      int       `json:"samples"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

type priceFetcher interface {
	FetchLastNDays(ctx context.Context, state, district, commodity string, days int) ([]market.PriceRecord, error)
}

// Service keeps an in-memory snapshot of price-trend insights for the tracked
// commodity/state pairs, rebuilt on a cron schedule. A failed refresh keeps
// the previous snapshot so readers never observe a partial rebuild.
type Service struct {
	cfg      config.InsightsConfig
	fetcher  priceFetcher
	recorder *metrics.Recorder
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time

	mu        sync.RWMutex
	snapshot  []Insight
	refreshed time.Time
}

// New wires the insights service around the mandi price client.
func New(cfg config.InsightsConfig, fetcher priceFetcher, recorder *metrics.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		fetcher:  fetcher,
		recorder: recorder,
		logger:   logger,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start schedules periodic refreshes and kicks an immediate one off in the
// background so the first request does not wait for the upstream.
func (s *Service) Start(ctx context.Context) error {
	schedule := strings.TrimSpace(s.cfg.Schedule)
	if schedule == "" {
		schedule = "@every 6h"
	}
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.Refresh(context.Background()); err != nil {
			s.logger.Warn("scheduled insights refresh failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("insights: schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	go func() {
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("initial insights refresh failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop drains the cron scheduler, waiting for a running refresh to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Refresh rebuilds the snapshot from the tracked pairs. Any pair failure
// aborts the rebuild and keeps the previous snapshot; pairs that fetch
// successfully but carry no data are simply omitted.
func (s *Service) Refresh(ctx context.Context) error {
	started := time.Now()
	if len(s.cfg.Track) == 0 {
		s.recorder.ObserveInsightsRefresh(metrics.RefreshSkipped, time.Since(started))
		return nil
	}

	windowDays := s.cfg.WindowDays
	if windowDays < 1 {
		windowDays = 90
	}

	generated := s.now().UTC()
	rebuilt := make([]Insight, 0, len(s.cfg.Track))
	for _, pair := range s.cfg.Track {
		records, err := s.fetcher.FetchLastNDays(ctx, pair.State, "", pair.Commodity, windowDays)
		if err != nil {
			s.recorder.ObserveInsightsRefresh(metrics.RefreshError, time.Since(started))
			return fmt.Errorf("insights: refresh %s/%s: %w", pair.Commodity, pair.State, err)
		}
		insight, ok := computeInsight(pair, records, generated)
		if !ok {
			s.logger.Debug("no price data for tracked pair",
				slog.String("commodity", pair.Commodity),
				slog.String("state", pair.State))
			continue
		}
		rebuilt = append(rebuilt, insight)
	}
	sort.Slice(rebuilt, func(i, j int) bool {
		if rebuilt[i].Commodity != rebuilt[j].Commodity {
			return rebuilt[i].Commodity < rebuilt[j].Commodity
		}
		return rebuilt[i].State < rebuilt[j].State
	})

	s.mu.Lock()
	s.snapshot = rebuilt
	s.refreshed = generated
	s.mu.Unlock()
	s.recorder.ObserveInsightsRefresh(metrics.RefreshOK, time.Since(started))
	s.logger.Info("insights snapshot rebuilt",
		slog.Int("insights", len(rebuilt)),
		slog.Duration("took", time.Since(started)))
	return nil
}

// Snapshot returns the current insights, optionally narrowed by commodity and
// state (case-insensitive), plus the time the snapshot was generated.
func (s *Service) Snapshot(commodity, state string) ([]Insight, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	commodity = strings.ToLower(strings.TrimSpace(commodity))
	state = strings.ToLower(strings.TrimSpace(state))
	matched := make([]Insight, 0, len(s.snapshot))
	for _, insight := range s.snapshot {
		if commodity != "" && strings.ToLower(insight.Commodity) != commodity {
			continue
		}
		if state != "" && strings.ToLower(insight.State) != state {
			continue
		}
		matched = append(matched, insight)
	}
	return matched, s.refreshed
}

// computeInsight folds one pair's records into its digest: modal prices are
// bucketed by month for the momentum signal and by day for the smoothed tail.
// Records without a parseable arrival date carry no time axis and are skipped.
func computeInsight(pair config.InsightsTrackConfig, records []market.PriceRecord, generated time.Time) (Insight, bool) {
	monthly := map[string][]float64{}
	daily := map[string][]float64{}
	samples := 0
	for _, record := range records {
		arrived, ok := record.ArrivalTime()
		if !ok || record.ModalPrice <= 0 {
			continue
		}
		samples++
		monthly[arrived.Format("2006-01")] = append(monthly[arrived.Format("2006-01")], record.ModalPrice)
		daily[arrived.Format("2006-01-02")] = append(daily[arrived.Format("2006-01-02")], record.ModalPrice)
	}
	if samples == 0 {
		return Insight{}, false
	}

	months := sortedKeys(monthly)
	averages := make([]float64, 0, len(months))
	for _, month := range months {
		averages = append(averages, stat.Mean(monthly[month], nil))
	}

	// Momentum compares the first and last of the most recent three monthly
	// averages; a single month reads as flat.
	window := averages
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	first, last := window[0], window[len(window)-1]
	momentum := (last - first) / (abs(first) + 1e-6)

	status := "hold"
	switch {
	case momentum > momentumBand:
		status = "bullish"
	case momentum < -momentumBand:
		status = "bearish"
	}

	insight := Insight{
		Commodity:    pair.Commodity,
		State:        pair.State,
		LastAvgPrice: round2(last),
		Momentum:     round4(momentum),
		Status:       status,
		Samples:      samples,
		GeneratedAt:  generated,
	}

	days := sortedKeys(daily)
	series := make([]float64, 0, len(days))
	for _, day := range days {
		series = append(series, stat.Mean(daily[day], nil))
	}
	if len(series) >= smaPeriod {
		sma := talib.Sma(series, smaPeriod)
		insight.SMA7 = round2(sma[len(sma)-1])
	}
	return insight, true
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
