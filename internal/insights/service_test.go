package insights

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/market"
)

type fetcherFunc func(ctx context.Context, state, district, commodity string, days int) ([]market.PriceRecord, error)

func (f fetcherFunc) FetchLastNDays(ctx context.Context, state, district, commodity string, days int) ([]market.PriceRecord, error) {
	return f(ctx, state, district, commodity, days)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trackWheat() config.InsightsConfig {
	return config.InsightsConfig{
		Schedule:   "@every 6h",
		WindowDays: 90,
		Track:      []config.InsightsTrackConfig{{Commodity: "Wheat", State: "Punjab"}},
	}
}

// monthlyRecords spreads one modal price per listed month, on the 15th.
func monthlyRecords(prices map[string]float64) []market.PriceRecord {
	records := make([]market.PriceRecord, 0, len(prices))
	for month, price := range prices {
		records = append(records, market.PriceRecord{
			Commodity:   "Wheat",
			State:       "Punjab",
			ModalPrice:  price,
			ArrivalDate: month + "-15",
		})
	}
	return records
}

func refreshed(t *testing.T, cfg config.InsightsConfig, records []market.PriceRecord) *Service {
	t.Helper()
	svc := New(cfg, fetcherFunc(func(_ context.Context, _, _, _ string, _ int) ([]market.PriceRecord, error) {
		return records, nil
	}), nil, discardLogger())
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return svc
}

func TestRefreshBullishMomentum(t *testing.T) {
	svc := refreshed(t, trackWheat(), monthlyRecords(map[string]float64{
		"2025-03": 2000,
		"2025-04": 2100,
		"2025-05": 2400,
	}))

	snapshot, generated := svc.Snapshot("", "")
	if len(snapshot) != 1 {
		t.Fatalf("expected one insight, got %d", len(snapshot))
	}
	if generated.IsZero() {
		t.Fatal("expected a generation timestamp")
	}
	insight := snapshot[0]
	if insight.Status != "bullish" {
		t.Fatalf("expected bullish status, got %q (momentum %v)", insight.Status, insight.Momentum)
	}
	// (2400 - 2000) / 2000 = 0.2
	if insight.Momentum < 0.19 || insight.Momentum > 0.21 {
		t.Fatalf("unexpected momentum %v", insight.Momentum)
	}
	if insight.LastAvgPrice != 2400 {
		t.Fatalf("expected last monthly average 2400, got %v", insight.LastAvgPrice)
	}
	if insight.Samples != 3 {
		t.Fatalf("expected 3 samples, got %d", insight.Samples)
	}
}

func TestRefreshBearishMomentum(t *testing.T) {
	svc := refreshed(t, trackWheat(), monthlyRecords(map[string]float64{
		"2025-03": 2400,
		"2025-04": 2300,
		"2025-05": 2000,
	}))

	snapshot, _ := svc.Snapshot("", "")
	if snapshot[0].Status != "bearish" {
		t.Fatalf("expected bearish status, got %q", snapshot[0].Status)
	}
}

func TestRefreshFlatSeriesHolds(t *testing.T) {
	svc := refreshed(t, trackWheat(), monthlyRecords(map[string]float64{
		"2025-04": 2000,
		"2025-05": 2020,
	}))

	snapshot, _ := svc.Snapshot("", "")
	if snapshot[0].Status != "hold" {
		t.Fatalf("expected hold within the momentum band, got %q", snapshot[0].Status)
	}
}

func TestRefreshMomentumUsesLastThreeMonths(t *testing.T) {
	// The early crash falls outside the three-month window, so the digest
	// only sees the flat tail.
	svc := refreshed(t, trackWheat(), monthlyRecords(map[string]float64{
		"2025-01": 4000,
		"2025-03": 2000,
		"2025-04": 2010,
		"2025-05": 2020,
	}))

	snapshot, _ := svc.Snapshot("", "")
	if snapshot[0].Status != "hold" {
		t.Fatalf("expected hold over the trailing window, got %q (momentum %v)",
			snapshot[0].Status, snapshot[0].Momentum)
	}
}

func TestRefreshComputesSMA7(t *testing.T) {
	records := make([]market.PriceRecord, 0, 8)
	for day := 1; day <= 8; day++ {
		records = append(records, market.PriceRecord{
			Commodity:   "Wheat",
			State:       "Punjab",
			ModalPrice:  float64(2000 + day*10),
			ArrivalDate: time.Date(2025, 5, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
		})
	}
	svc := refreshed(t, trackWheat(), records)

	snapshot, _ := svc.Snapshot("", "")
	// Mean of days 2..8 (2020..2080) is 2050.
	if snapshot[0].SMA7 != 2050 {
		t.Fatalf("expected trailing SMA 2050, got %v", snapshot[0].SMA7)
	}
}

func TestRefreshShortSeriesSkipsSMA(t *testing.T) {
	svc := refreshed(t, trackWheat(), monthlyRecords(map[string]float64{"2025-05": 2000}))
	snapshot, _ := svc.Snapshot("", "")
	if snapshot[0].SMA7 != 0 {
		t.Fatalf("expected no SMA below seven data points, got %v", snapshot[0].SMA7)
	}
}

func TestRefreshOmitsEmptyPairs(t *testing.T) {
	svc := refreshed(t, trackWheat(), nil)
	snapshot, _ := svc.Snapshot("", "")
	if len(snapshot) != 0 {
		t.Fatalf("expected an empty snapshot, got %d insights", len(snapshot))
	}
}

func TestRefreshSkipsUndatedRecords(t *testing.T) {
	records := append(monthlyRecords(map[string]float64{"2025-05": 2000}),
		market.PriceRecord{Commodity: "Wheat", ModalPrice: 9000})
	svc := refreshed(t, trackWheat(), records)

	snapshot, _ := svc.Snapshot("", "")
	if snapshot[0].Samples != 1 {
		t.Fatalf("expected the undated record excluded, got %d samples", snapshot[0].Samples)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	calls := 0
	svc := New(trackWheat(), fetcherFunc(func(_ context.Context, _, _, _ string, _ int) ([]market.PriceRecord, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("upstream down")
		}
		return monthlyRecords(map[string]float64{"2025-04": 2000, "2025-05": 2200}), nil
	}), nil, discardLogger())

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	before, generatedBefore := svc.Snapshot("", "")

	if err := svc.Refresh(context.Background()); err == nil {
		t.Fatal("expected the second refresh to fail")
	}
	after, generatedAfter := svc.Snapshot("", "")
	if len(after) != len(before) || !generatedAfter.Equal(generatedBefore) {
		t.Fatal("expected the failed refresh to keep the previous snapshot")
	}
}

func TestRefreshWithoutTrackedPairsIsNoop(t *testing.T) {
	svc := New(config.InsightsConfig{WindowDays: 90}, fetcherFunc(func(_ context.Context, _, _, _ string, _ int) ([]market.PriceRecord, error) {
		t.Fatal("fetcher must not be called without tracked pairs")
		return nil, nil
	}), nil, discardLogger())

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func TestSnapshotFilters(t *testing.T) {
	cfg := trackWheat()
	cfg.Track = append(cfg.Track, config.InsightsTrackConfig{Commodity: "Onion", State: "Maharashtra"})
	svc := New(cfg, fetcherFunc(func(_ context.Context, state, _, commodity string, _ int) ([]market.PriceRecord, error) {
		return []market.PriceRecord{{
			Commodity:   commodity,
			State:       state,
			ModalPrice:  1500,
			ArrivalDate: "2025-05-15",
		}}, nil
	}), nil, discardLogger())
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	all, _ := svc.Snapshot("", "")
	if len(all) != 2 {
		t.Fatalf("expected two insights, got %d", len(all))
	}
	onions, _ := svc.Snapshot("onion", "")
	if len(onions) != 1 || onions[0].Commodity != "Onion" {
		t.Fatalf("expected the onion insight, got %+v", onions)
	}
	punjab, _ := svc.Snapshot("", "punjab")
	if len(punjab) != 1 || punjab[0].State != "Punjab" {
		t.Fatalf("expected the Punjab insight, got %+v", punjab)
	}
}
