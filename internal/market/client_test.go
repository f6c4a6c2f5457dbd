package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/cache"
	"github.com/fasalmitra/fasalmitra/internal/config"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.MarketConfig {
	cfg := config.DefaultConfig().Market
	cfg.BaseURL = "https://mandi.test"
	cfg.APIKey = "demo-key"
	return cfg
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func timeoutError(req *http.Request) error {
	return &url.Error{Op: "Get", URL: req.URL.String(), Err: context.DeadlineExceeded}
}

func stubSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestFetchDailyPricesMissingAPIKey(t *testing.T) {
	calls := 0
	cfg := testConfig()
	cfg.APIKey = ""
	client := NewClient(cfg, doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"records":[]}`), nil
	}), nil, nil, discardLogger())

	_, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no upstream calls without a credential, got %d", calls)
	}
}

func TestFetchDailyPricesNormalizesRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if got := query.Get("api-key"); got != "demo-key" {
			t.Errorf("expected api-key demo-key, got %q", got)
		}
		if got := query.Get("format"); got != "json" {
			t.Errorf("expected format json, got %q", got)
		}
		if got := query.Get("limit"); got != "500" {
			t.Errorf("expected limit 500, got %q", got)
		}
		if got := query.Get("filters[state]"); got != "Punjab" {
			t.Errorf("expected title-cased state filter, got %q", got)
		}
		if got := query.Get("filters[commodity]"); got != "Wheat" {
			t.Errorf("expected title-cased commodity filter, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"records":[{"state":"punjab","district":"LUDHIANA","market":"khanna","commodity":"wheat","variety":"Dara","min_price":"1950","max_price":"2150","modal_price":"2025","arrivals_in_qtl":"120.5","arrival_date":"15/01/2025"}]}`)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BaseURL = server.URL
	cfg.Resource = "/resource/test"
	client := NewClient(cfg, server.Client(), nil, nil, discardLogger())

	records, err := client.FetchDailyPrices(context.Background(), Query{State: "punjab", Commodity: "wheat"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	got := records[0]
	want := PriceRecord{
		State:       "Punjab",
		District:    "Ludhiana",
		Market:      "Khanna",
		Commodity:   "Wheat",
		Variety:     "Dara",
		MinPrice:    1950,
		MaxPrice:    2150,
		ModalPrice:  2025,
		ArrivalsQtl: 120.5,
		ArrivalDate: "2025-01-15",
	}
	if got != want {
		t.Fatalf("record mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestFetchDailyPricesSharesCacheAcrossEquivalentQueries(t *testing.T) {
	calls := 0
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"records":[{"state":"Punjab","commodity":"Wheat","modal_price":"2025"}]}`), nil
	}), cache.NewMemory(time.Minute), nil, discardLogger())

	first, err := client.FetchDailyPrices(context.Background(), Query{State: "punjab", Commodity: "wheat"})
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := client.FetchDailyPrices(context.Background(), Query{Commodity: " WHEAT ", State: "Punjab"})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call for equivalent queries, got %d", calls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical cached records:\n first %+v\nsecond %+v", first, second)
	}
}

func TestFetchDailyPricesRefetchesAfterExpiry(t *testing.T) {
	calls := 0
	cfg := testConfig()
	cfg.TTL = "1ms"
	client := NewClient(cfg, doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"records":[]}`), nil
	}), cache.NewMemory(cfg.GetTTL()), nil, discardLogger())

	if _, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"}); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a refetch after expiry, got %d upstream calls", calls)
	}
}

func TestFetchDailyPricesRetriesTransientStatuses(t *testing.T) {
	calls := 0
	var delays []time.Duration
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls <= 2 {
			return jsonResponse(503, `{"error":"unavailable"}`), nil
		}
		return jsonResponse(200, `{"records":[{"state":"Punjab","commodity":"Wheat"}]}`), nil
	}), nil, nil, discardLogger())
	client.sleep = stubSleep(&delays)

	records, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"})
	if err != nil {
		t.Fatalf("expected recovery on third attempt, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if calls != 3 {
		t.Fatalf("expected three attempts, got %d", calls)
	}
	want := []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("expected doubling backoff %v, got %v", want, delays)
	}
}

func TestFetchDailyPricesFailsFastOnClientError(t *testing.T) {
	calls := 0
	var delays []time.Duration
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(404, `{"error":"no such resource"}`), nil
	}), nil, nil, discardLogger())
	client.sleep = stubSleep(&delays)

	_, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != 404 {
		t.Fatalf("expected upstream error with status 404, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for a client error, got %d", calls)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no backoff for a client error, got %v", delays)
	}
}

func TestFetchDailyPricesExhaustsRetriesWithoutShrinking(t *testing.T) {
	var limits []string
	var delays []time.Duration
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		limits = append(limits, req.URL.Query().Get("limit"))
		return jsonResponse(503, `{"error":"unavailable"}`), nil
	}), nil, nil, discardLogger())
	client.sleep = stubSleep(&delays)

	_, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != 503 {
		t.Fatalf("expected upstream error with status 503, got %v", err)
	}
	// Server errors exhaust the retry budget but never authorize a smaller page.
	if want := []string{"500", "500", "500"}; !reflect.DeepEqual(limits, want) {
		t.Fatalf("expected limits %v, got %v", want, limits)
	}
	if want := []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}; !reflect.DeepEqual(delays, want) {
		t.Fatalf("expected backoff %v, got %v", want, delays)
	}
}

func TestFetchDailyPricesShrinksPageAfterTimeoutRounds(t *testing.T) {
	var limits []int
	var delays []time.Duration
	cfg := testConfig()
	cfg.MaxAttempts = 2
	client := NewClient(cfg, doerFunc(func(req *http.Request) (*http.Response, error) {
		limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
		if err != nil {
			t.Fatalf("parse limit: %v", err)
		}
		limits = append(limits, limit)
		if limit > 100 {
			return nil, timeoutError(req)
		}
		return jsonResponse(200, `{"records":[{"state":"Punjab","commodity":"Wheat"}]}`), nil
	}), nil, nil, discardLogger())
	client.sleep = stubSleep(&delays)

	records, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"})
	if err != nil {
		t.Fatalf("expected success at the smallest page, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if want := []int{500, 500, 200, 200, 100}; !reflect.DeepEqual(limits, want) {
		t.Fatalf("expected page ladder %v, got %v", want, limits)
	}
	// Each shrunken round restarts its own backoff sequence.
	if want := []time.Duration{800 * time.Millisecond, 800 * time.Millisecond}; !reflect.DeepEqual(delays, want) {
		t.Fatalf("expected per-round backoff %v, got %v", want, delays)
	}
}

func TestFetchDailyPricesAppliesDateWindowOverCachedPage(t *testing.T) {
	calls := 0
	store := &captureCache{entries: map[string]cache.Entry{}}
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"records":[
			{"state":"Punjab","commodity":"Wheat","arrival_date":"09/03/2025"},
			{"state":"Punjab","commodity":"Wheat","arrival_date":"01/01/2025"},
			{"state":"Punjab","commodity":"Wheat"}
		]}`), nil
	}), store, nil, discardLogger())

	march, err := client.FetchDailyPrices(context.Background(), Query{
		Commodity: "wheat",
		FromDate:  time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("march window fetch: %v", err)
	}
	if len(march) != 1 || march[0].ArrivalDate != "2025-03-09" {
		t.Fatalf("expected only the march record, got %+v", march)
	}

	// The cache holds the unfiltered page, so a different window over the same
	// filters is served without another upstream call.
	january, err := client.FetchDailyPrices(context.Background(), Query{
		Commodity: "wheat",
		FromDate:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("january window fetch: %v", err)
	}
	if len(january) != 1 || january[0].ArrivalDate != "2025-01-01" {
		t.Fatalf("expected only the january record, got %+v", january)
	}
	if calls != 1 {
		t.Fatalf("expected both windows to share one upstream page, got %d calls", calls)
	}
}

func TestFetchDailyPricesStoresWithConfiguredTTL(t *testing.T) {
	store := &captureCache{entries: map[string]cache.Entry{}}
	fixed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"records":[{"state":"Punjab","commodity":"Wheat"}]}`), nil
	}), store, nil, discardLogger())
	client.now = func() time.Time { return fixed }

	if _, err := client.FetchDailyPrices(context.Background(), Query{Commodity: "wheat"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected one cached entry, got %d", len(store.entries))
	}
	for _, entry := range store.entries {
		if !entry.StoredAt.Equal(fixed) {
			t.Fatalf("expected storedAt %v, got %v", fixed, entry.StoredAt)
		}
		if got := entry.ExpiresAt.Sub(entry.StoredAt); got != 5*time.Minute {
			t.Fatalf("expected default 5m freshness window, got %v", got)
		}
	}
}

func TestFetchLastNDaysWidensUntilRecordsAppear(t *testing.T) {
	var filterTrail []string
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		query := req.URL.Query()
		switch {
		case query.Get("filters[district]") != "":
			filterTrail = append(filterTrail, "state+district+commodity")
			return jsonResponse(200, `{"records":[]}`), nil
		case query.Get("filters[state]") != "":
			filterTrail = append(filterTrail, "state+commodity")
			return jsonResponse(200, `{"records":[{"state":"Punjab","commodity":"Wheat","arrival_date":"01/01/2025"}]}`), nil
		default:
			filterTrail = append(filterTrail, "commodity")
			return jsonResponse(200, `{"records":[{"state":"Haryana","commodity":"Wheat","modal_price":"2010","arrival_date":"09/03/2025"},{"state":"Haryana","commodity":"Wheat","arrival_date":"soon"}]}`), nil
		}
	}), nil, nil, discardLogger())
	client.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

	records, err := client.FetchLastNDays(context.Background(), "punjab", "ludhiana", "wheat", 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	wantTrail := []string{"state+district+commodity", "state+commodity", "commodity"}
	if !reflect.DeepEqual(filterTrail, wantTrail) {
		t.Fatalf("expected widening order %v, got %v", wantTrail, filterTrail)
	}
	if len(records) != 1 {
		t.Fatalf("expected only the in-window dated record, got %+v", records)
	}
	if records[0].ArrivalDate != "2025-03-09" {
		t.Fatalf("expected the recent record, got %+v", records[0])
	}
}

func TestFetchLastNDaysEmptyAfterWidestPass(t *testing.T) {
	calls := 0
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"records":[]}`), nil
	}), nil, nil, discardLogger())

	records, err := client.FetchLastNDays(context.Background(), "punjab", "", "wheat", 7)
	if err != nil {
		t.Fatalf("an empty result after the widest pass is not an error, got %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected an empty slice, got %#v", records)
	}
	// With no district the first two widening stages are the same query.
	if calls != 2 {
		t.Fatalf("expected duplicate widening stages to collapse, got %d calls", calls)
	}
}

func TestFetchLastNDaysValidatesDays(t *testing.T) {
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no upstream call expected for invalid input")
		return nil, nil
	}), nil, nil, discardLogger())

	if _, err := client.FetchLastNDays(context.Background(), "punjab", "", "wheat", 0); err == nil {
		t.Fatal("expected an error for days < 1")
	}
}

func TestFetchDistrictsByState(t *testing.T) {
	client := NewClient(testConfig(), doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"records":[
			{"state":"Punjab","district":"LUDHIANA","commodity":"Wheat"},
			{"state":"Punjab","district":"amritsar","commodity":"Rice"},
			{"state":"Punjab","district":"Ludhiana","commodity":"Maize"},
			{"state":"Punjab","commodity":"Cotton"}
		]}`), nil
	}), nil, nil, discardLogger())

	districts, err := client.FetchDistrictsByState(context.Background(), "punjab")
	if err != nil {
		t.Fatalf("fetch districts: %v", err)
	}
	if want := []string{"Amritsar", "Ludhiana"}; !reflect.DeepEqual(districts, want) {
		t.Fatalf("expected sorted unique districts %v, got %v", want, districts)
	}
}

func TestFetchDistrictsRequiresState(t *testing.T) {
	client := NewClient(testConfig(), nil, nil, nil, discardLogger())
	if _, err := client.FetchDistrictsByState(context.Background(), "  "); err == nil {
		t.Fatal("expected an error for a blank state")
	}
}

type captureCache struct {
	entries map[string]cache.Entry
}

func (c *captureCache) Lookup(_ context.Context, key string) (cache.Entry, bool, error) {
	entry, ok := c.entries[key]
	return entry, ok, nil
}

func (c *captureCache) Store(_ context.Context, key string, entry cache.Entry) error {
	c.entries[key] = entry
	return nil
}

func (c *captureCache) Delete(_ context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

func (c *captureCache) Size(context.Context) (int64, error) {
	return int64(len(c.entries)), nil
}

func (c *captureCache) Close(context.Context) error { return nil }
