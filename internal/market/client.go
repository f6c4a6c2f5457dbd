package market

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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/cache"
	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/metrics"
)

const (
	serviceName = "mandi"

	// The upstream serves at most a few hundred rows per page; 8 MiB leaves
	// ample headroom while still bounding a misbehaving response.
	maxResponseBytes = 8 << 20
)

// ErrMissingAPIKey is returned before any network activity when the mandi API
// credential is absent.
var ErrMissingAPIKey = errors.New("market: api key not configured")

// UpstreamError carries an HTTP error status from the mandi API.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("market: upstream returned status %d", e.Status)
}

func (e *UpstreamError) transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Query narrows a daily-price fetch. Empty fields are not sent as filters.
// Limit overrides the configured page size when positive. The date window is
// applied client-side because the upstream has no dependable range operator;
// zero bounds leave that side open.
type Query struct {
	State     string
	District  string
	Commodity string
	FromDate  time.Time
	ToDate    time.Time
	Limit     int
}

func (q Query) normalized() Query {
	q.State = titleCase(strings.TrimSpace(q.State))
	q.District = titleCase(strings.TrimSpace(q.District))
	q.Commodity = titleCase(strings.TrimSpace(q.Commodity))
	return q
}

func (q Query) hasWindow() bool {
	return !q.FromDate.IsZero() || !q.ToDate.IsZero()
}

// cacheKey leaves the limit and the date window out: the limit because a
// shrunken-page fallback response still answers later full-size requests, the
// window because it filters the same upstream payload client-side.
func (q Query) cacheKey() string {
	return cache.QueryKey(serviceName, map[string]string{
		"state":     q.State,
		"district":  q.District,
		"commodity": q.Commodity,
	})
}

// Client fetches daily mandi prices from the data.gov.in resource with
// caching, bounded retry, and progressive page shrinking when the upstream
// keeps timing out.
type Client struct {
	cfg      config.MarketConfig
	http     httpDoer
	cache    cache.Cache
	recorder *metrics.Recorder
	logger   *slog.Logger

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewClient wires a mandi price client. A nil cache disables caching and a
// nil doer falls back to a default HTTP client.
func NewClient(cfg config.MarketConfig, doer httpDoer, store cache.Cache, recorder *metrics.Recorder, logger *slog.Logger) *Client {
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
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// FetchDailyPrices returns current daily prices for the query, serving from
// cache when a fresh entry exists. Identical filters in any order share one
// cache entry, which always holds the unfiltered upstream page; a date window
// on the query narrows the returned records after the fact. A missing API key
// fails fast without touching the network.
func (c *Client) FetchDailyPrices(ctx context.Context, query Query) ([]PriceRecord, error) {
	started := time.Now()
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.recorder.ObserveUpstream(serviceName, metrics.UpstreamConfigError, time.Since(started))
		return nil, ErrMissingAPIKey
	}

	query = query.normalized()
	key := query.cacheKey()
	if records, ok := c.cachedRecords(ctx, key); ok {
		return applyWindow(records, query), nil
	}

	records, err := c.fetchWithFallback(ctx, query)
	c.recorder.ObserveUpstream(serviceName, outcomeFor(err), time.Since(started))
	if err != nil {
		return nil, err
	}
	c.storeRecords(ctx, key, records)
	return applyWindow(records, query), nil
}

// FetchLastNDays returns price records whose arrival date falls inside the
// last N days. When the narrow query yields nothing the filters widen in
// stages, dropping district and then state, before giving up; an empty result
// after the widest pass is not an error. Records without a parseable arrival
// date never match the window.
func (c *Client) FetchLastNDays(ctx context.Context, state, district, commodity string, days int) ([]PriceRecord, error) {
	if days < 1 {
		return nil, fmt.Errorf("market: days must be at least 1, got %d", days)
	}

	today := dateOnly(c.now().UTC())
	cutoff := today.AddDate(0, 0, -days)
	queries := []Query{
		{State: state, District: district, Commodity: commodity, FromDate: cutoff, ToDate: today},
		{State: state, Commodity: commodity, FromDate: cutoff, ToDate: today},
		{Commodity: commodity, FromDate: cutoff, ToDate: today},
	}

	var lastErr error
	succeeded := false
	seen := map[string]bool{}
	for _, query := range queries {
		query = query.normalized()
		key := query.cacheKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		records, err := c.FetchDailyPrices(ctx, query)
		if err != nil {
			if errors.Is(err, ErrMissingAPIKey) {
				return nil, err
			}
			lastErr = err
			continue
		}
		succeeded = true
		if len(records) > 0 {
			return records, nil
		}
	}
	if !succeeded && lastErr != nil {
		return nil, lastErr
	}
	return []PriceRecord{}, nil
}

// FetchDistrictsByState lists the distinct district names appearing in the
// state's current price data, sorted alphabetically.
func (c *Client) FetchDistrictsByState(ctx context.Context, state string) ([]string, error) {
	if strings.TrimSpace(state) == "" {
		return nil, errors.New("market: state is required")
	}
	records, err := c.FetchDailyPrices(ctx, Query{State: state})
	if err != nil {
		return nil, err
	}
	unique := map[string]struct{}{}
	for _, record := range records {
		if record.District != "" {
			unique[record.District] = struct{}{}
		}
	}
	districts := make([]string, 0, len(unique))
	for district := range unique {
		districts = append(districts, district)
	}
	sort.Strings(districts)
	return districts, nil
}

func (c *Client) cachedRecords(ctx context.Context, key string) ([]PriceRecord, bool) {
	if c.cache == nil {
		return nil, false
	}
	entry, ok, err := c.cache.Lookup(ctx, key)
	if err != nil {
		c.logger.Warn("mandi cache lookup failed", slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var records []PriceRecord
	if err := json.Unmarshal(entry.Payload, &records); err != nil {
		c.logger.Warn("mandi cache entry unreadable", slog.String("error", err.Error()))
		return nil, false
	}
	return records, true
}

func (c *Client) storeRecords(ctx context.Context, key string, records []PriceRecord) {
	if c.cache == nil {
		return
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return
	}
	stored := c.now().UTC()
	entry := cache.Entry{Payload: payload, StoredAt: stored, ExpiresAt: stored.Add(c.cfg.GetTTL())}
	if err := c.cache.Store(ctx, key, entry); err != nil {
		c.logger.Warn("mandi cache store failed", slog.String("error", err.Error()))
	}
}

// fetchWithFallback walks the limit ladder. A smaller page is only tried when
// every attempt at the current size timed out; terminal statuses and decode
// failures surface immediately.
func (c *Client) fetchWithFallback(ctx context.Context, query Query) ([]PriceRecord, error) {
	ladder := c.limitLadder(query.Limit)
	var lastErr error
	for i, limit := range ladder {
		records, timeoutOnly, err := c.fetchWithRetry(ctx, query, limit)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if !timeoutOnly || ctx.Err() != nil {
			break
		}
		if i < len(ladder)-1 {
			c.logger.Warn("mandi fetch kept timing out, shrinking page",
				slog.Int("limit", limit),
				slog.Int("nextLimit", ladder[i+1]))
		}
	}
	return nil, lastErr
}

// fetchWithRetry runs up to MaxAttempts requests at one page size, doubling
// the backoff delay after each failure. Timeouts and 5xx/429 statuses retry;
// anything else fails the round at once. The second return reports whether
// every failure was a timeout, which is what authorizes a page-size fallback.
func (c *Client) fetchWithRetry(ctx context.Context, query Query, limit int) ([]PriceRecord, bool, error) {
	attempts := c.maxAttempts()
	timeoutOnly := true
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		records, err := c.fetchOnce(ctx, query, limit)
		if err == nil {
			return records, false, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, false, err
		}
		switch {
		case isTimeout(err):
		case isTransientStatus(err):
			timeoutOnly = false
		default:
			return nil, false, err
		}
		if attempt == attempts {
			break
		}
		delay := c.cfg.GetBackoffBase() << (attempt - 1)
		c.logger.Debug("retrying mandi fetch",
			slog.Int("attempt", attempt),
			slog.Int("limit", limit),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, false, lastErr
		}
	}
	return nil, timeoutOnly, lastErr
}

// fetchOnce performs a single GET against the configured resource with a
// per-attempt deadline.
func (c *Client) fetchOnce(ctx context.Context, query Query, limit int) ([]PriceRecord, error) {
	endpoint, err := c.resourceURL(query, limit)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.GetRequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("market: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market: fetch prices: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("market: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	var envelope upstreamEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("market: decode response: %w", err)
	}
	records := make([]PriceRecord, 0, len(envelope.Records))
	for _, raw := range envelope.Records {
		records = append(records, normalizeRecord(raw))
	}
	return records, nil
}

func (c *Client) resourceURL(query Query, limit int) (string, error) {
	resource := c.cfg.Resource
	if resource != "" && !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	endpoint, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + resource)
	if err != nil {
		return "", fmt.Errorf("market: invalid base url: %w", err)
	}

	params := url.Values{}
	params.Set("api-key", c.cfg.APIKey)
	params.Set("format", "json")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", "0")
	if query.State != "" {
		params.Set("filters[state]", query.State)
	}
	if query.District != "" {
		params.Set("filters[district]", query.District)
	}
	if query.Commodity != "" {
		params.Set("filters[commodity]", query.Commodity)
	}
	endpoint.RawQuery = params.Encode()
	return endpoint.String(), nil
}

// limitLadder returns the page sizes to try in order. Fallback rungs only
// apply when they actually shrink the page.
func (c *Client) limitLadder(requested int) []int {
	first := requested
	if first <= 0 {
		first = c.cfg.Limit
	}
	if first <= 0 {
		first = 500
	}
	ladder := []int{first}
	for _, limit := range c.cfg.FallbackLimits {
		if limit > 0 && limit < ladder[len(ladder)-1] {
			ladder = append(ladder, limit)
		}
	}
	return ladder
}

func (c *Client) maxAttempts() int {
	if c.cfg.MaxAttempts < 1 {
		return 1
	}
	return c.cfg.MaxAttempts
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

func isTransientStatus(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && upstream.transient()
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// applyWindow narrows records to the query's date window. Records without a
// parseable arrival date never match a window, mirroring how an invalid date
// compares false against any bound.
func applyWindow(records []PriceRecord, query Query) []PriceRecord {
	if !query.hasWindow() {
		return records
	}
	matched := make([]PriceRecord, 0, len(records))
	for _, record := range records {
		arrived, ok := record.ArrivalTime()
		if !ok {
			continue
		}
		if !query.FromDate.IsZero() && arrived.Before(query.FromDate) {
			continue
		}
		if !query.ToDate.IsZero() && arrived.After(query.ToDate) {
			continue
		}
		matched = append(matched, record)
	}
	return matched
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
