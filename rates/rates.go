/*
Package rates refreshes stored currency rates from an HTTP endpoint.

The refresh job shares nothing with the lifecycle sweep except the scheduler
that triggers it. A failed refresh leaves the previously stored rates in
place and is retried on the next tick.

EXPECTED RESPONSE (GET <url>?base=USD):
  {"base": "USD", "rates": {"EUR": 0.9213, "GBP": "0.7891"}}
Rates may be JSON numbers or strings; both are parsed as exact decimals.
*/
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/profile-engine/metrics"
	"github.com/warp/profile-engine/model"
)

// Source fetches the current rates for a base currency.
type Source interface {
	Fetch(ctx context.Context, base string) ([]model.CurrencyRate, error)
}

// =============================================================================
// HTTP SOURCE
// =============================================================================

// HTTPSource reads rates from a JSON endpoint.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSource(rawURL string) *HTTPSource {
	return &HTTPSource{
		url:        strings.TrimSuffix(rawURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s *HTTPSource) Fetch(ctx context.Context, base string) ([]model.CurrencyRate, error) {
	if s.url == "" {
		return nil, fmt.Errorf("rates URL is not configured")
	}

	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("parse rates URL: %w", err)
	}
	q := u.Query()
	q.Set("base", base)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rates endpoint returned status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if body.Base == "" {
		body.Base = base
	}

	out := make([]model.CurrencyRate, 0, len(body.Rates))
	for code, rate := range body.Rates {
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive, got %s", code, rate)
		}
		out = append(out, model.CurrencyRate{
			Code: strings.ToUpper(code),
			Base: strings.ToUpper(body.Base),
			Rate: rate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// =============================================================================
// REFRESHER
// =============================================================================

// Refresher pulls rates from a Source into a RateStore.
type Refresher struct {
	source Source
	store  model.RateStore
	base   string
	logger zerolog.Logger
	now    func() time.Time
}

func NewRefresher(source Source, store model.RateStore, base string, logger zerolog.Logger) *Refresher {
	return &Refresher{
		source: source,
		store:  store,
		base:   strings.ToUpper(base),
		logger: logger.With().Str("component", "rates").Logger(),
		now:    time.Now,
	}
}

// Refresh fetches and stores the current rates, returning how many were saved.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	fetched, err := r.source.Fetch(ctx, r.base)
	if err != nil {
		metrics.RateRefreshesTotal.WithLabelValues("fetch_error").Inc()
		return 0, err
	}
	if len(fetched) == 0 {
		metrics.RateRefreshesTotal.WithLabelValues("empty").Inc()
		return 0, fmt.Errorf("rates endpoint returned no rates for %s", r.base)
	}

	at := r.now().UTC()
	for i := range fetched {
		fetched[i].FetchedAt = at
	}
	if err := r.store.SaveRates(ctx, fetched); err != nil {
		metrics.RateRefreshesTotal.WithLabelValues("store_error").Inc()
		return 0, fmt.Errorf("save rates: %w", err)
	}

	metrics.RateRefreshesTotal.WithLabelValues("success").Inc()
	r.logger.Info().Str("base", r.base).Int("rates", len(fetched)).Msg("currency rates refreshed")
	return len(fetched), nil
}

// RunRefresh is the scheduler entry point; errors are logged, not returned.
func (r *Refresher) RunRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Error().Err(err).Str("base", r.base).Msg("currency rate refresh failed")
	}
}
