// Package analytics talks to the listing analytics API that supplies
// view, favorer and sales estimates.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

// MaxBatchSize is the largest id batch the API accepts
const MaxBatchSize = 64

const tokenHeader = "x-access-token"

// Options configures the client
type Options struct {
	BaseURL     string
	BatchSize   int
	Concurrency int
	RPS         float64
	Timeout     time.Duration
}

// Client fetches listing metrics in batches
type Client struct {
	opts    Options
	http    *http.Client
	tokens  TokenProvider
	limiter *rate.Limiter
	log     *logger.Logger
}

var _ perspective.MetricsSource = (*Client)(nil)

// NewClient creates a client; out-of-range options fall back to safe values
func NewClient(opts Options, tokens TokenProvider) *Client {
	if opts.BatchSize <= 0 || opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), 1),
		log:     logger.ForAnalytics(),
	}
}

// FetchMetrics returns readings for the ids the API knows. Any failed batch
// fails the whole call.
func (c *Client) FetchMetrics(ctx context.Context, ids []string) (map[string]perspective.Metrics, error) {
	out := make(map[string]perspective.Metrics, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ok, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, apperrors.NewUpstream("analytics", "check token", err)
	}
	if !ok {
		return nil, apperrors.NewUpstream("analytics", "no valid access token", nil)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for i, batch := range chunk(ids, c.opts.BatchSize) {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			metrics, err := c.fetchBatch(gctx, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i+1, err)
			}
			mu.Lock()
			for id, m := range metrics {
				out[id] = m
			}
			mu.Unlock()
			c.log.Debug().Int("batch", i+1).Int("size", len(batch)).Int("found", len(metrics)).Msg("Metrics batch fetched")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, ids []string) (map[string]perspective.Metrics, error) {
	status, body, err := c.post(ctx, ids)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.log.Warn().Msg("Access token rejected, refreshing")
		ok, err := c.tokens.EnsureValidToken(ctx)
		if err != nil {
			return nil, apperrors.NewUpstream("analytics", "refresh token", err)
		}
		if !ok {
			return nil, apperrors.NewUpstream("analytics", "token refresh failed", nil)
		}
		if status, body, err = c.post(ctx, ids); err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, apperrors.NewUpstream("analytics", fmt.Sprintf("listings batch returned %d", status), nil)
	}

	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewParsing("analytics", "decode listings batch", err)
	}
	out := make(map[string]perspective.Metrics, len(resp.Results))
	for _, l := range resp.Results {
		if l.ListingID == "" {
			continue
		}
		out[string(l.ListingID)] = l.metrics()
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, ids []string) (int, []byte, error) {
	payload, err := json.Marshal(map[string][]string{"listing_ids": ids})
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/etsy_apis/listing", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, apperrors.NewNetwork("analytics", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.tokens.Token())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, apperrors.NewNetwork("analytics", "post listings batch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperrors.NewNetwork("analytics", "read listings batch", err)
	}
	return resp.StatusCode, body, nil
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

type batchResponse struct {
	Results []listing `json:"results"`
}

type listing struct {
	ListingID          flexString `json:"listing_id"`
	Price              flexString `json:"price"`
	EstTotalSales      flexFloat  `json:"est_total_sales"`
	EstMonthlySales    flexFloat  `json:"est_mo_sales"`
	AgeInMonths        flexFloat  `json:"listing_age_in_months"`
	EstReviews         flexFloat  `json:"est_reviews"`
	EstReviewsInMonths flexFloat  `json:"est_reviews_in_months"`
	ConversionRate     flexFloat  `json:"conversion_rate"`
	Views              flexFloat  `json:"views"`
	Favorers           flexFloat  `json:"num_favorers"`
	URL                flexString `json:"url"`
}

func (l listing) metrics() perspective.Metrics {
	return perspective.Metrics{
		Price:              string(l.Price),
		EstTotalSales:      float64(l.EstTotalSales),
		EstMonthlySales:    float64(l.EstMonthlySales),
		AgeInMonths:        float64(l.AgeInMonths),
		EstReviews:         float64(l.EstReviews),
		EstReviewsInMonths: float64(l.EstReviewsInMonths),
		ConversionRate:     float64(l.ConversionRate),
		Views:              float64(l.Views),
		Favorers:           float64(l.Favorers),
		URL:                string(l.URL),
	}
}

// flexFloat accepts numbers, numeric strings and null
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts strings, numbers and null
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(data)))
	return nil
}
