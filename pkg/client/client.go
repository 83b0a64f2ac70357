// Package client executes Socrata queries under a retry/backoff policy
// bounded by the caller's request budget. Concurrency toward the upstream is
// capped process-wide; every attempt, retry decision and terminal outcome is
// emitted as a structured event and a Prometheus sample.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opensai/secop-query/pkg/cache"
)

// Prometheus metrics for upstream query operations.
var (
	socrataRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socrata_requests_total",
		Help: "Total Socrata requests by source and status code",
	}, []string{"source", "status_code"})

	socrataRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socrata_request_duration_seconds",
		Help:    "Socrata request duration in seconds by source",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source"})

	socrataErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socrata_errors_total",
		Help: "Socrata request errors by source and error type",
	}, []string{"source", "error_type"})

	socrataRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socrata_retries_total",
		Help: "Total retry attempts by source",
	}, []string{"source"})

	socrataRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socrata_retry_backoff_seconds",
		Help:    "Backoff duration before retries by source",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})
)

// requestIDHeader carries the server-assigned id of each upstream call.
const requestIDHeader = "X-Socrata-RequestId"

// Config holds the executor configuration.
type Config struct {
	// BaseURL is the Socrata host ("https://www.datos.gov.co").
	BaseURL string

	// UserAgent identifies this service to the upstream.
	UserAgent string

	// AppToken is the optional Socrata application token (X-App-Token).
	AppToken string

	// MaxConcurrent caps in-flight upstream calls across all callers.
	MaxConcurrent int

	// PerCallMaxWait bounds a single logical call including all of its
	// retries, independent of the request budget.
	PerCallMaxWait time.Duration

	// Transport sub-timeouts, each a ceiling on its own phase; the
	// per-attempt context timeout derived from the remaining budget caps
	// them all component-wise.
	ConnectTimeout        time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	Retry RetryPolicy

	// Cache optionally serves repeated identical queries without upstream
	// traffic. Nil disables caching.
	Cache *cache.ResponseCache
}

// DefaultConfig returns a safe default configuration for the given host.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:               baseURL,
		UserAgent:             "OpenSAI-Bot/3.0 (secop-query)",
		MaxConcurrent:         5,
		PerCallMaxWait:        120 * time.Second,
		ConnectTimeout:        5 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		Retry:                 DefaultRetryPolicy(),
	}
}

// Client is the budgeted retry executor for Socrata calls.
type Client struct {
	httpClient *http.Client
	gate       chan struct{}
	config     Config
	cache      *cache.ResponseCache
	logger     zerolog.Logger
}

// New creates an executor from the configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be >= 1 (got %d)", cfg.MaxConcurrent)
	}
	if cfg.PerCallMaxWait <= 0 {
		cfg.PerCallMaxWait = 120 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		gate:       make(chan struct{}, cfg.MaxConcurrent),
		config:     cfg,
		cache:      cfg.Cache,
		logger:     log.With().Str("component", "socrata-client").Logger(),
	}, nil
}

// Get executes one logical Socrata GET under the retry policy. endpoint is a
// resource path ("/resource/rpmr-utcd.json") resolved against BaseURL. The
// call is bounded by min(ctx deadline, PerCallMaxWait); transient statuses
// and transport failures are retried with backoff while budget remains.
// source labels metrics and log events only.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, source string) ([]byte, error) {
	requestURL := c.requestURL(endpoint)

	var cacheKey string
	if c.cache != nil {
		cacheKey = cache.Key(requestURL, params)
		if body, err := c.cache.Get(ctx, cacheKey); err == nil {
			c.logger.Debug().Str("source", source).Msg("Serving upstream response from cache")
			return body, nil
		}
	}

	callDeadline := time.Now().Add(c.config.PerCallMaxWait)
	if d, ok := ctx.Deadline(); ok && d.Before(callDeadline) {
		callDeadline = d
	}

	maxRetries := c.config.Retry.MaxRetries

	for attempt := 0; ; attempt++ {
		remaining := time.Until(callDeadline)
		if remaining <= 0 {
			socrataErrorsTotal.WithLabelValues(source, "budget").Inc()
			return nil, fmt.Errorf("%w before source %s", ErrBudgetExceeded, source)
		}

		status, body, header, err := c.attempt(ctx, requestURL, params, source, remaining)
		if err != nil {
			if ctx.Err() != nil {
				socrataErrorsTotal.WithLabelValues(source, "budget").Inc()
				return nil, fmt.Errorf("%w during source %s: %v", ErrBudgetExceeded, source, ctx.Err())
			}
			socrataErrorsTotal.WithLabelValues(source, "transport").Inc()
			if attempt < maxRetries {
				if waitErr := c.waitBeforeRetry(ctx, source, "", attempt, callDeadline); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &TransportError{Source: source, Err: err}
		}

		requestID := header.Get(requestIDHeader)

		if isRetryableStatus(status) && attempt < maxRetries {
			c.logger.Warn().
				Str("source", source).
				Int("status", status).
				Str("request_id", requestID).
				Int("attempt", attempt+1).
				Int("max_retries", maxRetries).
				Msg("Transient Socrata status")
			if waitErr := c.waitBeforeRetry(ctx, source, header.Get("Retry-After"), attempt, callDeadline); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if status < 200 || status >= 300 {
			socrataErrorsTotal.WithLabelValues(source, "http_status").Inc()
			c.logger.Error().
				Str("source", source).
				Int("status", status).
				Str("request_id", requestID).
				Msg("Socrata HTTP status error")
			return nil, &StatusError{Source: source, StatusCode: status, RequestID: requestID}
		}

		c.logger.Info().
			Str("source", source).
			Int("status", status).
			Str("request_id", requestID).
			Msg("Socrata request ok")

		if c.cache != nil {
			if err := c.cache.Set(ctx, cacheKey, body); err != nil {
				c.logger.Warn().Err(err).Str("source", source).Msg("Failed to cache upstream response")
			}
		}
		return body, nil
	}
}

// Probe issues one unretried GET with its own timeout, for reachability
// checks. It still passes through the concurrency gate.
func (c *Client) Probe(ctx context.Context, endpoint string, params url.Values, timeout time.Duration) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, _, _, err := c.attempt(probeCtx, c.requestURL(endpoint), params, "health", timeout)
	return status, err
}

// requestURL resolves a resource path against the configured host.
func (c *Client) requestURL(endpoint string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + endpoint
}

// attempt performs a single upstream call: gate acquisition, a GET bounded
// by remaining, and a full body read. The gate is held for the duration of
// the transfer.
func (c *Client) attempt(ctx context.Context, requestURL string, params url.Values, source string, remaining time.Duration) (int, []byte, http.Header, error) {
	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	}
	defer func() { <-c.gate }()

	attemptCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if c.config.AppToken != "" {
		req.Header.Set("X-App-Token", c.config.AppToken)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(startTime)
	socrataRequestDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response body: %w", err)
	}

	socrataRequestsTotal.WithLabelValues(source, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	return resp.StatusCode, body, resp.Header, nil
}

// waitBeforeRetry computes the backoff for the next attempt, caps it to the
// remaining budget and sleeps. It fails with ErrBudgetExceeded when the
// capped delay leaves no room for the retried attempt.
func (c *Client) waitBeforeRetry(ctx context.Context, source, retryAfter string, attempt int, callDeadline time.Time) error {
	delay := c.config.Retry.backoffDelay(retryAfter, attempt)
	delay = capToBudget(delay, time.Until(callDeadline))
	if delay <= 0 {
		socrataErrorsTotal.WithLabelValues(source, "budget").Inc()
		return fmt.Errorf("%w while retrying source %s", ErrBudgetExceeded, source)
	}

	socrataRetriesTotal.WithLabelValues(source).Inc()
	socrataRetryBackoffSeconds.WithLabelValues(source).Observe(delay.Seconds())
	c.logger.Warn().
		Str("source", source).
		Dur("backoff", delay).
		Int("attempt", attempt+1).
		Msg("Retrying Socrata request after backoff")

	select {
	case <-ctx.Done():
		socrataErrorsTotal.WithLabelValues(source, "budget").Inc()
		return fmt.Errorf("%w while retrying source %s", ErrBudgetExceeded, source)
	case <-time.After(delay):
		return nil
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
