// Package client talks to the poll REST API.
package client

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MaxRetries bounds retries of idempotent requests that were rate limited
	MaxRetries = 3

	// DefaultBackoff is the initial backoff when the server sends no Retry-After
	DefaultBackoff = 1 * time.Second

	// DefaultTimeout bounds every request so failures surface instead of hanging
	DefaultTimeout = 10 * time.Second
)

// HTTPClient wraps http.Client with request tracing and rate-limit handling.
// Every request carries an X-Correlation-ID. Only GET requests are retried
// (on 429); mutations are attempted at most once.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPClient creates a client for baseURL. timeout <= 0 uses DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// BaseURL returns the API root without a trailing slash
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Do executes req. The caller must bound ctx; see PollsClient.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	correlationID := uuid.New().String()

	logger := log.With().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("correlationId", correlationID).
		Logger()

	return c.doWithRetry(ctx, req, &logger, correlationID, 0)
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request, logger *zerolog.Logger, correlationID string, retryCount int) (*http.Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("X-Correlation-ID", correlationID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		logger.Warn().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return nil, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("retryCount", retryCount).
		Msg("HTTP request completed")

	if resp.StatusCode == http.StatusTooManyRequests && req.Method == http.MethodGet && retryCount < MaxRetries {
		return c.handleRateLimit(ctx, req, resp, logger, correlationID, retryCount)
	}
	return resp, nil
}

// handleRateLimit waits per Retry-After (or exponential backoff) and retries
func (c *HTTPClient) handleRateLimit(ctx context.Context, req *http.Request, resp *http.Response, logger *zerolog.Logger, correlationID string, retryCount int) (*http.Response, error) {
	resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	if retryAfter == 0 {
		retryAfter = DefaultBackoff * time.Duration(1<<retryCount)
	}

	logger.Warn().
		Dur("retryAfter", retryAfter).
		Int("retryCount", retryCount).
		Msg("Rate limited - backing off")

	select {
	case <-time.After(retryAfter):
		return c.doWithRetry(ctx, req, logger, correlationID, retryCount+1)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parseRetryAfter parses the Retry-After header as seconds or an HTTP-date
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
