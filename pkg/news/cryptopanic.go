// Package news fetches the "rising" feed from CryptoPanic on a best-effort basis
package news

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/raykavin/coinalert/pkg/metric"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultOpenTimeout = 20 * time.Minute
	tripAfterFailures  = 5
	maxBodySize        = 4 << 20
)

// Client implements core.NewsFetcher
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.http = c
	}
}

// NewClient creates a news client. After repeated failures the circuit
// breaker opens and the provider is left alone for two check intervals.
func NewClient(settings core.CryptoPanicSettings, log logger.Logger, options ...Option) *Client {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	openTimeout := 2 * settings.CheckInterval
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}

	client := &Client{
		endpoint: settings.URL,
		apiKey:   settings.APIKey,
		http:     &http.Client{Timeout: timeout},
		log:      log.WithField("component", "news"),
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cryptopanic",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfterFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			client.log.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("news circuit breaker changed state")
		},
	})

	for _, option := range options {
		option(client)
	}

	return client
}

// FetchNews returns the rising public feed. Any failure yields an empty result.
func (c *Client) FetchNews(ctx context.Context) core.NewsResult {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		label := metric.ResultFailure
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			label = metric.ResultOpen
		}
		metric.NewsFetches.WithLabelValues(label).Inc()
		c.log.WithError(err).Error("error fetching news")
		return core.EmptyNews()
	}

	metric.NewsFetches.WithLabelValues(metric.ResultSuccess).Inc()
	return result.(core.NewsResult)
}

// Close releases idle connections held by the client
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) fetch(ctx context.Context) (core.NewsResult, error) {
	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return core.NewsResult{}, fmt.Errorf("invalid news endpoint: %w", err)
	}

	params := endpoint.Query()
	params.Set("auth_token", c.apiKey)
	params.Set("filter", "rising")
	params.Set("public", "true")
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return core.NewsResult{}, fmt.Errorf("failed to build news request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The error message embeds the URL, which carries the API key
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return core.NewsResult{}, fmt.Errorf("news request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return core.NewsResult{}, &core.HTTPError{Status: resp.StatusCode, URL: endpoint.Host + endpoint.Path}
	}

	return decodeNews(io.LimitReader(resp.Body, maxBodySize))
}
