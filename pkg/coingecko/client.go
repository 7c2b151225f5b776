// Package coingecko reads the paginated coin market listing from CoinGecko
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
)

const (
	marketsPath    = "/coins/markets"
	orderMarketCap = "market_cap_desc"
	apiKeyHeader   = "x-cg-demo-api-key"
	requestTimeout = 30 * time.Second
	maxBodySize    = 16 << 20
)

// Client implements core.MarketSource
type Client struct {
	baseURL    string
	apiKey     string
	vsCurrency string
	http       *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.http = c
	}
}

// NewClient creates a client for the markets endpoint
func NewClient(settings core.CoinGeckoSettings, options ...Option) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(settings.URL, "/"),
		apiKey:     settings.APIKey,
		vsCurrency: settings.VsCurrency,
		http:       &http.Client{Timeout: requestTimeout},
	}

	if client.vsCurrency == "" {
		client.vsCurrency = "usd"
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// CoinsMarkets fetches one page of coins ordered by descending market cap
func (c *Client) CoinsMarkets(ctx context.Context, page, perPage int) ([]core.CoinRecord, error) {
	params := url.Values{}
	params.Set("vs_currency", c.vsCurrency)
	params.Set("order", orderMarketCap)
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))
	params.Set("sparkline", "false")

	endpoint := c.baseURL + marketsPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build markets request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &core.HTTPError{Status: resp.StatusCode, URL: c.baseURL + marketsPath}
	}

	coins, err := decodeMarkets(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}

	return coins, nil
}

// Close releases idle connections held by the client
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// marketCoin mirrors the provider payload; pointers tell absent from zero
type marketCoin struct {
	ID            *string  `json:"id"`
	Symbol        *string  `json:"symbol"`
	Name          *string  `json:"name"`
	MarketCapRank *int     `json:"market_cap_rank"`
	MarketCap     *float64 `json:"market_cap"`
	CurrentPrice  *float64 `json:"current_price"`
	LastUpdated   *string  `json:"last_updated"`
}

func decodeMarkets(r io.Reader) ([]core.CoinRecord, error) {
	var payload []marketCoin
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedCoin, err)
	}

	coins := make([]core.CoinRecord, 0, len(payload))
	for i, raw := range payload {
		coin, err := raw.toRecord()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		coins = append(coins, coin)
	}

	return coins, nil
}

func (m marketCoin) toRecord() (core.CoinRecord, error) {
	switch {
	case m.ID == nil || *m.ID == "":
		return core.CoinRecord{}, fmt.Errorf("%w: missing id", core.ErrMalformedCoin)
	case m.Symbol == nil || core.NormalizeSymbol(*m.Symbol) == "":
		return core.CoinRecord{}, fmt.Errorf("%w: %s has no symbol", core.ErrMalformedCoin, *m.ID)
	case m.Name == nil:
		return core.CoinRecord{}, fmt.Errorf("%w: %s has no name", core.ErrMalformedCoin, *m.ID)
	}

	return core.CoinRecord{
		ID:            *m.ID,
		Symbol:        core.NormalizeSymbol(*m.Symbol),
		Name:          *m.Name,
		MarketCapRank: m.MarketCapRank,
		MarketCap:     m.MarketCap,
		CurrentPrice:  m.CurrentPrice,
		LastUpdated:   m.LastUpdated,
	}, nil
}
