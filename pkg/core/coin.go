package core

import (
	"math"
	"sort"
	"strings"
	"time"
)

// CoinRecord is one tradable coin as listed by the market data provider
type CoinRecord struct {
	ID            string   `json:"id"`
	Symbol        string   `json:"symbol"`
	Name          string   `json:"name"`
	MarketCapRank *int     `json:"market_cap_rank"`
	MarketCap     *float64 `json:"market_cap"`
	CurrentPrice  *float64 `json:"current_price"`
	LastUpdated   *string  `json:"last_updated"`
}

// Price returns the current price and whether the provider reported one
func (c CoinRecord) Price() (float64, bool) {
	if c.CurrentPrice == nil {
		return 0, false
	}
	return *c.CurrentPrice, true
}

// Rank returns the market cap rank, or zero when the coin is unranked
func (c CoinRecord) Rank() int {
	if c.MarketCapRank == nil {
		return 0
	}
	return *c.MarketCapRank
}

// CoinSet indexes coin records by lower-cased ticker symbol
type CoinSet map[string]CoinRecord

// Get looks a coin up by symbol, ignoring case and surrounding spaces
func (s CoinSet) Get(symbol string) (CoinRecord, bool) {
	coin, ok := s[NormalizeSymbol(symbol)]
	return coin, ok
}

// Merge adds records to the set. A symbol seen twice keeps the last record.
func (s CoinSet) Merge(records []CoinRecord) {
	for _, record := range records {
		symbol := NormalizeSymbol(record.Symbol)
		record.Symbol = symbol
		s[symbol] = record
	}
}

// Ranked returns the coins ordered by market cap rank; unranked coins go last
func (s CoinSet) Ranked() []CoinRecord {
	coins := make([]CoinRecord, 0, len(s))
	for _, coin := range s {
		coins = append(coins, coin)
	}

	sort.Slice(coins, func(i, j int) bool {
		ri, rj := coins[i].Rank(), coins[j].Rank()
		if ri == 0 {
			ri = math.MaxInt
		}
		if rj == 0 {
			rj = math.MaxInt
		}
		if ri != rj {
			return ri < rj
		}
		return coins[i].Symbol < coins[j].Symbol
	})

	return coins
}

// NormalizeSymbol converts a ticker to its cache key form
func NormalizeSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

// CoinCache is a full snapshot of the coin universe stamped with its refresh time
type CoinCache struct {
	Timestamp float64 `json:"timestamp"` // epoch seconds
	Coins     CoinSet `json:"coins"`
}

// NewCoinCache stamps coins with the given refresh time
func NewCoinCache(coins CoinSet, at time.Time) *CoinCache {
	return &CoinCache{
		Timestamp: EpochSeconds(at),
		Coins:     coins,
	}
}

// UpdatedAt converts the stored timestamp back to a time value
func (c *CoinCache) UpdatedAt() time.Time {
	sec, frac := math.Modf(c.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Fresh reports whether the snapshot is younger than ttl at the instant now
func (c *CoinCache) Fresh(now time.Time, ttl time.Duration) bool {
	if c == nil {
		return false
	}
	return now.Sub(c.UpdatedAt()) < ttl
}

// EpochSeconds converts t to fractional seconds since the Unix epoch
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
