package coinalert

import (
	"time"

	"github.com/raykavin/coinalert/pkg/core"
)

// Option is a functional option for configuring a CoinAlert instance
type Option func(*CoinAlert)

// WithCoinProvider replaces the CoinGecko backed coin cache
func WithCoinProvider(provider core.CoinProvider) Option {
	return func(c *CoinAlert) {
		c.coins = provider
	}
}

// WithNewsFetcher replaces the CryptoPanic client
func WithNewsFetcher(fetcher core.NewsFetcher) Option {
	return func(c *CoinAlert) {
		c.news = fetcher
	}
}

// WithStorage sets the subscription store, by default a SQLite file named by DB_FILE
func WithStorage(store core.SubscriptionStore) Option {
	return func(c *CoinAlert) {
		c.store = store
	}
}

// WithNewsLedger sets the ledger of delivered news items
func WithNewsLedger(ledger core.NewsLedger) Option {
	return func(c *CoinAlert) {
		c.ledger = ledger
	}
}

// WithNotifier delivers alerts through notifier instead of the Telegram bot.
// The chat front end is not started in that case.
func WithNotifier(notifier core.Notifier) Option {
	return func(c *CoinAlert) {
		c.notifier = notifier
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *CoinAlert) {
		c.now = now
	}
}

// WithStartDelays overrides how long each job waits before its first run
func WithStartDelays(prices, news time.Duration) Option {
	return func(c *CoinAlert) {
		c.priceDelay = prices
		c.newsDelay = news
	}
}
