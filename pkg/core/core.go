package core

import (
	"context"
	"time"
)

// MarketSource serves one page of the coin universe ordered by market cap
type MarketSource interface {
	CoinsMarkets(ctx context.Context, page, perPage int) ([]CoinRecord, error)
}

// CoinProvider serves the cached coin universe
type CoinProvider interface {
	GetAllCoins(ctx context.Context, forceUpdate bool) (CoinSet, error)
	Lookup(ctx context.Context, symbol string) (CoinRecord, error)
}

// NewsFetcher returns the current rising news feed. It never fails; an
// unavailable provider yields an empty result.
type NewsFetcher interface {
	FetchNews(ctx context.Context) NewsResult
}

type SubscriptionStore interface {
	// AddSubscription upserts the (chat, token) pair, enforcing the per-chat limit
	AddSubscription(ctx context.Context, chatID, token, userName, login string) error

	// RemoveSubscription deletes the pair; removing an absent pair is not an error
	RemoveSubscription(ctx context.Context, chatID, token string) error

	// ListSubscriptions returns one chat's subscriptions newest first, or every
	// subscription when chatID is empty
	ListSubscriptions(ctx context.Context, chatID string) ([]Subscription, error)

	// MarkNotified records the price carried by the last alert sent for the pair
	MarkNotified(ctx context.Context, chatID, token string, price float64, at time.Time) error

	// LogActivity appends an audit row. Failures are logged, never returned.
	LogActivity(ctx context.Context, userID, login, action, details string)
}

// NewsLedger remembers which news items were already delivered
type NewsLedger interface {
	Seen(id int64) bool
	MarkSeen(ids ...int64) error
}

type Notifier interface {
	Send(chatID, text string) error
}

type NotifierWithStart interface {
	Notifier
	Start()
	Stop()
}
