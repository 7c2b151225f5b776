package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PriceMatcher turns a coin universe and the subscription list into price alerts
type PriceMatcher struct {
	threshold decimal.Decimal
	cooldown  time.Duration
	now       func() time.Time
}

// MatcherOption configures a PriceMatcher
type MatcherOption func(*PriceMatcher)

// WithClock replaces time.Now
func WithClock(now func() time.Time) MatcherOption {
	return func(m *PriceMatcher) {
		m.now = now
	}
}

func NewPriceMatcher(settings core.AlertSettings, options ...MatcherOption) *PriceMatcher {
	matcher := &PriceMatcher{
		threshold: decimal.NewFromFloat(settings.ThresholdPercent),
		cooldown:  settings.Cooldown,
		now:       time.Now,
	}

	for _, option := range options {
		option(matcher)
	}

	return matcher
}

// Match returns one intent per subscription whose coin moved enough. Tokens
// missing from the coin universe, or without a current price, never match.
func (m *PriceMatcher) Match(coins core.CoinSet, subs []core.Subscription) []Intent {
	now := m.now()
	intents := make([]Intent, 0)

	for _, sub := range subs {
		coin, ok := coins.Get(sub.Token)
		if !ok {
			continue
		}

		price, ok := coin.Price()
		if !ok {
			continue
		}

		change, due := m.due(sub, price, now)
		if !due {
			continue
		}

		intents = append(intents, Intent{
			Kind:    KindPrice,
			ChatID:  sub.ChatID,
			Token:   sub.Token,
			Price:   price,
			Message: priceMessage(coin, price, change),
		})
	}

	sort.SliceStable(intents, func(i, j int) bool {
		if intents[i].ChatID != intents[j].ChatID {
			return intents[i].ChatID < intents[j].ChatID
		}
		return intents[i].Token < intents[j].Token
	})

	return intents
}

// due reports whether sub should be alerted at price. The returned change is
// nil for a first alert.
func (m *PriceMatcher) due(sub core.Subscription, price float64, now time.Time) (*decimal.Decimal, bool) {
	if !sub.Notified() || *sub.LastPrice <= 0 {
		return nil, true
	}

	if now.Sub(*sub.LastUpdate) < m.cooldown {
		return nil, false
	}

	last := decimal.NewFromFloat(*sub.LastPrice)
	change := decimal.NewFromFloat(price).Sub(last).Div(last).Mul(hundred)
	if change.Abs().LessThan(m.threshold) {
		return nil, false
	}

	return &change, true
}

func priceMessage(coin core.CoinRecord, price float64, change *decimal.Decimal) string {
	symbol := strings.ToUpper(coin.Symbol)
	if change == nil {
		return fmt.Sprintf("🔔 %s (%s) is trading at %s", symbol, coin.Name, FormatPrice(price))
	}

	arrow := "📈"
	if change.IsNegative() {
		arrow = "📉"
	}

	return fmt.Sprintf("%s %s (%s) moved %s%% to %s",
		arrow, symbol, coin.Name, change.StringFixed(2), FormatPrice(price))
}
