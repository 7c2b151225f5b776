package alert

import (
	"testing"

	"github.com/raykavin/coinalert/pkg/core"
	"github.com/stretchr/testify/require"
)

type memoryLedger map[int64]bool

func (l memoryLedger) Seen(id int64) bool {
	return l[id]
}

func (l memoryLedger) MarkSeen(ids ...int64) error {
	for _, id := range ids {
		l[id] = true
	}
	return nil
}

func newsItem(id int64, title string, codes ...string) core.NewsItem {
	item := core.NewsItem{ID: id, Title: title, Source: "CoinDesk", URL: "https://example.com/n"}
	for _, code := range codes {
		item.Currencies = append(item.Currencies, core.NewsCurrency{Code: code})
	}
	return item
}

func TestNewsRouter_Route(t *testing.T) {
	ledger := memoryLedger{3: true}
	router := NewNewsRouter(ledger)

	subs := []core.Subscription{
		{ChatID: "1", Token: "btc"},
		{ChatID: "1", Token: "eth"},
		{ChatID: "2", Token: "eth"},
		{ChatID: "3", Token: "sol"},
	}

	result := core.NewsResult{Results: []core.NewsItem{
		newsItem(1, "BTC and ETH rally", "BTC", "ETH"),
		newsItem(2, "Macro outlook"),
		newsItem(3, "Already delivered", "BTC"),
		newsItem(1, "Duplicate in same feed", "BTC"),
	}}

	intents, fresh := router.Route(result, subs)
	require.Equal(t, []int64{1, 2}, fresh)

	require.Len(t, intents, 2)
	require.Equal(t, "1", intents[0].ChatID)
	require.Equal(t, "btc", intents[0].Token)
	require.Equal(t, "2", intents[1].ChatID)
	require.Equal(t, "eth", intents[1].Token)

	for _, intent := range intents {
		require.Equal(t, KindNews, intent.Kind)
		require.Equal(t, int64(1), intent.NewsID)
		require.Equal(t, "📰 BTC and ETH rally\nCoinDesk · BTC, ETH\nhttps://example.com/n", intent.Message)
	}
}

func TestNewsRouter_RouteAfterMarkSeen(t *testing.T) {
	ledger := memoryLedger{}
	router := NewNewsRouter(ledger)
	subs := []core.Subscription{{ChatID: "1", Token: "btc"}}
	result := core.NewsResult{Results: []core.NewsItem{newsItem(9, "BTC", "btc")}}

	intents, fresh := router.Route(result, subs)
	require.Len(t, intents, 1)
	require.NoError(t, ledger.MarkSeen(fresh...))

	intents, fresh = router.Route(result, subs)
	require.Empty(t, intents)
	require.Empty(t, fresh)
}

func TestFormatNews(t *testing.T) {
	require.Equal(t, "📰 Macro outlook", FormatNews(core.NewsItem{ID: 1, Title: "Macro outlook"}))
}
