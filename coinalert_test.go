package coinalert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
	zlog "github.com/raykavin/coinalert/pkg/logger/zerolog"
	"github.com/raykavin/coinalert/pkg/storage"
	"github.com/stretchr/testify/require"
)

type fakeCoins struct {
	mu    sync.Mutex
	coins core.CoinSet
	err   error
}

func (f *fakeCoins) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins.Merge([]core.CoinRecord{{ID: symbol, Symbol: symbol, Name: symbol, CurrentPrice: &price}})
}

func (f *fakeCoins) GetAllCoins(context.Context, bool) (core.CoinSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	coins := core.CoinSet{}
	for symbol, coin := range f.coins {
		coins[symbol] = coin
	}
	return coins, nil
}

func (f *fakeCoins) Lookup(ctx context.Context, symbol string) (core.CoinRecord, error) {
	coins, err := f.GetAllCoins(ctx, false)
	if err != nil {
		return core.CoinRecord{}, err
	}
	coin, ok := coins.Get(symbol)
	if !ok {
		return core.CoinRecord{}, core.ErrCoinNotFound
	}
	return coin, nil
}

type fakeNews struct {
	result core.NewsResult
}

func (f fakeNews) FetchNews(context.Context) core.NewsResult {
	return f.result
}

type message struct {
	chatID, text string
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []message
	fail     map[string]bool
}

func (f *fakeNotifier) Send(chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[chatID] {
		return errors.New("chat not found")
	}
	f.messages = append(f.messages, message{chatID, text})
	return nil
}

func (f *fakeNotifier) sent() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.messages...)
}

type clock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type fixture struct {
	app      *CoinAlert
	coins    *fakeCoins
	store    *storage.SQLStorage
	ledger   *storage.BuntLedger
	notifier *fakeNotifier
	clock    *clock
}

func testSettings() *core.Settings {
	return &core.Settings{
		Cache:         core.CacheSettings{Duration: 20 * time.Millisecond},
		CryptoPanic:   core.CryptoPanicSettings{CheckInterval: 20 * time.Millisecond},
		Subscriptions: core.SubscriptionSettings{Max: 10},
		Alerts:        core.AlertSettings{ThresholdPercent: 5, Cooldown: time.Hour},
	}
}

func newFixture(t *testing.T, news core.NewsResult) fixture {
	t.Helper()

	log := zlog.Nop()
	store, err := storage.FromSQLite(filepath.Join(t.TempDir(), "bot.db"), 10, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := storage.LedgerFromMemory(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	f := fixture{
		coins:    &fakeCoins{coins: core.CoinSet{}},
		store:    store,
		ledger:   ledger,
		notifier: &fakeNotifier{fail: map[string]bool{}},
		clock:    &clock{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	f.app, err = New(testSettings(), log,
		WithCoinProvider(f.coins),
		WithNewsFetcher(fakeNews{result: news}),
		WithStorage(store),
		WithNewsLedger(ledger),
		WithNotifier(f.notifier),
		WithClock(f.clock.Now),
		WithStartDelays(time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)

	return f
}

func TestCheckPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.EmptyNews())

	f.coins.set("btc", 60000)
	require.NoError(t, f.store.AddSubscription(ctx, "1", "btc", "Alice", "alice"))
	require.NoError(t, f.store.AddSubscription(ctx, "1", "gone", "Alice", "alice"))

	require.NoError(t, f.app.CheckPrices(ctx))
	require.Equal(t, []message{{"1", "🔔 BTC (btc) is trading at $60,000.00"}}, f.notifier.sent())

	subscriptions, err := f.store.ListSubscriptions(ctx, "1")
	require.NoError(t, err)
	for _, sub := range subscriptions {
		if sub.Token == "btc" {
			require.True(t, sub.Notified())
			require.InDelta(t, 60000.0, *sub.LastPrice, 1e-9)
		} else {
			require.False(t, sub.Notified())
		}
	}

	// A large move inside the cooldown stays quiet
	f.coins.set("btc", 70000)
	require.NoError(t, f.app.CheckPrices(ctx))
	require.Len(t, f.notifier.sent(), 1)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.app.CheckPrices(ctx))
	sent := f.notifier.sent()
	require.Len(t, sent, 2)
	require.Equal(t, "📈 BTC (btc) moved 16.67% to $70,000.00", sent[1].text)
}

func TestCheckPrices_FailedSendIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, core.EmptyNews())

	f.coins.set("eth", 3000)
	require.NoError(t, f.store.AddSubscription(ctx, "1", "eth", "Alice", "alice"))

	f.notifier.fail["1"] = true
	require.NoError(t, f.app.CheckPrices(ctx))
	require.Empty(t, f.notifier.sent())

	f.notifier.fail["1"] = false
	require.NoError(t, f.app.CheckPrices(ctx))
	require.Len(t, f.notifier.sent(), 1)
}

func TestCheckPrices_CoinFailure(t *testing.T) {
	f := newFixture(t, core.EmptyNews())
	f.coins.err = core.ErrNoCoinData

	err := f.app.CheckPrices(context.Background())
	require.ErrorIs(t, err, core.ErrNoCoinData)
}

func TestCheckNews(t *testing.T) {
	ctx := context.Background()
	news := core.NewsResult{Results: []core.NewsItem{
		{ID: 11, Title: "ETH upgrade", Currencies: []core.NewsCurrency{{Code: "ETH"}}},
		{ID: 12, Title: "Macro"},
	}}
	f := newFixture(t, news)

	require.NoError(t, f.store.AddSubscription(ctx, "1", "eth", "Alice", "alice"))
	require.NoError(t, f.store.AddSubscription(ctx, "2", "btc", "Bob", "bob"))

	require.NoError(t, f.app.CheckNews(ctx))
	require.Equal(t, []message{{"1", "📰 ETH upgrade\nETH"}}, f.notifier.sent())
	require.True(t, f.ledger.Seen(11))
	require.True(t, f.ledger.Seen(12))

	require.NoError(t, f.app.CheckNews(ctx))
	require.Len(t, f.notifier.sent(), 1)
}

func TestCheckNews_UndeliveredItemIsRetried(t *testing.T) {
	ctx := context.Background()
	news := core.NewsResult{Results: []core.NewsItem{
		{ID: 31, Title: "SOL outage", Currencies: []core.NewsCurrency{{Code: "SOL"}}},
		{ID: 32, Title: "ADA vote", Currencies: []core.NewsCurrency{{Code: "ADA"}}},
		{ID: 33, Title: "Macro"},
	}}
	f := newFixture(t, news)

	require.NoError(t, f.store.AddSubscription(ctx, "1", "sol", "Alice", "alice"))
	require.NoError(t, f.store.AddSubscription(ctx, "1", "ada", "Alice", "alice"))
	require.NoError(t, f.store.AddSubscription(ctx, "2", "ada", "Bob", "bob"))

	f.notifier.fail["1"] = true
	require.NoError(t, f.app.CheckNews(ctx))
	require.Equal(t, []message{{"2", "📰 ADA vote\nADA"}}, f.notifier.sent())
	require.False(t, f.ledger.Seen(31))
	require.True(t, f.ledger.Seen(32))
	require.True(t, f.ledger.Seen(33))

	f.notifier.fail["1"] = false
	require.NoError(t, f.app.CheckNews(ctx))
	sent := f.notifier.sent()
	require.Len(t, sent, 2)
	require.Equal(t, message{"1", "📰 SOL outage\nSOL"}, sent[1])
	require.True(t, f.ledger.Seen(31))
}

func TestCheckNews_Empty(t *testing.T) {
	f := newFixture(t, core.EmptyNews())
	require.NoError(t, f.app.CheckNews(context.Background()))
	require.Empty(t, f.notifier.sent())
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	news := core.NewsResult{Results: []core.NewsItem{
		{ID: 21, Title: "BTC news", Currencies: []core.NewsCurrency{{Code: "BTC"}}},
	}}
	f := newFixture(t, news)

	f.coins.set("btc", 100)
	require.NoError(t, f.store.AddSubscription(ctx, "1", "btc", "Alice", "alice"))

	done := make(chan error, 1)
	go func() {
		done <- f.app.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(f.notifier.sent()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Repeated runs neither re-alert inside the cooldown nor repeat news
	require.Len(t, f.notifier.sent(), 2)
}

func TestNewLogger(t *testing.T) {
	for _, backend := range []string{"zerolog", "logrus"} {
		log, err := NewLogger(core.LogSettings{Level: "info", Backend: backend})
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}
