package coincache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raykavin/coinalert/pkg/core"
	zlog "github.com/raykavin/coinalert/pkg/logger/zerolog"
	"github.com/raykavin/coinalert/pkg/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPerPage = 3

var errUpstream = errors.New("upstream unavailable")

type fakeSource struct {
	mu       sync.Mutex
	pages    map[int][]core.CoinRecord
	failures map[int]int // failures left before the page succeeds
	fail     bool
	gate     chan struct{}
	entered  chan struct{}
	calls    []int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:    make(map[int][]core.CoinRecord),
		failures: make(map[int]int),
	}
}

func (f *fakeSource) CoinsMarkets(_ context.Context, page, perPage int) ([]core.CoinRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return nil, errUpstream
	}
	if f.failures[page] > 0 {
		f.failures[page]--
		return nil, errUpstream
	}
	if perPage != testPerPage {
		return nil, fmt.Errorf("unexpected page size %d", perPage)
	}
	return f.pages[page], nil
}

func (f *fakeSource) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func coin(id, symbol string, rank int, price float64) core.CoinRecord {
	return core.CoinRecord{
		ID:            id,
		Symbol:        symbol,
		Name:          id,
		MarketCapRank: &rank,
		CurrentPrice:  &price,
	}
}

func coins(prefix string, n, firstRank int) []core.CoinRecord {
	records := make([]core.CoinRecord, 0, n)
	for i := 0; i < n; i++ {
		rank := firstRank + i
		records = append(records, coin(fmt.Sprintf("%s-%d", prefix, rank), fmt.Sprintf("%s%d", prefix, rank), rank, float64(rank)))
	}
	return records
}

func testSettings(dir string) *core.Settings {
	return &core.Settings{
		Cache: core.CacheSettings{
			File:     filepath.Join(dir, "coins_cache.json"),
			Duration: time.Hour,
		},
		CoinGecko: core.CoinGeckoSettings{
			PerPage:      testPerPage,
			PageDelay:    1500 * time.Millisecond,
			PageAttempts: 3,
			BackoffBase:  time.Second,
		},
	}
}

type harness struct {
	settings *core.Settings
	source   *fakeSource
	clock    *fakeClock
	sleeper  *recordingSleeper
}

func newHarness(t *testing.T) *harness {
	return &harness{
		settings: testSettings(t.TempDir()),
		source:   newFakeSource(),
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		sleeper:  &recordingSleeper{},
	}
}

func (h *harness) manager(options ...Option) *Manager {
	options = append([]Option{WithClock(h.clock.Now), WithSleeper(h.sleeper.Sleep)}, options...)
	return NewManager(h.source, h.settings, zlog.Nop(), options...)
}

func (h *harness) writeCache(t *testing.T, age time.Duration, set core.CoinSet) {
	cache := core.NewCoinCache(set, h.clock.Now().Add(-age))
	require.NoError(t, writeCacheFile(h.settings.Cache.File, cache))
}

func TestManager_PaginatesUntilShortPage(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = coins("a", testPerPage, 1)
	h.source.pages[2] = coins("b", testPerPage, 4)
	h.source.pages[3] = coins("c", 1, 7)
	h.source.pages[4] = coins("d", testPerPage, 8)

	var progress []int
	m := h.manager(WithPageHook(func(page, count int) { progress = append(progress, count) }))

	result, err := m.GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, result, 2*testPerPage+1)
	require.Equal(t, []int{1, 2, 3}, h.source.Calls())
	require.Equal(t, []int{testPerPage, testPerPage, 1}, progress)
}

func TestManager_StopsOnEmptyPage(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = coins("a", testPerPage, 1)

	result, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, result, testPerPage)
	require.Equal(t, []int{1, 2}, h.source.Calls())
}

func TestManager_LaterPageWins(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = []core.CoinRecord{coin("first", "dup", 1, 1), coin("x", "x", 2, 2), coin("y", "y", 3, 3)}
	h.source.pages[2] = []core.CoinRecord{coin("second", "DUP", 4, 4)}

	result, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, result, 3)
	require.Equal(t, "second", result["dup"].ID)
	require.Equal(t, "dup", result["dup"].Symbol)
}

func TestManager_FreshCacheFile(t *testing.T) {
	h := newHarness(t)
	h.writeCache(t, 100*time.Second, core.CoinSet{"btc": coin("bitcoin", "btc", 1, 60000)})

	result, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, core.CoinSet{"btc": coin("bitcoin", "btc", 1, 60000)}, result)
	require.Empty(t, h.source.Calls())
	require.Empty(t, h.sleeper.Delays())
}

func TestManager_StaleCacheFile(t *testing.T) {
	h := newHarness(t)
	h.writeCache(t, 7200*time.Second, core.CoinSet{"btc": coin("bitcoin", "btc", 1, 60000)})
	h.source.pages[1] = []core.CoinRecord{coin("ethereum", "eth", 2, 3000)}

	m := h.manager()
	require.Nil(t, m.Snapshot())

	result, err := m.GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []int{1}, h.source.Calls())
	require.Contains(t, result, "eth")
	require.NotContains(t, result, "btc")
}

func TestManager_ForceUpdateIgnoresFreshCache(t *testing.T) {
	h := newHarness(t)
	h.writeCache(t, time.Second, core.CoinSet{"btc": coin("bitcoin", "btc", 1, 60000)})
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 61000)}

	result, err := h.manager().GetAllCoins(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, []int{1}, h.source.Calls())
	price, _ := result["btc"].Price()
	require.Equal(t, 61000.0, price)
}

func TestManager_RetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 60000)}
	h.source.failures[1] = 2

	result, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Contains(t, result, "btc")
	require.Equal(t, []int{1, 1, 1}, h.source.Calls())

	pageDelay := 1500 * time.Millisecond
	require.Equal(t, []time.Duration{
		pageDelay, 1 * time.Second, // 2^0
		pageDelay, 2 * time.Second, // 2^1
		pageDelay,
	}, h.sleeper.Delays())
}

func TestManager_TotalFailureWithoutCache(t *testing.T) {
	h := newHarness(t)
	h.source.fail = true

	before := testutil.ToFloat64(metric.CoinRefreshes.WithLabelValues(metric.ResultFailure))

	_, err := h.manager().GetAllCoins(context.Background(), false)
	require.ErrorIs(t, err, core.ErrNoCoinData)
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, []int{1, 1, 1}, h.source.Calls())
	require.Equal(t, before+1, testutil.ToFloat64(metric.CoinRefreshes.WithLabelValues(metric.ResultFailure)))
}

func TestManager_TotalFailureFallsBackToPreviousCache(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 60000)}
	m := h.manager()

	first, err := m.GetAllCoins(context.Background(), false)
	require.NoError(t, err)

	h.clock.Advance(3 * time.Hour)
	h.source.mu.Lock()
	h.source.fail = true
	h.source.mu.Unlock()

	before := testutil.ToFloat64(metric.CoinRefreshes.WithLabelValues(metric.ResultFallback))

	second, err := m.GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, before+1, testutil.ToFloat64(metric.CoinRefreshes.WithLabelValues(metric.ResultFallback)))
}

func TestManager_RoundTripWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = coins("a", testPerPage, 1)
	h.source.pages[2] = []core.CoinRecord{{ID: "unranked", Symbol: "unr", Name: "Unranked"}}

	written, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	reloadSource := newFakeSource()
	reloaded := NewManager(reloadSource, h.settings, zlog.Nop(), WithClock(h.clock.Now), WithSleeper(h.sleeper.Sleep))
	require.NotNil(t, reloaded.Snapshot())

	read, err := reloaded.GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, written, read)
	require.Empty(t, reloadSource.Calls())
}

func TestManager_CorruptCacheFileIsMiss(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.settings.Cache.File, []byte("{not json"), 0o600))
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 60000)}

	result, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Contains(t, result, "btc")
	require.Equal(t, []int{1}, h.source.Calls())
}

func TestManager_PersistFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	// A non-empty directory cannot be replaced by rename
	require.NoError(t, os.MkdirAll(filepath.Join(h.settings.Cache.File, "occupied"), 0o755))
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 60000)}

	result, err := h.manager().GetAllCoins(context.Background(), false)
	require.NoError(t, err)
	require.Contains(t, result, "btc")

	entries, err := os.ReadDir(filepath.Dir(h.settings.Cache.File))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must be cleaned up")
}

func TestManager_CoalescesConcurrentRefreshes(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 60000)}
	h.source.gate = make(chan struct{})
	h.source.entered = make(chan struct{}, 1)
	m := h.manager()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]core.CoinSet, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, err := m.GetAllCoins(context.Background(), true)
			assert.NoError(t, err)
			results[i] = set
		}(i)
	}

	<-h.source.entered
	time.Sleep(100 * time.Millisecond)
	close(h.source.gate)
	wg.Wait()

	require.Equal(t, []int{1}, h.source.Calls())
	for _, set := range results {
		require.Contains(t, set, "btc")
	}
}

func TestManager_CallerCancellationKeepsSharedRefresh(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = coins("c", testPerPage, 1)
	h.source.pages[2] = []core.CoinRecord{coin("bitcoin", "btc", 10, 60000)}
	h.source.gate = make(chan struct{})
	h.source.entered = make(chan struct{}, 1)
	m := h.manager()
	defer m.Close()

	commandCtx, cancel := context.WithCancel(context.Background())
	commandErr := make(chan error, 1)
	go func() {
		_, err := m.GetAllCoins(commandCtx, false)
		commandErr <- err
	}()
	<-h.source.entered

	type outcome struct {
		set core.CoinSet
		err error
	}
	job := make(chan outcome, 1)
	go func() {
		set, err := m.GetAllCoins(context.Background(), true)
		job <- outcome{set, err}
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-commandErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting for the refresh")
	}

	close(h.source.gate)
	result := <-job
	require.NoError(t, result.err)
	require.Contains(t, result.set, "btc")
	require.Len(t, result.set, testPerPage+1)
	require.Equal(t, []int{1, 2}, h.source.Calls())
	require.NotNil(t, m.Snapshot())
}

func TestManager_CloseAbortsRefresh(t *testing.T) {
	h := newHarness(t)
	h.source.pages[1] = []core.CoinRecord{coin("bitcoin", "btc", 1, 60000)}
	m := h.manager()
	m.Close()

	_, err := m.GetAllCoins(context.Background(), true)
	require.ErrorIs(t, err, core.ErrNoCoinData)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.source.Calls())
}

func TestManager_Lookup(t *testing.T) {
	h := newHarness(t)
	h.writeCache(t, time.Minute, core.CoinSet{"btc": coin("bitcoin", "btc", 1, 60000)})
	m := h.manager()

	found, err := m.Lookup(context.Background(), " BTC ")
	require.NoError(t, err)
	require.Equal(t, "bitcoin", found.ID)

	_, err = m.Lookup(context.Background(), "doge")
	require.ErrorIs(t, err, core.ErrCoinNotFound)
}

func TestManager_CancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.manager().GetAllCoins(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.source.Calls())
}
