// Package coincache keeps the coin universe in memory and on disk, refreshing
// it from the market data provider page by page when it goes stale.
package coincache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/raykavin/coinalert/pkg/metric"
	"golang.org/x/sync/singleflight"
)

const (
	refreshKey = "coins"
	maxBackoff = time.Minute
)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// PageHook is called after every page merged into a refresh
type PageHook func(page, count int)

// Manager implements core.CoinProvider
type Manager struct {
	source    core.MarketSource
	log       logger.Logger
	file      string
	ttl       time.Duration
	perPage   int
	attempts  int
	pageDelay time.Duration
	backoff   *backoff.Backoff

	now    func() time.Time
	sleep  Sleeper
	onPage PageHook

	group singleflight.Group
	cache atomic.Pointer[core.CoinCache]

	// Context of every refresh, cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithSleeper replaces the context aware time.Sleep used for page delays and backoff
func WithSleeper(sleep Sleeper) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// WithPageHook reports refresh progress
func WithPageHook(hook PageHook) Option {
	return func(m *Manager) {
		m.onPage = hook
	}
}

// NewManager creates a manager and adopts the cache file when it is still fresh
func NewManager(source core.MarketSource, settings *core.Settings, log logger.Logger, options ...Option) *Manager {
	m := &Manager{
		source:    source,
		log:       log.WithField("component", "coincache"),
		file:      settings.Cache.File,
		ttl:       settings.Cache.Duration,
		perPage:   settings.CoinGecko.PerPage,
		attempts:  max(settings.CoinGecko.PageAttempts, 1),
		pageDelay: settings.CoinGecko.PageDelay,
		backoff: &backoff.Backoff{
			Min:    settings.CoinGecko.BackoffBase,
			Max:    maxBackoff,
			Factor: 2,
		},
		now:   time.Now,
		sleep: sleepContext,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for _, option := range options {
		option(m)
	}

	m.loadFresh()
	return m
}

// GetAllCoins returns the coin universe. Without forceUpdate a fresh cache is
// served with no network activity; otherwise every page is fetched again.
// Concurrent refreshes share the one already in flight. A caller whose ctx
// ends stops waiting but the refresh carries on.
func (m *Manager) GetAllCoins(ctx context.Context, forceUpdate bool) (core.CoinSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !forceUpdate {
		if cache := m.freshCache(); cache != nil {
			metric.CoinRefreshes.WithLabelValues(metric.ResultCached).Inc()
			return cache.Coins, nil
		}
	}

	flight := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(m.ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-flight:
		if result.Shared {
			m.log.Debug("joined in-flight coin refresh")
		}
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(core.CoinSet), nil
	}
}

// Close aborts a refresh in flight. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.cancel()
}

// Lookup returns a single coin by ticker symbol
func (m *Manager) Lookup(ctx context.Context, symbol string) (core.CoinRecord, error) {
	coins, err := m.GetAllCoins(ctx, false)
	if err != nil {
		return core.CoinRecord{}, err
	}

	coin, ok := coins.Get(symbol)
	if !ok {
		return core.CoinRecord{}, fmt.Errorf("%w: %s", core.ErrCoinNotFound, core.NormalizeSymbol(symbol))
	}

	return coin, nil
}

// Snapshot returns the in-memory cache without any I/O, or nil before the
// first successful load
func (m *Manager) Snapshot() *core.CoinCache {
	return m.cache.Load()
}

// freshCache returns the in-memory cache when fresh, falling back to the
// cache file
func (m *Manager) freshCache() *core.CoinCache {
	if cache := m.cache.Load(); cache.Fresh(m.now(), m.ttl) {
		return cache
	}
	return m.loadFresh()
}

// loadFresh adopts the cache file when it is younger than the cache duration.
// Any read or decode failure is a cache miss.
func (m *Manager) loadFresh() *core.CoinCache {
	if m.file == "" {
		return nil
	}

	cache, err := readCacheFile(m.file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.log.WithError(err).WithField("file", m.file).Warn("ignoring unreadable coin cache")
		}
		return nil
	}

	if !cache.Fresh(m.now(), m.ttl) {
		m.log.WithField("updated_at", cache.UpdatedAt()).Debug("coin cache file is stale")
		return nil
	}

	m.cache.Store(cache)
	metric.CachedCoins.Set(float64(len(cache.Coins)))
	m.log.WithField("coins", len(cache.Coins)).Info("loaded coin cache from disk")

	return cache
}

func (m *Manager) refresh(ctx context.Context) (core.CoinSet, error) {
	started := m.now()

	coins, err := m.fetchAll(ctx)
	if err != nil {
		if previous := m.cache.Load(); previous != nil && len(previous.Coins) > 0 {
			metric.CoinRefreshes.WithLabelValues(metric.ResultFallback).Inc()
			m.log.WithError(err).
				WithField("updated_at", previous.UpdatedAt()).
				Warn("coin refresh failed, serving previous cache")
			return previous.Coins, nil
		}

		metric.CoinRefreshes.WithLabelValues(metric.ResultFailure).Inc()
		return nil, fmt.Errorf("%w: %w", core.ErrNoCoinData, err)
	}

	cache := core.NewCoinCache(coins, m.now())
	m.cache.Store(cache)
	metric.CoinRefreshes.WithLabelValues(metric.ResultSuccess).Inc()
	metric.CachedCoins.Set(float64(len(coins)))

	m.log.WithFields(map[string]any{
		"coins":    len(coins),
		"duration": m.now().Sub(started).String(),
	}).Info("coin universe refreshed")

	if m.file != "" {
		if err := writeCacheFile(m.file, cache); err != nil {
			m.log.WithError(err).WithField("file", m.file).Error("failed to persist coin cache")
		}
	}

	return coins, nil
}

// fetchAll walks the pages until one comes back short or empty
func (m *Manager) fetchAll(ctx context.Context) (core.CoinSet, error) {
	coins := make(core.CoinSet)

	for page := 1; ; page++ {
		records, err := m.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			break
		}

		coins.Merge(records)
		if m.onPage != nil {
			m.onPage(page, len(records))
		}

		if len(records) < m.perPage {
			break
		}
	}

	return coins, nil
}

// fetchPage waits the page delay before every attempt and backs off
// exponentially between failed attempts
func (m *Manager) fetchPage(ctx context.Context, page int) ([]core.CoinRecord, error) {
	for attempt := 0; ; attempt++ {
		if err := m.sleep(ctx, m.pageDelay); err != nil {
			return nil, err
		}

		records, err := m.source.CoinsMarkets(ctx, page, m.perPage)
		if err == nil {
			metric.PageAttempts.WithLabelValues(metric.ResultSuccess).Inc()
			return records, nil
		}
		metric.PageAttempts.WithLabelValues(metric.ResultFailure).Inc()

		if attempt >= m.attempts-1 {
			return nil, fmt.Errorf("page %d failed after %d attempts: %w", page, m.attempts, err)
		}

		delay := m.backoff.ForAttempt(float64(attempt))
		m.log.WithError(err).WithFields(map[string]any{
			"page":    page,
			"attempt": attempt + 1,
			"retry":   delay.String(),
		}).Warn("coin page fetch failed")

		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
