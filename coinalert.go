// Package coinalert wires the Telegram front end, the coin cache, the news
// client and the alert jobs into one long running process.
package coinalert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raykavin/coinalert/pkg/alert"
	"github.com/raykavin/coinalert/pkg/coincache"
	"github.com/raykavin/coinalert/pkg/coingecko"
	"github.com/raykavin/coinalert/pkg/config"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/dialogue"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/raykavin/coinalert/pkg/metric"
	"github.com/raykavin/coinalert/pkg/news"
	"github.com/raykavin/coinalert/pkg/notification"
	"github.com/raykavin/coinalert/pkg/storage"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPriceDelay = 5 * time.Second
	defaultNewsDelay  = 10 * time.Second
)

// CoinAlert runs the chat front end and the periodic price and news jobs
type CoinAlert struct {
	settings *core.Settings
	log      logger.Logger

	coins    core.CoinProvider
	news     core.NewsFetcher
	store    core.SubscriptionStore
	ledger   core.NewsLedger
	notifier core.Notifier
	telegram core.NotifierWithStart

	prices *alert.PriceMatcher
	router *alert.NewsRouter

	now        func() time.Time
	priceDelay time.Duration
	newsDelay  time.Duration

	closers   []func() error
	closeOnce sync.Once
}

// New wires every component. Components not supplied through options are
// built from settings; failing to open the database is fatal.
func New(settings *core.Settings, log logger.Logger, options ...Option) (*CoinAlert, error) {
	app := &CoinAlert{
		settings:   settings,
		log:        log,
		now:        time.Now,
		priceDelay: defaultPriceDelay,
		newsDelay:  defaultNewsDelay,
	}

	for _, option := range options {
		option(app)
	}

	if err := app.initialize(); err != nil {
		app.Close()
		return nil, err
	}

	app.prices = alert.NewPriceMatcher(settings.Alerts, alert.WithClock(app.now))
	app.router = alert.NewNewsRouter(app.ledger)

	return app, nil
}

func (c *CoinAlert) initialize() error {
	if err := c.initializeStorage(); err != nil {
		return err
	}

	if c.coins == nil {
		client := coingecko.NewClient(c.settings.CoinGecko)
		c.onClose(func() error { client.Close(); return nil })
		manager := coincache.NewManager(client, c.settings, c.log)
		c.onClose(func() error { manager.Close(); return nil })
		c.coins = manager
	}

	if c.news == nil {
		client := news.NewClient(c.settings.CryptoPanic, c.log)
		c.onClose(func() error { client.Close(); return nil })
		c.news = client
	}

	if c.notifier == nil {
		return c.initializeTelegram()
	}

	return nil
}

// initializeStorage opens the subscription database and the news ledger
func (c *CoinAlert) initializeStorage() error {
	if c.store == nil {
		store, err := storage.FromSQLite(c.settings.Database.File, c.settings.Subscriptions.Max, c.log)
		if err != nil {
			return fmt.Errorf("database initialization: %w", err)
		}
		c.onClose(store.Close)
		c.store = store
	}

	if c.ledger == nil {
		ledger, err := storage.LedgerFromFile(c.settings.CryptoPanic.LedgerFile, c.settings.CryptoPanic.LedgerTTL)
		if err != nil {
			return fmt.Errorf("news ledger initialization: %w", err)
		}
		c.onClose(ledger.Close)
		c.ledger = ledger
	}

	return nil
}

// initializeTelegram builds the bot front end, which doubles as the notifier
func (c *CoinAlert) initializeTelegram() error {
	if err := config.RequireTelegram(c.settings); err != nil {
		return err
	}

	dialogues, err := dialogue.New(c.settings.Telegram.DialogueTimeout)
	if err != nil {
		return err
	}
	c.onClose(dialogues.Close)

	commands := notification.NewCommands(c.coins, c.news, c.store, dialogues, c.settings, c.log)
	telegram, err := notification.NewTelegram(c.settings, commands, c.log)
	if err != nil {
		return err
	}

	c.telegram = telegram
	c.notifier = telegram
	return nil
}

func (c *CoinAlert) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Run starts the front end and both periodic jobs and blocks until ctx is
// cancelled. Every resource opened by New is released on return.
func (c *CoinAlert) Run(ctx context.Context) error {
	defer c.Close()

	if c.telegram != nil {
		c.telegram.Start()
		defer c.telegram.Stop()
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.schedule(ctx, "prices", c.priceDelay, c.settings.Cache.Duration, c.CheckPrices)
	})
	group.Go(func() error {
		return c.schedule(ctx, "news", c.newsDelay, c.settings.CryptoPanic.CheckInterval, c.CheckNews)
	})

	if addr := c.settings.Metrics.Addr; addr != "" {
		group.Go(func() error {
			return metric.Serve(ctx, addr, c.log)
		})
	}

	c.log.Info("coinalert is running")
	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	c.log.Info("coinalert stopped")
	return nil
}

// schedule runs job after delay and then every interval until ctx is done.
// A failing run is logged and does not stop the schedule.
func (c *CoinAlert) schedule(ctx context.Context, name string, delay, interval time.Duration,
	job func(context.Context) error) error {

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		runID := uuid.NewString()
		log := c.log.WithFields(map[string]any{"job": name, "run_id": runID})
		started := c.now()

		log.Debug("job started")
		if err := job(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("job failed")
		} else {
			log.WithField("elapsed", c.now().Sub(started).String()).Debug("job finished")
		}

		timer.Reset(interval)
	}
}

// CheckPrices refreshes the coin universe and alerts subscribers whose coin moved
func (c *CoinAlert) CheckPrices(ctx context.Context) error {
	coins, err := c.coins.GetAllCoins(ctx, true)
	if err != nil {
		return fmt.Errorf("refresh coins: %w", err)
	}

	subscriptions, err := c.store.ListSubscriptions(ctx, "")
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	intents := c.prices.Match(coins, subscriptions)
	sent := 0
	for _, intent := range intents {
		if !c.deliver(intent) {
			continue
		}
		sent++

		err := c.store.MarkNotified(ctx, intent.ChatID, intent.Token, intent.Price, c.now())
		if err != nil {
			c.log.WithError(err).WithField("chat_id", intent.ChatID).Error("failed to record price alert")
		}
	}

	c.log.WithFields(map[string]any{
		"coins":         len(coins),
		"subscriptions": len(subscriptions),
		"alerts":        sent,
	}).Info("price check complete")

	return nil
}

// CheckNews fetches the rising feed and forwards new items to interested chats
func (c *CoinAlert) CheckNews(ctx context.Context) error {
	result := c.news.FetchNews(ctx)
	if len(result.Results) == 0 {
		c.log.Debug("no news to route")
		return nil
	}

	subscriptions, err := c.store.ListSubscriptions(ctx, "")
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	intents, fresh := c.router.Route(result, subscriptions)

	// An item no chat received stays unseen and is retried on the next check.
	// Once any chat has it, the rest are not retried to avoid duplicates.
	attempted := make(map[int64]bool)
	delivered := make(map[int64]bool)
	sent := 0
	for _, intent := range intents {
		attempted[intent.NewsID] = true
		if c.deliver(intent) {
			delivered[intent.NewsID] = true
			sent++
		}
	}

	seen := lo.Filter(fresh, func(id int64, _ int) bool {
		return !attempted[id] || delivered[id]
	})
	if err := c.ledger.MarkSeen(seen...); err != nil {
		return fmt.Errorf("record delivered news: %w", err)
	}

	c.log.WithFields(map[string]any{
		"items":   len(result.Results),
		"fresh":   len(fresh),
		"alerts":  sent,
		"retried": len(fresh) - len(seen),
	}).Info("news check complete")

	return nil
}

func (c *CoinAlert) deliver(intent alert.Intent) bool {
	kind := string(intent.Kind)
	if err := c.notifier.Send(intent.ChatID, intent.Message); err != nil {
		metric.Notifications.WithLabelValues(kind, metric.ResultFailure).Inc()
		c.log.WithError(err).
			WithFields(map[string]any{"chat_id": intent.ChatID, "kind": kind}).
			Error("failed to send notification")
		return false
	}

	metric.Notifications.WithLabelValues(kind, metric.ResultSuccess).Inc()
	return true
}

// Close releases every client and store opened by New. It is safe to call
// more than once.
func (c *CoinAlert) Close() {
	c.closeOnce.Do(func() {
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil {
				c.log.WithError(err).Warn("failed to release resource")
			}
		}
	})
}
