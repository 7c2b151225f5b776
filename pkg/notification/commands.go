// Package notification implements the chat front end of the bot
package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/raykavin/coinalert/pkg/alert"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/dialogue"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/samber/lo"
)

const (
	defaultCoinsLimit = 10
	maxCoinsLimit     = 50
	newsLimit         = 5
)

const (
	msgTryLater  = "Something went wrong on my side, please try again later."
	msgNoCoins   = "Coin data is unavailable right now, please try again later."
	msgUnknown   = "I didn't understand that. Send /help for the list of commands."
	msgYesOrNo   = "Please reply yes or no."
	msgAskToken  = "Which coin would you like to follow? Send its ticker, e.g. BTC. Send /cancel to stop."
	msgBadTicker = "That doesn't look like a ticker. Send a symbol such as BTC, or /cancel."
)

const helpText = `Available commands:
/coins [count] - Top coins by market cap
/crypto_news - Rising crypto news
/subscribe [ticker] - Get alerts for a coin
/mysubs - Your subscriptions
/unsubscribe <ticker> - Stop alerts for a coin
/cancel - Abort the current dialogue
/help - Show this message`

// Request is one inbound chat message
type Request struct {
	ChatID   string
	UserID   string
	UserName string
	Login    string
	Text     string
}

// Reply is what the bot answers to a Request
type Reply struct {
	Text         string
	Options      []string // Quick answers offered as a keyboard
	Preformatted bool     // Render in a monospace block
	Menu         bool     // Attach the default command keyboard
}

// Commands holds the transport independent command handlers
type Commands struct {
	coins     core.CoinProvider
	news      core.NewsFetcher
	store     core.SubscriptionStore
	dialogues *dialogue.Store
	maxSubs   int
	log       logger.Logger
}

func NewCommands(
	coins core.CoinProvider,
	news core.NewsFetcher,
	store core.SubscriptionStore,
	dialogues *dialogue.Store,
	settings *core.Settings,
	log logger.Logger,
) *Commands {
	return &Commands{
		coins:     coins,
		news:      news,
		store:     store,
		dialogues: dialogues,
		maxSubs:   settings.Subscriptions.Max,
		log:       log.WithField("component", "commands"),
	}
}

// Handle routes a message to its command, or to the dialogue for free text
func (c *Commands) Handle(ctx context.Context, req Request) Reply {
	text := strings.TrimSpace(req.Text)
	if !strings.HasPrefix(text, "/") {
		return c.message(ctx, req, text)
	}

	command, payload, _ := strings.Cut(text, " ")
	command, _, _ = strings.Cut(strings.ToLower(command), "@")
	payload = strings.TrimSpace(payload)

	c.store.LogActivity(ctx, req.UserID, req.Login, strings.TrimPrefix(command, "/"), payload)

	switch command {
	case "/start":
		return c.start(req)
	case "/help":
		return Reply{Text: helpText, Menu: true}
	case "/crypto_news":
		return c.cryptoNews(ctx)
	case "/coins":
		return c.topCoins(ctx, payload)
	case "/subscribe":
		return c.subscribe(ctx, req, payload)
	case "/mysubs":
		return c.mySubscriptions(ctx, req)
	case "/unsubscribe":
		return c.unsubscribe(ctx, req, payload)
	case "/cancel":
		return c.cancel(req)
	}

	return Reply{Text: "Unknown command. Send /help for the list of commands."}
}

func (c *Commands) start(req Request) Reply {
	name := req.UserName
	if name == "" {
		name = "there"
	}

	return Reply{
		Text: fmt.Sprintf("👋 Hi %s! I send price alerts and news for the coins you follow.\n\n%s", name, helpText),
		Menu: true,
	}
}

func (c *Commands) cryptoNews(ctx context.Context) Reply {
	result := c.news.FetchNews(ctx)
	if len(result.Results) == 0 {
		return Reply{Text: "No rising news right now, try again later."}
	}

	items := lo.Slice(result.Results, 0, newsLimit)
	messages := lo.Map(items, func(item core.NewsItem, _ int) string {
		return alert.FormatNews(item)
	})

	return Reply{Text: strings.Join(messages, "\n\n")}
}

func (c *Commands) topCoins(ctx context.Context, payload string) Reply {
	limit := defaultCoinsLimit
	if payload != "" {
		n, err := strconv.Atoi(payload)
		if err != nil || n < 1 {
			return Reply{Text: "Usage: /coins [count]"}
		}
		limit = min(n, maxCoinsLimit)
	}

	coins, err := c.coins.GetAllCoins(ctx, false)
	if err != nil {
		c.log.WithError(err).Error("failed to load coins")
		return Reply{Text: msgNoCoins}
	}

	ranked := coins.Ranked()
	if len(ranked) == 0 {
		return Reply{Text: msgNoCoins}
	}

	return Reply{Text: CoinsTable(lo.Slice(ranked, 0, limit)), Preformatted: true}
}

func (c *Commands) subscribe(ctx context.Context, req Request, payload string) Reply {
	if err := c.dialogues.Begin(req.ChatID); err != nil {
		c.log.WithError(err).Error("failed to start dialogue")
		return Reply{Text: msgTryLater}
	}

	if payload == "" {
		return Reply{Text: msgAskToken}
	}

	return c.propose(ctx, req, payload)
}

// propose validates a ticker typed while the dialogue awaits one
func (c *Commands) propose(ctx context.Context, req Request, text string) Reply {
	token, err := core.ValidateToken(text)
	if err != nil {
		return Reply{Text: msgBadTicker}
	}

	coin, err := c.coins.Lookup(ctx, token)
	switch {
	case errors.Is(err, core.ErrCoinNotFound):
		return Reply{Text: fmt.Sprintf("I couldn't find %s among the tracked coins. Try another ticker or /cancel.", strings.ToUpper(token))}
	case err != nil:
		c.log.WithError(err).Error("failed to look up coin")
		return Reply{Text: msgNoCoins}
	}

	if err := c.dialogues.Propose(req.ChatID, token); err != nil {
		c.log.WithError(err).Error("failed to advance dialogue")
		return Reply{Text: msgTryLater}
	}

	question := fmt.Sprintf("Subscribe to %s (%s)", strings.ToUpper(token), coin.Name)
	if price, ok := coin.Price(); ok {
		question += ", currently " + alert.FormatPrice(price)
	}

	return Reply{Text: question + "?", Options: []string{"yes", "no"}}
}

func (c *Commands) confirm(ctx context.Context, req Request, text string) Reply {
	switch strings.ToLower(text) {
	case "yes", "y":
	case "no", "n":
		if _, err := c.dialogues.Cancel(req.ChatID); err != nil {
			c.log.WithError(err).Error("failed to cancel dialogue")
		}
		return Reply{Text: "Okay, nothing changed."}
	default:
		return Reply{Text: msgYesOrNo, Options: []string{"yes", "no"}}
	}

	token, err := c.dialogues.Confirm(req.ChatID)
	if err != nil {
		c.log.WithError(err).Error("failed to confirm dialogue")
		return Reply{Text: msgTryLater}
	}

	err = c.store.AddSubscription(ctx, req.ChatID, token, req.UserName, req.Login)
	switch {
	case errors.Is(err, core.ErrSubscriptionLimit):
		return Reply{Text: fmt.Sprintf("You already follow the maximum of %d coins. Remove one with /unsubscribe first.", c.maxSubs)}
	case err != nil:
		c.log.WithError(err).WithField("chat_id", req.ChatID).Error("failed to add subscription")
		return Reply{Text: msgTryLater}
	}

	c.store.LogActivity(ctx, req.UserID, req.Login, "subscribed", token)
	return Reply{Text: fmt.Sprintf("✅ Subscribed to %s. You will get an alert when its price moves.", strings.ToUpper(token))}
}

func (c *Commands) mySubscriptions(ctx context.Context, req Request) Reply {
	subscriptions, err := c.store.ListSubscriptions(ctx, req.ChatID)
	if err != nil {
		c.log.WithError(err).WithField("chat_id", req.ChatID).Error("failed to list subscriptions")
		return Reply{Text: msgTryLater}
	}

	if len(subscriptions) == 0 {
		return Reply{Text: "You have no subscriptions yet. Use /subscribe to add one."}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your subscriptions (%d/%d):", len(subscriptions), c.maxSubs)
	for _, sub := range subscriptions {
		fmt.Fprintf(&b, "\n• %s since %s", strings.ToUpper(sub.Token), sub.SubscribedAt.Format("2006-01-02"))
	}

	return Reply{Text: b.String()}
}

func (c *Commands) unsubscribe(ctx context.Context, req Request, payload string) Reply {
	if payload == "" {
		return Reply{Text: "Usage: /unsubscribe <ticker>"}
	}

	token, err := core.ValidateToken(payload)
	if err != nil {
		return Reply{Text: msgBadTicker}
	}

	subscriptions, err := c.store.ListSubscriptions(ctx, req.ChatID)
	if err != nil {
		c.log.WithError(err).WithField("chat_id", req.ChatID).Error("failed to list subscriptions")
		return Reply{Text: msgTryLater}
	}

	_, found := lo.Find(subscriptions, func(sub core.Subscription) bool {
		return sub.Token == token
	})
	if !found {
		return Reply{Text: fmt.Sprintf("You are not subscribed to %s.", strings.ToUpper(token))}
	}

	if err := c.store.RemoveSubscription(ctx, req.ChatID, token); err != nil {
		c.log.WithError(err).WithField("chat_id", req.ChatID).Error("failed to remove subscription")
		return Reply{Text: msgTryLater}
	}

	return Reply{Text: fmt.Sprintf("🗑 Unsubscribed from %s.", strings.ToUpper(token))}
}

func (c *Commands) cancel(req Request) Reply {
	active, err := c.dialogues.Cancel(req.ChatID)
	if err != nil {
		c.log.WithError(err).Error("failed to cancel dialogue")
		return Reply{Text: msgTryLater}
	}

	if !active {
		return Reply{Text: "Nothing to cancel."}
	}
	return Reply{Text: "Cancelled."}
}

// message handles free text according to the chat's dialogue state
func (c *Commands) message(ctx context.Context, req Request, text string) Reply {
	session, err := c.dialogues.Current(req.ChatID)
	if err != nil {
		c.log.WithError(err).Error("failed to read dialogue")
		return Reply{Text: msgTryLater}
	}

	c.store.LogActivity(ctx, req.UserID, req.Login, "message", text)

	switch session.State {
	case dialogue.AwaitingToken:
		return c.propose(ctx, req, text)
	case dialogue.Confirming:
		return c.confirm(ctx, req, text)
	}

	return Reply{Text: msgUnknown}
}
