package notification

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/raykavin/coinalert/pkg/metric"
	tb "gopkg.in/tucnak/telebot.v2"
)

const handleTimeout = time.Minute

// Telegram implements the core.NotifierWithStart interface
type Telegram struct {
	commands    *Commands
	defaultMenu *tb.ReplyMarkup
	client      *tb.Bot
	log         logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewTelegram creates and initializes a new Telegram front end
func NewTelegram(settings *core.Settings, commands *Commands, log logger.Logger) (*Telegram, error) {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	poller := &tb.LongPoller{Timeout: 10 * time.Second}

	log = log.WithField("component", "telegram")

	client, err := tb.NewBot(tb.Settings{
		Token:  settings.Telegram.Token,
		Poller: poller,
		Reporter: func(err error) {
			log.WithError(err).Error("telegram client error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	setupKeyboard(menu)
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bot := &Telegram{
		commands:    commands,
		defaultMenu: menu,
		client:      client,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}

	registerHandlers(client, bot)

	return bot, nil
}

// setupKeyboard configures the reply keyboard layout
func setupKeyboard(menu *tb.ReplyMarkup) {
	var (
		coinsBtn     = menu.Text("/coins")
		newsBtn      = menu.Text("/crypto_news")
		subscribeBtn = menu.Text("/subscribe")
		mySubsBtn    = menu.Text("/mysubs")
	)

	menu.Reply(
		menu.Row(coinsBtn, newsBtn),
		menu.Row(subscribeBtn, mySubsBtn),
	)
}

// setupCommands configures available bot commands
func setupCommands(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "/start", Description: "Welcome message"},
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/coins", Description: "Top coins by market cap"},
		{Text: "/crypto_news", Description: "Rising crypto news"},
		{Text: "/subscribe", Description: "Get alerts for a coin"},
		{Text: "/mysubs", Description: "List your subscriptions"},
		{Text: "/unsubscribe", Description: "Stop alerts for a coin"},
		{Text: "/cancel", Description: "Abort the current dialogue"},
	})
}

// registerHandlers routes every command and free text to the same handler
func registerHandlers(client *tb.Bot, bot *Telegram) {
	for _, command := range []string{
		"/start", "/help", "/coins", "/crypto_news", "/subscribe", "/mysubs", "/unsubscribe", "/cancel",
	} {
		client.Handle(command, bot.handle)
	}
	client.Handle(tb.OnText, bot.handle)
}

// Start begins long polling in the background
func (t *Telegram) Start() {
	go t.client.Start()
	t.log.Info("telegram bot started")
}

// Stop stops polling and aborts in-flight handlers
func (t *Telegram) Stop() {
	t.cancel()
	t.client.Stop()
	t.log.Info("telegram bot stopped")
}

// Send delivers text to a chat
func (t *Telegram) Send(chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	if _, err := t.client.Send(&tb.Chat{ID: id}, text); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", chatID, err)
	}

	return nil
}

func (t *Telegram) handle(m *tb.Message) {
	if m.Sender == nil || m.Chat == nil {
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, handleTimeout)
	defer cancel()

	reply := t.commands.Handle(ctx, requestFromMessage(m))
	t.reply(m.Chat, reply)
}

func requestFromMessage(m *tb.Message) Request {
	return Request{
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		UserID:   strconv.FormatInt(m.Sender.ID, 10),
		UserName: strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		Login:    m.Sender.Username,
		Text:     m.Text,
	}
}

func (t *Telegram) reply(chat *tb.Chat, reply Reply) {
	text := reply.Text
	options := make([]interface{}, 0, 2)

	if reply.Preformatted {
		text = "<pre>" + html.EscapeString(text) + "</pre>"
		options = append(options, tb.ModeHTML)
	}

	switch {
	case len(reply.Options) > 0:
		markup := &tb.ReplyMarkup{ResizeReplyKeyboard: true, OneTimeKeyboard: true}
		buttons := make([]tb.Btn, 0, len(reply.Options))
		for _, option := range reply.Options {
			buttons = append(buttons, markup.Text(option))
		}
		markup.Reply(markup.Row(buttons...))
		options = append(options, markup)
	case reply.Menu:
		options = append(options, t.defaultMenu)
	}

	if _, err := t.client.Send(chat, text, options...); err != nil {
		metric.Notifications.WithLabelValues("reply", metric.ResultFailure).Inc()
		t.log.WithError(err).WithField("chat_id", chat.ID).Error("failed to send reply")
		return
	}

	metric.Notifications.WithLabelValues("reply", metric.ResultSuccess).Inc()
}
