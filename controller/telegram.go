package controller

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConsole is an optional second ingress for the operator command
// grammar, adapted from the teacher's serve.TelegramBot: a long-polling
// bot that feeds incoming message text through the same ParseCommand and
// Dispatch path the bus-delivered `scout ...` commands use, posting the
// feedback string back to the chat. The bus ingress remains the primary
// and only required path; this is wired only when a token is configured.
type TelegramConsole struct {
	bot *tgbotapi.BotAPI
	ctx *Context
	// chatSender maps a Telegram chat to the sender identity Dispatch
	// checks against the admins group.
	chatSender func(chatID int64, userID int64) string
}

// NewTelegramConsole connects to the Telegram Bot API with token.
func NewTelegramConsole(token string, c *Context, chatSender func(chatID, userID int64) string) (*TelegramConsole, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	return &TelegramConsole{bot: bot, ctx: c, chatSender: chatSender}, nil
}

// Start runs the long-polling loop until ctx is cancelled.
func (t *TelegramConsole) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			go t.handle(ctx, update)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

func (t *TelegramConsole) handle(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	cmd, ok := ParseCommand(update.Message.Text)
	if !ok {
		return
	}

	sender := ""
	if t.chatSender != nil {
		sender = t.chatSender(update.Message.Chat.ID, update.Message.From.ID)
	}

	feedback, err := t.ctx.Dispatch(ctx, sender, cmd)
	if err != nil {
		feedback = err.Error()
	}
	if feedback == "" {
		return
	}

	if _, err := t.bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, feedback)); err != nil {
		slog.Warn("telegram console: send failed", "error", err)
	}
}
