// Package telegram adapts the Telegram Bot API to the conversation flow:
// it turns webhook updates into flow events, downloads attached files and
// sends replies.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-activation-bot/internal/services"
)

// ErrNoMessage is returned for updates that carry no user message
// (edited messages, callbacks, channel posts).
var ErrNoMessage = errors.New("update has no message")

// NewBot creates a Bot API client with the given request timeout. Passing an
// empty endpoint uses tgbotapi.APIEndpoint.
func NewBot(token, endpoint string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// EventFromUpdate maps a webhook update to a flow event. The chat id is the
// user key; the largest photo size is used for photos.
func EventFromUpdate(u tgbotapi.Update) (services.Event, error) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return services.Event{}, ErrNoMessage
	}
	ev := services.Event{
		UserID:    strconv.FormatInt(m.Chat.ID, 10),
		UpdateKey: strconv.Itoa(u.UpdateID),
		Text:      m.Text,
	}
	switch {
	case m.Document != nil:
		ev.FileRef = m.Document.FileID
	case len(m.Photo) > 0:
		ev.FileRef = m.Photo[len(m.Photo)-1].FileID
	}
	return ev, nil
}

// MessageSender is the subset of *tgbotapi.BotAPI used by Notifier.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends plain text replies.
type Notifier struct {
	Bot MessageSender
}

// Send delivers text to the chat identified by userID.
func (n *Notifier) Send(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", userID, err)
	}
	if _, err := n.Bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// WebhookRequester is the subset of *tgbotapi.BotAPI used by SetWebhook.
type WebhookRequester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// SetWebhook registers url as the bot's webhook. A non-empty secret is echoed
// by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func SetWebhook(bot WebhookRequester, url, secret string, dropPending bool) error {
	params := tgbotapi.Params{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	if dropPending {
		params["drop_pending_updates"] = "true"
	}
	resp, err := bot.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("setWebhook: %s", resp.Description)
	}
	return nil
}
