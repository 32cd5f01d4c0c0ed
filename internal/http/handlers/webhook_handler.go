// Telegram webhook handler.
//
//   - POST /telegram/webhook
//
// The handler is transport-thin: it decodes the update, filters redeliveries,
// runs the conversation flow and sends the replies it returns. A failing
// collaborator yields 500 so Telegram redelivers the update later; replies that
// cannot be sent after a committed transition are only logged.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-activation-bot/internal/http/middleware"
	"github.com/tbourn/go-activation-bot/internal/repo"
	"github.com/tbourn/go-activation-bot/internal/telegram"
)

// Webhook acknowledgement statuses.
const (
	StatusProcessed = "processed"
)

// WebhookAck is returned to Telegram once an update was processed.
type WebhookAck struct {
	Status  string `json:"status" example:"processed"`
	Outcome string `json:"outcome" example:"code_issued"`
	Stage   string `json:"stage,omitempty" example:"awaiting_phone"`
}

// TelegramWebhook godoc
// @ID          telegramWebhook
// @Summary     Receive a Telegram update
// @Description Runs the message through the receipt → phone → device conversation and replies to the user.
// @Description Redelivered updates (same update_id) are acknowledged with 204 without side effects.
// @Tags        Telegram
// @Accept      json
// @Produce     json
//
// @Param       X-Telegram-Bot-Api-Secret-Token  header  string  false "Secret registered with setWebhook"
// @Param       body  body  object  true  "Telegram Update"
//
// @Success     200  {object}  handlers.WebhookAck
// @Success     204  {string}  string "Ignored or already processed"
// @Failure     400  {object}  handlers.ErrorResponse "Malformed update"
// @Failure     401  {object}  handlers.ErrorResponse "Bad secret"
// @Failure     500  {object}  handlers.ErrorResponse "Processing failed; Telegram will retry"
// @Router      /api/v1/telegram/webhook [post]
func (h *Handlers) TelegramWebhook(c *gin.Context) {
	var upd tgbotapi.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid update body")
		return
	}

	ev, err := telegram.EventFromUpdate(upd)
	if errors.Is(err, telegram.ErrNoMessage) {
		skip(c, "ignored")
		return
	}
	middleware.SetUserID(c, ev.UserID)

	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c).With().Str("update_key", ev.UpdateKey).Logger()
	ctx = lg.WithContext(ctx)

	if h.updates != nil {
		seen, err := h.updates.Seen(ctx, ev.UserID, ev.UpdateKey)
		if err != nil {
			lg.Warn().Err(err).Msg("update log lookup failed")
		} else if seen {
			skip(c, "duplicate")
			return
		}
	}

	res, err := h.flow.Handle(ctx, ev)
	if err != nil {
		middleware.ObserveUpdate("error")
		failErr(c, http.StatusInternalServerError, ErrCodeFlowFailed, "update could not be processed", err)
		return
	}

	if h.updates != nil {
		err := h.updates.Remember(ctx, ev.UserID, ev.UpdateKey, res.Outcome)
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			lg.Warn().Err(err).Msg("update not recorded")
		}
	}

	for _, reply := range res.Replies {
		if err := h.notifier.Send(ctx, ev.UserID, reply); err != nil {
			lg.Error().Err(err).Str("outcome", res.Outcome).Msg("reply not delivered")
			break
		}
	}

	acknowledge(c, WebhookAck{
		Status:  StatusProcessed,
		Outcome: res.Outcome,
		Stage:   string(res.Stage),
	})
}
