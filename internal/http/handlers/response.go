// Package handlers provides the HTTP handlers of the bot: the Telegram webhook
// and the read-only admin API over the code pool.
//
// Errors use one envelope everywhere:
//
//	HTTP/1.1 500 Internal Server Error
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "flow_failed",
//	  "message": "update could not be processed"
//	}
//
// Telegram only looks at the status code: any 2xx marks an update delivered,
// anything else is redelivered later. Handlers therefore answer 204 for
// updates they deliberately skip and 5xx only when a retry can help.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-activation-bot/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"resource not found"`
}

// fail aborts the request with an ErrorResponse.
func fail(c *gin.Context, status int, code, msg string) {
	failErr(c, status, code, msg, nil)
}

// failErr is fail with the underlying cause. The cause is attached to the gin
// context and, for 5xx, logged with the request-scoped logger; it never
// reaches the client.
func failErr(c *gin.Context, status int, code, msg string, cause error) {
	if cause != nil {
		_ = c.Error(cause)
	}
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Err(cause).
			Int("status", status).
			Str("code", code).
			Str("path", c.FullPath()).
			Msg(msg)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}

// skip acknowledges an update without processing it and counts it under
// reason.
func skip(c *gin.Context, reason string) {
	middleware.ObserveUpdate(reason)
	c.Status(http.StatusNoContent)
}

// acknowledge reports a processed update back to Telegram.
func acknowledge(c *gin.Context, ack WebhookAck) {
	middleware.ObserveUpdate(ack.Outcome)
	ok(c, ack)
}
