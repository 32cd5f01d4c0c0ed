// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file authenticates the two callers the service has: Telegram, which
// echoes the webhook secret in X-Telegram-Bot-Api-Secret-Token, and operators,
// who call the admin API with a bearer token. Verified Telegram deliveries are
// marked so the rate limiter lets them through; Telegram retries anything it
// cannot deliver and throttling it only delays users.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderTelegramSecret carries the secret_token registered with setWebhook.
const HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"

// Context keys used internally to stash authentication state.
const (
	ctxKeyVerified   = "auth.verified" // bool: request carried a valid credential
	ctxKeyRateBypass = "rate.bypass"   // bool: true to skip rate limiting
)

// IsVerified reports whether an auth middleware accepted the request's
// credential.
func IsVerified(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyVerified)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// WebhookSecret rejects webhook deliveries whose secret header does not match.
// An empty secret disables the check, which is only sensible in development.
//
// Behavior:
//   - secret == "": request passes unverified (still rate limited).
//   - header mismatch: 401 with the standard error envelope.
//   - header match: request is marked verified and exempt from rate limiting.
func WebhookSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		if !equalConstantTime(c.GetHeader(HeaderTelegramSecret), secret) {
			abortUnauthorized(c, "invalid webhook secret")
			return
		}
		c.Set(ctxKeyVerified, true)
		c.Set(ctxKeyRateBypass, true)
		c.Next()
	}
}

// AdminToken guards operator endpoints with "Authorization: Bearer <token>".
// An empty token disables the whole group with 404 so the surface is not
// advertised.
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "not_found",
				"message":    "route not found",
			})
			return
		}
		got, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || !equalConstantTime(strings.TrimSpace(got), token) {
			c.Header("WWW-Authenticate", `Bearer realm="admin"`)
			abortUnauthorized(c, "invalid admin token")
			return
		}
		c.Set(ctxKeyVerified, true)
		SetUserID(c, "admin")
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    msg,
	})
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
