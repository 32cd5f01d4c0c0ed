// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file hardens responses of the webhook and admin API. Telegram and
// admin scripts are not browsers, so the headers mostly guard the Swagger UI
// and anyone who opens an admin URL by hand. Admin listings carry phone
// numbers and must never be cached (see NoStore).
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityOptions configures SecurityHeaders.
//
// HSTS is sent only for requests that arrived over TLS. Behind a reverse
// proxy that terminates TLS, set TrustForwardedProto so X-Forwarded-Proto
// counts as evidence; otherwise the header is ignored.
type SecurityOptions struct {
	EnableHSTS          bool
	HSTSMaxAge          time.Duration // <= 0 means 180 days
	TrustForwardedProto bool
	NoStore             bool // Cache-Control: no-store and legacy equivalents
	EnablePolicy        bool // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// headerSet builds the static part of the response headers once.
func (o SecurityOptions) headerSet() http.Header {
	h := http.Header{}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	if o.EnablePolicy {
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
	}
	if o.NoStore {
		h.Set("Cache-Control", "no-store")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	}
	return h
}

func (o SecurityOptions) hstsValue() string {
	maxAge := o.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	return "max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10) + "; includeSubDomains; preload"
}

// SecurityHeaders returns a middleware that sets the headers described by opt
// on every response and exposes X-Request-ID to browser clients when the
// request id middleware ran earlier.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	static := opt.headerSet()
	hsts := opt.hstsValue()
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range static {
			h[k] = append([]string(nil), v...)
		}
		if opt.EnableHSTS && isHTTPS(c.Request, opt.TrustForwardedProto) {
			h.Set("Strict-Transport-Security", hsts)
		}
		if h.Get("X-Request-ID") != "" {
			exposeHeader(h, "X-Request-ID")
		}
		c.Next()
	}
}

// NoStore marks responses of a route group as uncacheable.
func NoStore() gin.HandlerFunc {
	return SecurityHeaders(SecurityOptions{NoStore: true})
}

// exposeHeader adds name to Access-Control-Expose-Headers unless the list
// already names it.
func exposeHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	cur := h.Get(key)
	if cur == "" {
		h.Set(key, name)
		return
	}
	for _, tok := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), name) {
			return
		}
	}
	h.Set(key, cur+", "+name)
}

// isHTTPS reports whether r came in over TLS, directly or (when trusted)
// through a proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	return trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
