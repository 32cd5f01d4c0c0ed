// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, webhook authentication, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Telegram deliveries authenticated before they reach the flow
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-activation-bot/internal/config"
	"github.com/tbourn/go-activation-bot/internal/domain"
	"github.com/tbourn/go-activation-bot/internal/http/handlers"
	"github.com/tbourn/go-activation-bot/internal/http/middleware"
	"github.com/tbourn/go-activation-bot/internal/repo"
	"github.com/tbourn/go-activation-bot/internal/utils"
)

// Deps are the collaborators the routes need. Flow and Notifier are usually
// a *services.FlowService and a *telegram.Notifier.
type Deps struct {
	DB       *gorm.DB
	Flow     handlers.FlowHandler
	Notifier handlers.Notifier
}

// processedUpdates adapts the processed_updates table to handlers.UpdateLog.
type processedUpdates struct {
	db  *gorm.DB
	ttl time.Duration
}

// Seen proxies repo.GetProcessedUpdate; a missing row means not seen.
func (p processedUpdates) Seen(ctx context.Context, userID, updateKey string) (bool, error) {
	_, err := repo.GetProcessedUpdate(ctx, p.db, userID, updateKey, time.Now())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remember proxies repo.CreateProcessedUpdate.
func (p processedUpdates) Remember(ctx context.Context, userID, updateKey, outcome string) error {
	_, err := repo.CreateProcessedUpdate(ctx, p.db, userID, updateKey, outcome, p.ttl)
	return err
}

// codePool adapts the code repository to handlers.CodePool.
type codePool struct {
	db *gorm.DB
}

// Stats proxies repo.PoolStats.
func (p codePool) Stats(ctx context.Context) (repo.CodeStats, error) {
	return repo.PoolStats(ctx, p.db)
}

// ListPage proxies repo.ListCodesPage (1-based pages).
func (p codePool) ListPage(ctx context.Context, assigned *bool, page, pageSize int) ([]domain.ActivationCode, int64, error) {
	return repo.ListCodesPage(ctx, p.db, assigned, utils.Offset(page, pageSize), pageSize)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, health and metrics endpoints, and then mounts the Telegram webhook
// under the API base path and the admin endpoints under /admin.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// Per route group:
//   - webhook: secret token check, then the rate limiter (verified
//     deliveries bypass it)
//   - admin: bearer token, rate limiter, gzip, no-store
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB); Telegram updates are far smaller
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS and security headers
	r.Use(corsHandlers(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:          cfg.Security.EnableHSTS,
		HSTSMaxAge:          cfg.Security.HSTSMaxAge,
		TrustForwardedProto: cfg.Security.TrustForwardedProto,
		EnablePolicy:        true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: handlers ← services/repo
	var updates handlers.UpdateLog
	var pool handlers.CodePool
	if deps.DB != nil {
		updates = processedUpdates{db: deps.DB, ttl: cfg.UpdateDedupTTL}
		pool = codePool{db: deps.DB}
	}
	h := handlers.New(deps.Flow, deps.Notifier, updates, pool)

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())

	// Telegram webhook
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.POST("/telegram/webhook",
		middleware.WebhookSecret(cfg.Telegram.WebhookSecret),
		rl.Handler(),
		h.TelegramWebhook,
	)

	// Admin API
	admin := r.Group("/admin",
		middleware.AdminToken(cfg.AdminToken),
		rl.Handler(),
		gzip.Gzip(gzip.DefaultCompression),
		middleware.NoStore(),
	)
	{
		admin.GET("/codes/stats", h.CodeStats)
		admin.GET("/codes", h.ListCodes)
	}
}

// corsHandlers returns the CORS middleware. Only browsers care (Swagger UI,
// an admin dashboard); Telegram ignores CORS. Without an allowlist any origin
// may read responses, which is safe because nothing relies on cookies.
func corsHandlers(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderTelegramSecret},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// ACAO: * also for requests without an Origin header
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
