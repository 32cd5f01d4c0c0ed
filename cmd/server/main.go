// Command server runs the activation bot: the Telegram webhook, the admin API,
// health and metrics endpoints.
//
//	@title						Activation Bot API
//	@version					1.0
//	@description				Telegram webhook and admin endpoints for receipt-gated activation codes.
//	@BasePath					/
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Type "Bearer" followed by a space and the admin token.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	_ "github.com/tbourn/go-activation-bot/docs"
	"github.com/tbourn/go-activation-bot/internal/app/bootstrap"
	"github.com/tbourn/go-activation-bot/internal/config"
	"github.com/tbourn/go-activation-bot/internal/observability"
	"github.com/tbourn/go-activation-bot/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	ctx := context.Background()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	rt, err := bootstrap.NewRuntime(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("close runtime")
		}
	}()

	log.Info().
		Str("version", version).
		Str("db_driver", cfg.DBDriver).
		Str("conversation_store", cfg.ConversationStore).
		Msg("activation bot starting")

	if err := rt.RunAPI(ctx); err != nil {
		log.Error().Err(err).Msg("http server")
		return
	}
	log.Info().Msg("activation bot stopped")
}
