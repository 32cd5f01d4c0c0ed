package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	httpapi "github.com/tbourn/go-activation-bot/internal/http"
	"github.com/tbourn/go-activation-bot/internal/repo"
)

// purgeInterval is how often expired processed-update records are removed.
const purgeInterval = time.Hour

// shutdownTimeout bounds graceful shutdown of in-flight webhook requests.
const shutdownTimeout = 15 * time.Second

// Handler builds the Gin engine with every route registered.
func (rt *Runtime) Handler() *gin.Engine {
	gin.SetMode(rt.Config.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:       rt.DB,
		Flow:     rt.Flow,
		Notifier: rt.Notifier,
	}, rt.Config)
	return r
}

// RunAPI serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then
// drains in-flight requests.
func (rt *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", rt.Config.Port),
		Handler:           rt.Handler(),
		ReadTimeout:       rt.Config.ReadTimeout,
		ReadHeaderTimeout: rt.Config.ReadHeaderTimeout,
		WriteTimeout:      rt.Config.WriteTimeout,
		IdleTimeout:       rt.Config.IdleTimeout,
		MaxHeaderBytes:    rt.Config.MaxHeaderBytes,
	}

	go purgeLoop(ctx, rt.DB, purgeInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", rt.Config.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// purgeLoop removes expired processed-update records until ctx ends.
func purgeLoop(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			purgeOnce(ctx, db, now)
		}
	}
}

func purgeOnce(ctx context.Context, db *gorm.DB, now time.Time) {
	n, err := repo.PurgeProcessedUpdates(ctx, db, now)
	if err != nil {
		log.Warn().Err(err).Msg("purge processed updates failed")
		return
	}
	if n > 0 {
		log.Debug().Int64("rows", n).Msg("purged processed updates")
	}
}
