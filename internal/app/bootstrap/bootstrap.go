// Package bootstrap assembles the bot from configuration: storage, the
// conversation store, ledger sinks, the Telegram client and the services.
// The server binary and the codesctl tool share these constructors.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"gorm.io/gorm"

	"github.com/tbourn/go-activation-bot/internal/config"
	"github.com/tbourn/go-activation-bot/internal/ledger"
	"github.com/tbourn/go-activation-bot/internal/receipt"
	"github.com/tbourn/go-activation-bot/internal/repo"
	"github.com/tbourn/go-activation-bot/internal/services"
	"github.com/tbourn/go-activation-bot/internal/telegram"
)

// closeFunc releases one resource.
type closeFunc func() error

// DSN returns the connection string for the configured driver.
func DSN(cfg config.Config) string {
	if cfg.DBDriver == repo.DriverPostgres {
		return cfg.DatabaseURL
	}
	return cfg.DBPath
}

// OpenDB opens the configured database and migrates the schema.
func OpenDB(ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(ctx, cfg.DBDriver, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// ConversationStore returns the SQL store or, when configured, the Redis
// store. The returned close func is never nil.
func ConversationStore(ctx context.Context, cfg config.Config, db *gorm.DB) (services.ConversationStore, closeFunc, error) {
	switch cfg.ConversationStore {
	case "redis":
		client, err := repo.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return repo.NewRedisConversationStore(client, cfg.ConversationTTL), client.Close, nil
	case "sql", "":
		return repo.NewSQLConversationStore(db), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported conversation store %q", cfg.ConversationStore)
	}
}

// Ledger builds the configured sinks. Without any sink it returns ledger.Nop.
// Extra client options are passed to the Sheets client.
func Ledger(ctx context.Context, cfg config.Config, opts ...option.ClientOption) (ledger.Appender, closeFunc, error) {
	var sinks []ledger.Appender
	var closers []closeFunc

	if cfg.SheetsEnabled() {
		if cfg.Ledger.SheetsCredentialsPath != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Ledger.SheetsCredentialsPath))
		}
		sh, err := ledger.NewSheets(ctx, cfg.Ledger.SheetID, cfg.Ledger.SheetName, opts...)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sh)
	}
	if len(cfg.Ledger.KafkaBrokers) > 0 {
		k, err := ledger.NewKafka(cfg.Ledger.KafkaBrokers, cfg.Ledger.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	return ledger.Combine(sinks...), joinClosers(closers), nil
}

func joinClosers(fns []closeFunc) closeFunc {
	return func() error {
		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Validator returns a receipt validator for the configured timezone and window.
// Blank patterns and an empty literal list keep the defaults.
func Validator(cfg config.Config) (*receipt.Validator, error) {
	rules := receipt.Rules{
		AmountLiterals: cfg.Receipt.AmountLiterals,
		Window:         cfg.Receipt.Window,
		Location:       cfg.ReceiptLocation(),
	}
	for _, p := range []struct {
		name string
		expr string
		dst  **regexp.Regexp
	}{
		{"amount", cfg.Receipt.AmountPattern, &rules.AmountPattern},
		{"date", cfg.Receipt.DatePattern, &rules.DatePattern},
		{"receipt id", cfg.Receipt.ReceiptIDPattern, &rules.ReceiptIDPattern},
	} {
		if p.expr == "" {
			continue
		}
		re, err := regexp.Compile(p.expr)
		if err != nil {
			return nil, fmt.Errorf("%s pattern: %w", p.name, err)
		}
		*p.dst = re
	}
	return receipt.NewValidator(rules), nil
}

// Runtime holds the assembled application.
type Runtime struct {
	Config   config.Config
	DB       *gorm.DB
	Flow     *services.FlowService
	Notifier *telegram.Notifier

	closers []closeFunc
}

// NewRuntime connects every dependency. On failure everything opened so far
// is closed again.
func NewRuntime(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	rt.DB = db
	rt.closers = append(rt.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	store, closeStore, err := ConversationStore(ctx, cfg, db)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, closeStore)

	sink, closeSinks, err := Ledger(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, closeSinks)

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.APIEndpoint, cfg.Telegram.APITimeout)
	if err != nil {
		return fail(err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")

	phone, err := regexp.Compile(cfg.Receipt.PhonePattern)
	if err != nil {
		return fail(fmt.Errorf("phone pattern: %w", err))
	}
	validator, err := Validator(cfg)
	if err != nil {
		return fail(err)
	}

	rt.Notifier = &telegram.Notifier{Bot: bot}
	rt.Flow = &services.FlowService{
		Store:     store,
		Resolver:  telegram.NewResolver(bot, cfg.Telegram.APITimeout),
		Validator: validator,
		Allocator: &services.AllocatorService{
			DB:          db,
			Ledger:      sink,
			MaxAttempts: cfg.AllocMaxAttempts,
		},
		PhonePattern: phone,
		HelpLink:     cfg.Receipt.HelpLink,
	}

	if n, err := repo.CountAvailable(ctx, db); err == nil {
		services.SetAvailableCodes(n)
	}
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	err := joinClosers(rt.closers)()
	rt.closers = nil
	return err
}
