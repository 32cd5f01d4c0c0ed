// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, storage, the Telegram bot, the receipt rules
// and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/tbourn/go-activation-bot/internal/receipt"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
	// TrustForwardedProto honors X-Forwarded-Proto from the TLS-terminating
	// proxy in front of the webhook.
	TrustForwardedProto bool
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "activation-bot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// TelegramConfig defines the bot credentials and webhook settings.
type TelegramConfig struct {
	Token         string        // TELEGRAM_BOT_TOKEN
	WebhookSecret string        // TELEGRAM_WEBHOOK_SECRET, echoed by Telegram in a header
	WebhookURL    string        // TELEGRAM_WEBHOOK_URL, used by codesctl set-webhook
	APITimeout    time.Duration // TELEGRAM_API_TIMEOUT
	APIEndpoint   string        // TELEGRAM_API_ENDPOINT, empty for api.telegram.org
}

// ReceiptConfig defines what receipts are accepted and how users are guided.
type ReceiptConfig struct {
	Timezone     string        // RECEIPT_TIMEZONE (IANA name)
	Window       time.Duration // RECEIPT_WINDOW, both directions
	PhonePattern string        // PHONE_PATTERN, applied after normalization
	HelpLink     string        // HELP_LINK appended to rejections

	AmountLiterals   []string // AMOUNT_LITERALS, ';' separated ("4,99 ₸" holds a comma)
	AmountPattern    string   // AMOUNT_PATTERN
	DatePattern      string   // DATE_PATTERN, timestamp in group 1
	ReceiptIDPattern string   // RECEIPT_ID_PATTERN, receipt number in group 1
}

// LedgerConfig defines where issued codes are recorded.
type LedgerConfig struct {
	SheetsCredentialsPath string   // GOOGLE_SHEETS_CREDENTIALS_PATH
	SheetID               string   // GOOGLE_SHEET_ID
	SheetName             string   // GOOGLE_SHEET_NAME (issued codes)
	CodesSheetName        string   // GOOGLE_SHEET_NAME_FOR_CODES (seed source)
	KafkaBrokers          []string // KAFKA_BROKERS
	KafkaTopic            string   // KAFKA_LEDGER_TOPIC
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBDriver          string        // sqlite|postgres
	DBPath            string        // SQLite path
	DatabaseURL       string        // Postgres DSN
	ConversationStore string        // sql|redis
	RedisURL          string        // redis://host:port/db
	ConversationTTL   time.Duration // 0 keeps conversations until they finish
	UpdateDedupTTL    time.Duration // how long a Telegram update_id is remembered

	// Allocation
	AllocMaxAttempts int // claim loop cap

	// Bot
	Telegram TelegramConfig
	Receipt  ReceiptConfig
	Ledger   LedgerConfig

	// Admin API
	AdminToken string // bearer token; empty disables /admin

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver:          strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:            getenv("DB_PATH", "activation.db"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		ConversationStore: strings.ToLower(getenv("CONVERSATION_STORE", "sql")),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		ConversationTTL:   getdur("CONVERSATION_TTL", 0),
		UpdateDedupTTL:    getdur("UPDATE_DEDUP_TTL", 24*time.Hour),

		// Allocation
		AllocMaxAttempts: getint("ALLOC_MAX_ATTEMPTS", 1000),

		// Bot
		Telegram: TelegramConfig{
			Token:         getenv("TELEGRAM_BOT_TOKEN", ""),
			WebhookSecret: getenv("TELEGRAM_WEBHOOK_SECRET", ""),
			WebhookURL:    getenv("TELEGRAM_WEBHOOK_URL", ""),
			APITimeout:    getdur("TELEGRAM_API_TIMEOUT", 30*time.Second),
			APIEndpoint:   getenv("TELEGRAM_API_ENDPOINT", ""),
		},
		Receipt: ReceiptConfig{
			Timezone:     getenv("RECEIPT_TIMEZONE", "Asia/Almaty"),
			Window:       getdur("RECEIPT_WINDOW", 48*time.Hour),
			PhonePattern: getenv("PHONE_PATTERN", `^77\d{9}$`),
			HelpLink:     getenv("HELP_LINK", ""),

			AmountLiterals:   getlist("AMOUNT_LITERALS", receipt.DefaultAmountLiterals),
			AmountPattern:    getenv("AMOUNT_PATTERN", receipt.DefaultAmountPattern),
			DatePattern:      getenv("DATE_PATTERN", receipt.DefaultDatePattern),
			ReceiptIDPattern: getenv("RECEIPT_ID_PATTERN", receipt.DefaultReceiptIDPattern),
		},
		Ledger: LedgerConfig{
			SheetsCredentialsPath: getenv("GOOGLE_SHEETS_CREDENTIALS_PATH", ""),
			SheetID:               getenv("GOOGLE_SHEET_ID", ""),
			SheetName:             getenv("GOOGLE_SHEET_NAME", "Sheet1"),
			CodesSheetName:        getenv("GOOGLE_SHEET_NAME_FOR_CODES", "Codes"),
			KafkaBrokers:          splitCSV(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:            getenv("KAFKA_LEDGER_TOPIC", "activation.codes.issued"),
		},

		// Admin API
		AdminToken: getenv("ADMIN_TOKEN", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS:          getbool("ENABLE_HSTS", false),
			HSTSMaxAge:          getdur("HSTS_MAX_AGE", 180*24*time.Hour),
			TrustForwardedProto: getbool("TRUST_FORWARDED_PROTO", true),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "activation-bot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	switch cfg.ConversationStore {
	case "sql":
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return cfg, errors.New("REDIS_URL is required when CONVERSATION_STORE=redis")
		}
	default:
		return cfg, errors.New("CONVERSATION_STORE must be one of: sql, redis")
	}
	if cfg.ConversationTTL < 0 {
		return cfg, errors.New("CONVERSATION_TTL must be >= 0")
	}
	if cfg.UpdateDedupTTL <= 0 {
		return cfg, errors.New("UPDATE_DEDUP_TTL must be > 0")
	}
	if cfg.AllocMaxAttempts < 1 {
		return cfg, errors.New("ALLOC_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Telegram.APITimeout <= 0 {
		return cfg, errors.New("TELEGRAM_API_TIMEOUT must be > 0")
	}
	if _, err := time.LoadLocation(cfg.Receipt.Timezone); err != nil {
		return cfg, fmt.Errorf("RECEIPT_TIMEZONE: %w", err)
	}
	if cfg.Receipt.Window <= 0 {
		return cfg, errors.New("RECEIPT_WINDOW must be > 0")
	}
	if _, err := regexp.Compile(cfg.Receipt.PhonePattern); err != nil {
		return cfg, fmt.Errorf("PHONE_PATTERN: %w", err)
	}
	if _, err := regexp.Compile(cfg.Receipt.AmountPattern); err != nil {
		return cfg, fmt.Errorf("AMOUNT_PATTERN: %w", err)
	}
	for _, p := range []struct{ key, expr string }{
		{"DATE_PATTERN", cfg.Receipt.DatePattern},
		{"RECEIPT_ID_PATTERN", cfg.Receipt.ReceiptIDPattern},
	} {
		re, err := regexp.Compile(p.expr)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", p.key, err)
		}
		if re.NumSubexp() < 1 {
			return cfg, fmt.Errorf("%s must capture the value in group 1", p.key)
		}
	}
	if len(cfg.Ledger.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Ledger.KafkaTopic) == "" {
		return cfg, errors.New("KAFKA_LEDGER_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ReceiptLocation returns the configured receipt time zone. Load has already
// validated the name.
func (c Config) ReceiptLocation() *time.Location {
	loc, err := time.LoadLocation(c.Receipt.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SheetsEnabled reports whether issued codes are mirrored to Google Sheets.
func (c Config) SheetsEnabled() bool {
	return c.Ledger.SheetID != ""
}

// ---- env helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// parsed reads k with parse, falling back to def when k is unset or does not
// parse.
func parsed[T any](k string, def T, parse func(string) (T, error)) T {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if x, err := parse(strings.TrimSpace(v)); err == nil {
			return x
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	return parsed(k, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func getint(k string, def int) int { return parsed(k, def, strconv.Atoi) }

func getdur(k string, def time.Duration) time.Duration { return parsed(k, def, time.ParseDuration) }

func getbool(k string, def bool) bool { return parsed(k, def, parseBool) }

// parseBool is strconv.ParseBool plus yes/no/on/off.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

func splitCSV(s string) []string { return splitList(s, ",") }

// getlist reads a ';' separated list; unset or blank yields a copy of def.
func getlist(k string, def []string) []string {
	if out := splitList(os.Getenv(k), ";"); len(out) > 0 {
		return out
	}
	return append([]string(nil), def...)
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
