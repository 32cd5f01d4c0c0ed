package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-activation-bot/internal/document"
)

// DefaultMaxFileBytes caps downloads; Telegram bots cannot fetch files above
// 20 MiB anyway.
const DefaultMaxFileBytes = 20 << 20

// FileGetter is the subset of *tgbotapi.BotAPI used by Resolver.
type FileGetter interface {
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Resolver downloads a Telegram file by id and extracts its text.
type Resolver struct {
	Files FileGetter
	Token string
	// FileEndpoint is a format with the token and file path verbs; defaults to
	// tgbotapi.FileEndpoint.
	FileEndpoint string
	HTTP         *http.Client
	MaxBytes     int64
}

// NewResolver returns a Resolver bound to bot.
func NewResolver(bot *tgbotapi.BotAPI, timeout time.Duration) *Resolver {
	return &Resolver{
		Files: bot,
		Token: bot.Token,
		HTTP:  &http.Client{Timeout: timeout},
	}
}

// Resolve implements services.DocumentResolver. Files without a text layer
// yield document.ErrUnreadable; transport failures are returned wrapped.
func (r *Resolver) Resolve(ctx context.Context, fileID string) (string, error) {
	data, err := r.Download(ctx, fileID)
	if err != nil {
		return "", err
	}
	return document.Extract(data)
}

// Download fetches the raw bytes of a Telegram file.
func (r *Resolver) Download(ctx context.Context, fileID string) ([]byte, error) {
	f, err := r.Files.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile %s: empty file path", fileID)
	}

	endpoint := r.FileEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.FileEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(endpoint, r.Token, f.FilePath), nil)
	if err != nil {
		return nil, err
	}
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}

	limit := r.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", document.ErrUnreadable, limit)
	}
	return data, nil
}
