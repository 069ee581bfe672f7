package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramNotifier sends messages through the Telegram Bot API. The recipient id is the chat id.
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	chunkLen int
	logger   zerolog.Logger
}

// TelegramOptions tune the Telegram transport.
type TelegramOptions struct {
	BotToken      string
	BaseURL       string
	Timeout       time.Duration
	ChunkInterval time.Duration
	ChunkLen      int
}

// NewTelegramNotifier constructs the Telegram transport.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	if opts.ChunkLen <= 0 {
		opts.ChunkLen = ChunkTarget
	}
	limit := rate.Inf
	if opts.ChunkInterval > 0 {
		limit = rate.Every(opts.ChunkInterval)
	}

	return &TelegramNotifier{
		botToken: opts.BotToken,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, 1),
		chunkLen: opts.ChunkLen,
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send splits text into chunks and posts them in order, paced by the chunk interval.
// It stops at the first failing chunk.
func (n *TelegramNotifier) Send(ctx context.Context, chatID, text string) error {
	chunks := WithCounters(Chunk(text, n.chunkLen))
	for i, chunk := range chunks {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram pacing: %w", err)
		}
		if err := n.post(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("telegram chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	n.logger.Debug().Str("chat_id", chatID).Int("chunks", len(chunks)).Msg("message sent")
	return nil
}

func (n *TelegramNotifier) post(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result telegramResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if undeliverable(resp.StatusCode, result) {
		return fmt.Errorf("%w: %s", ErrUndeliverable, result.Description)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, result.Description)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}
	return nil
}

func undeliverable(status int, result telegramResponse) bool {
	if status == http.StatusForbidden || result.ErrorCode == http.StatusForbidden {
		return true
	}
	desc := strings.ToLower(result.Description)
	return strings.Contains(desc, "chat not found") || strings.Contains(desc, "user is deactivated")
}

var _ Notifier = (*TelegramNotifier)(nil)
