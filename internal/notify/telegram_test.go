package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/bottoken/sendMessage")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	require.NoError(t, notifier.Send(context.Background(), "chat", "hello"))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Equal(t, "hello", received["text"])
}

func TestTelegramNotifierOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "flood"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: srv.URL}, testLogger())
	err := notifier.Send(context.Background(), "chat", "hello")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUndeliverable))
}

func TestTelegramNotifierBlockedIsUndeliverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  403,
			"description": "Forbidden: bot was blocked by the user",
		})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: srv.URL}, testLogger())
	err := notifier.Send(context.Background(), "chat", "hello")
	assert.ErrorIs(t, err, ErrUndeliverable)
}

func TestTelegramNotifierSendsChunksInOrderWithPacing(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		texts = append(texts, body["text"].(string))
		times = append(times, time.Now())
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{
		BotToken:      "token",
		BaseURL:       srv.URL,
		ChunkInterval: 50 * time.Millisecond,
		ChunkLen:      100,
	}, testLogger())

	text := strings.Repeat("word ", 50)
	require.NoError(t, notifier.Send(context.Background(), "chat", text))

	require.Len(t, texts, 3)
	assert.True(t, strings.HasSuffix(texts[0], "_1/3_"))
	assert.True(t, strings.HasSuffix(texts[2], "_3/3_"))
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 40*time.Millisecond)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
