// Package notify delivers text messages to recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// ErrUndeliverable marks a recipient that can no longer be reached (blocked bot, deleted chat).
var ErrUndeliverable = errors.New("notify: recipient undeliverable")

// ChunkTarget is the preferred maximum chunk size in bytes.
const ChunkTarget = 1900

const codeFence = "```"

// Notifier sends one logical message to a recipient. Implementations may split it.
type Notifier interface {
	Send(ctx context.Context, recipientID, text string) error
}

// LogNotifier writes messages to the log instead of a transport.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify_log").Logger()}
}

// Send logs the message.
func (n *LogNotifier) Send(_ context.Context, recipientID, text string) error {
	n.logger.Info().Str("recipient", recipientID).Str("text", text).Msg("notification")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)

// Chunk splits text into pieces of at most maxLen bytes, cutting at the last paragraph break,
// else line break, else space. A boundary in the first 40% of the window is ignored.
func Chunk(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = ChunkTarget
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	chunks := make([]string, 0, len(text)/maxLen+1)
	remaining := text
	for len(remaining) > maxLen {
		head := remaining[:maxLen]
		cut := strings.LastIndex(head, "\n\n")
		if cut < 0 {
			cut = strings.LastIndex(head, "\n")
		}
		if cut < 0 {
			cut = strings.LastIndex(head, " ")
		}
		if cut < maxLen*4/10 {
			cut = runeFloor(remaining, maxLen)
		}
		if piece := strings.TrimRight(remaining[:cut], " \t\r\n"); piece != "" {
			chunks = append(chunks, piece)
		}
		remaining = strings.TrimLeft(remaining[cut:], " \t\r\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// WithCounters appends "_i/n_" to each chunk of a multi-part message, except chunks that
// carry a code fence.
func WithCounters(chunks []string) []string {
	if len(chunks) <= 1 {
		return chunks
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		if strings.Contains(c, codeFence) {
			out[i] = c
			continue
		}
		out[i] = fmt.Sprintf("%s\n_%d/%d_", c, i+1, len(chunks))
	}
	return out
}

func runeFloor(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		// a single rune wider than the window
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return n
}
