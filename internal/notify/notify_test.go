package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
)

func TestChunkShortTextUntouched(t *testing.T) {
	assert.Equal(t, []string{"hi"}, Chunk("hi", 10))
}

func TestChunkPrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 30) + "\n" + strings.Repeat("c", 30)
	chunks := Chunk(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60), chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "bbb"))
}

func TestChunkIgnoresEarlyBoundary(t *testing.T) {
	text := "ab\n\n" + strings.Repeat("x", 200)
	chunks := Chunk(text, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
}

func TestChunkKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("🟢", 30)
	for _, c := range Chunk(text, 10) {
		assert.True(t, strings.HasPrefix(c, "🟢"))
		assert.LessOrEqual(t, len(c), 10)
	}
}

func TestWithCountersSkipsFencedChunks(t *testing.T) {
	out := WithCounters([]string{"first", "```\ntable\n```", "last"})
	assert.Equal(t, "first\n_1/3_", out[0])
	assert.Equal(t, "```\ntable\n```", out[1])
	assert.Equal(t, "last\n_3/3_", out[2])

	assert.Equal(t, []string{"solo"}, WithCounters([]string{"solo"}))
}

type recordingNotifier struct {
	sent []string
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, recipientID, text string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, recipientID+":"+text)
	return nil
}

type recordingDirectory struct {
	disabled []string
}

func (d *recordingDirectory) DisableNotifications(_ context.Context, recipientID string) error {
	d.disabled = append(d.disabled, recipientID)
	return nil
}

func TestCourierSkipsOptedOut(t *testing.T) {
	n := &recordingNotifier{}
	var outcomes []Outcome
	c := NewCourier(n, &recordingDirectory{}, testLogger(), WithObserver(func(o Outcome) { outcomes = append(outcomes, o) }))

	require.NoError(t, c.Deliver(context.Background(), storage.Recipient{ID: "u1"}, "hello"))
	assert.Empty(t, n.sent)
	assert.Equal(t, []Outcome{OutcomeSkipped}, outcomes)
}

func TestCourierDisablesUndeliverableOwner(t *testing.T) {
	n := &recordingNotifier{err: fmt.Errorf("chunk 1/1: %w", ErrUndeliverable)}
	dir := &recordingDirectory{}
	c := NewCourier(n, dir, testLogger())

	err := c.Deliver(context.Background(), storage.Recipient{ID: "owner", AcceptsNotifications: true}, "hello")
	assert.ErrorIs(t, err, ErrUndeliverable)
	assert.Equal(t, []string{"owner"}, dir.disabled)
}

func TestCourierNeverDisablesAdmin(t *testing.T) {
	n := &recordingNotifier{err: ErrUndeliverable}
	dir := &recordingDirectory{}
	c := NewCourier(n, dir, testLogger())

	err := c.Deliver(context.Background(), storage.Recipient{ID: "boss", AcceptsNotifications: true, IsAdmin: true}, "hello")
	assert.ErrorIs(t, err, ErrUndeliverable)
	assert.Empty(t, dir.disabled)
}

func TestCourierTransientFailureKeepsRecipient(t *testing.T) {
	n := &recordingNotifier{err: errors.New("timeout")}
	dir := &recordingDirectory{}
	c := NewCourier(n, dir, testLogger())

	err := c.Deliver(context.Background(), storage.Recipient{ID: "owner", AcceptsNotifications: true}, "hello")
	require.Error(t, err)
	assert.Empty(t, dir.disabled)
}
