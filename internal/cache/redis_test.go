package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/storage"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type fakeClient struct {
	sets       []setCall
	published  map[string][][]byte
	setErr     error
	publishErr error
}

func (f *fakeClient) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.sets = append(f.sets, setCall{key: key, value: value.([]byte), ttl: ttl})
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, f.publishErr)
}

func (f *fakeClient) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (f *fakeClient) Close() error { return nil }

func sampleAggregate() storage.PriceAggregate {
	start := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	return storage.PriceAggregate{
		RunID:            12,
		Pair:             storage.NewPairKey(50, "0xFEED"),
		WindowStart:      start,
		WindowEnd:        start.Add(3 * time.Hour),
		Median:           decimal.RequireFromString("1.2345"),
		Mean:             decimal.RequireFromString("1.2"),
		SourceCount:      3,
		UsedCount:        2,
		DiscardedSources: []string{"kraken"},
	}
}

func TestPublishAggregateSetsKeyAndAnnounces(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "watch:", 3*time.Hour, zerolog.Nop())
	agg := sampleAggregate()

	require.NoError(t, p.PublishAggregate(context.Background(), agg))

	require.Len(t, fc.sets, 1)
	assert.Equal(t, "watch:aggregate:50:"+agg.Pair.Contract, fc.sets[0].key)
	assert.Equal(t, 3*time.Hour, fc.sets[0].ttl)

	var doc Aggregate
	require.NoError(t, json.Unmarshal(fc.sets[0].value, &doc))
	assert.Equal(t, "1.2345", doc.Median)
	assert.Equal(t, int64(50), doc.ChainID)
	assert.Equal(t, []string{"kraken"}, doc.DiscardedSources)
	assert.Len(t, fc.published["watch:aggregates"], 1)
}

func TestPublishAggregateFailsOnlyWhenSetFails(t *testing.T) {
	fc := &fakeClient{publishErr: errors.New("no subscribers allowed")}
	p := newPublisher(fc, "", time.Hour, zerolog.Nop())
	assert.NoError(t, p.PublishAggregate(context.Background(), sampleAggregate()))
	assert.Equal(t, "oraclewatch:aggregates", p.Channel())

	fc.setErr = errors.New("READONLY")
	assert.ErrorContains(t, p.PublishAggregate(context.Background(), sampleAggregate()), "READONLY")
}
