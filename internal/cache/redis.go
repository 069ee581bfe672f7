// Package cache mirrors the latest aggregate of every pair into Redis and announces it on a
// pub/sub channel for downstream consumers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/storage"
)

const defaultPrefix = "oraclewatch"

// client is the subset of *redis.Client the publisher uses.
type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Aggregate is the JSON document stored per pair.
type Aggregate struct {
	RunID            int64     `json:"run_id"`
	ChainID          int64     `json:"chain_id"`
	Contract         string    `json:"contract"`
	Median           string    `json:"median"`
	Mean             string    `json:"mean"`
	SourceCount      int       `json:"source_count"`
	UsedCount        int       `json:"used_count"`
	DiscardedSources []string  `json:"discarded_sources"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	PublishedAt      time.Time `json:"published_at"`
}

// Publisher writes aggregates to Redis.
type Publisher struct {
	client client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// New dials Redis and verifies the connection. The TTL bounds how long a stale aggregate stays
// visible; it should match the freshness horizon.
func New(ctx context.Context, cfg config.RedisConfig, ttl time.Duration, logger zerolog.Logger) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Addr, err)
	}

	p := newPublisher(rdb, cfg.KeyPrefix, ttl, logger)
	p.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Dur("ttl", ttl).Msg("aggregate cache connected")
	return p, nil
}

func newPublisher(c client, prefix string, ttl time.Duration, logger zerolog.Logger) *Publisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Publisher{
		client: c,
		prefix: prefix,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "aggregate_cache").Logger(),
	}
}

// Key returns the cache key of a pair's latest aggregate.
func (p *Publisher) Key(pair storage.PairKey) string {
	return fmt.Sprintf("%s:aggregate:%d:%s", p.prefix, pair.ChainID, pair.Contract)
}

// Channel is the pub/sub channel announcing new aggregates.
func (p *Publisher) Channel() string {
	return p.prefix + ":aggregates"
}

// PublishAggregate stores agg under its pair key and announces it.
func (p *Publisher) PublishAggregate(ctx context.Context, agg storage.PriceAggregate) error {
	discarded := agg.DiscardedSources
	if discarded == nil {
		discarded = []string{}
	}
	doc := Aggregate{
		RunID:            agg.RunID,
		ChainID:          agg.Pair.ChainID,
		Contract:         agg.Pair.Contract,
		Median:           agg.Median.String(),
		Mean:             agg.Mean.String(),
		SourceCount:      agg.SourceCount,
		UsedCount:        agg.UsedCount,
		DiscardedSources: discarded,
		WindowStart:      agg.WindowStart.UTC(),
		WindowEnd:        agg.WindowEnd.UTC(),
		PublishedAt:      p.now(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}

	key := p.Key(agg.Pair)
	if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := p.client.Publish(ctx, p.Channel(), data).Err(); err != nil {
		// the key is already current; subscribers will catch up on the next run
		p.logger.Warn().Err(err).Str("channel", p.Channel()).Msg("aggregate announce failed")
	}
	return nil
}

// Health pings Redis.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}
