package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	simplejson "github.com/bitly/go-simplejson"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/storage"
)

const pairIDVar = "${pair_id}"

// DatasourceOptions parameterise the HTTP datasource fetcher.
type DatasourceOptions struct {
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	UserAgent      string
	APIKeys        map[string]string
}

// DatasourceOptionsFromConfig maps fetch settings to options.
func DatasourceOptionsFromConfig(cfg config.FetchConfig) DatasourceOptions {
	return DatasourceOptions{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffMin:     cfg.BackoffMin,
		BackoffMax:     cfg.BackoffMax,
		UserAgent:      cfg.UserAgent,
		APIKeys:        cfg.APIKeys,
	}
}

// Catalog lists datasource endpoints and their pair mappings.
type Catalog interface {
	DatasourceAPIs(ctx context.Context) ([]storage.DatasourceAPI, error)
	AllDatasourcePairs(ctx context.Context) ([]storage.DatasourcePair, error)
}

// FetchStats summarises one fetch pass.
type FetchStats struct {
	Sources int
	Prices  int64
	Errors  int64
}

// Datasources fetches prices from registry-described JSON endpoints.
type Datasources struct {
	opts     DatasourceOptions
	client   *http.Client
	catalog  Catalog
	producer Producer
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDatasources builds the datasource fetcher.
func NewDatasources(opts DatasourceOptions, catalog Catalog, producer Producer, logger zerolog.Logger) *Datasources {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Datasources{
		opts:     opts,
		client:   &http.Client{Timeout: timeout},
		catalog:  catalog,
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "datasource_fetcher").Logger(),
	}
}

// FetchAll fetches every source mapped to an active pair. Sources run concurrently on a
// bounded pool; a failing source never stops the others.
func (d *Datasources) FetchAll(ctx context.Context, runID int64, active []storage.Pair) (FetchStats, error) {
	apis, err := d.catalog.DatasourceAPIs(ctx)
	if err != nil {
		return FetchStats{}, fmt.Errorf("datasource apis: %w", err)
	}
	mappings, err := d.catalog.AllDatasourcePairs(ctx)
	if err != nil {
		return FetchStats{}, fmt.Errorf("datasource pairs: %w", err)
	}

	activeSet := make(map[storage.PairKey]struct{}, len(active))
	for _, p := range active {
		activeSet[p.Key] = struct{}{}
	}
	bySource := make(map[string][]storage.DatasourcePair)
	for _, m := range mappings {
		if _, ok := activeSet[m.Pair]; !ok {
			continue
		}
		if strings.TrimSpace(m.DatasourcePairID) == "" {
			d.logger.Warn().Str("source", m.Source).Str("pair", m.Pair.String()).Msg("mapping without datasource pair id skipped")
			continue
		}
		bySource[m.Source] = append(bySource[m.Source], m)
	}
	byName := make(map[string]storage.DatasourceAPI, len(apis))
	for _, api := range apis {
		byName[strings.ToLower(api.Name)] = api
	}

	sources := make([]string, 0, len(bySource))
	for name := range bySource {
		sources = append(sources, name)
	}
	sort.Strings(sources)

	var prices, failures atomic.Int64
	pool := pond.NewPool(d.opts.Workers, pond.WithQueueSize(d.opts.QueueSize))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, name := range sources {
		rows := bySource[name]
		api, ok := byName[strings.ToLower(name)]
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			var good, bad int64
			if !ok {
				bad = d.failAll(groupCtx, runID, name, rows, fmt.Errorf("no API metadata for %s", name))
			} else {
				good, bad = d.fetchSource(groupCtx, runID, api, rows)
			}
			prices.Add(good)
			failures.Add(bad)
			d.logger.Info().Str("source", name).Int64("prices", good).Int64("errors", bad).Msg("datasource fetched")
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Warn().Err(err).Msg("datasource fetch group ended with error")
	}

	stats := FetchStats{Sources: len(sources), Prices: prices.Load(), Errors: failures.Load()}
	return stats, ctx.Err()
}

// fetchSource handles one datasource. When the response path is keyed by the pair id every
// mapped id is fetched in one request; otherwise each id is its own request.
func (d *Datasources) fetchSource(ctx context.Context, runID int64, api storage.DatasourceAPI, rows []storage.DatasourcePair) (ok, bad int64) {
	if strings.TrimSpace(api.BaseURL) == "" || strings.TrimSpace(api.ResponsePath) == "" {
		return 0, d.failAll(ctx, runID, api.Name, rows, fmt.Errorf("%s: base_url or response_path missing", api.Name))
	}
	headers := d.headers(api)

	if strings.Contains(api.ResponsePath, pairIDVar) {
		ids := uniqueIDs(rows)
		body, err := d.getJSON(ctx, strings.ReplaceAll(api.BaseURL, pairIDVar, strings.Join(ids, ",")), headers)
		if err != nil {
			return 0, d.failAll(ctx, runID, api.Name, rows, err)
		}
		for _, row := range rows {
			path := strings.ReplaceAll(api.ResponsePath, pairIDVar, strings.TrimSpace(row.DatasourcePairID))
			if d.record(ctx, runID, api.Name, row, body, path) {
				ok++
			} else {
				bad++
			}
		}
		return ok, bad
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return ok, bad
		}
		url := strings.ReplaceAll(api.BaseURL, pairIDVar, strings.TrimSpace(row.DatasourcePairID))
		body, err := d.getJSON(ctx, url, headers)
		if err != nil {
			d.reportError(ctx, runID, api.Name, row, err)
			bad++
			continue
		}
		if d.record(ctx, runID, api.Name, row, body, api.ResponsePath) {
			ok++
		} else {
			bad++
		}
	}
	return ok, bad
}

func (d *Datasources) record(ctx context.Context, runID int64, source string, row storage.DatasourcePair, body *simplejson.Json, path string) bool {
	price, err := ExtractPrice(body, path)
	if err != nil {
		d.reportError(ctx, runID, source, row, fmt.Errorf("path %s: %w", path, err))
		return false
	}
	if err := d.producer.RecordSnapshot(ctx, runID, row.Pair, source, price, d.now()); err != nil {
		d.logger.Error().Err(err).Str("source", source).Str("pair", row.Pair.String()).Msg("record snapshot failed")
		return false
	}
	return true
}

func (d *Datasources) failAll(ctx context.Context, runID int64, source string, rows []storage.DatasourcePair, err error) int64 {
	for _, row := range rows {
		d.reportError(ctx, runID, source, row, err)
	}
	return int64(len(rows))
}

func (d *Datasources) reportError(ctx context.Context, runID int64, source string, row storage.DatasourcePair, detail error) {
	if err := d.producer.RecordFetchError(ctx, runID, row.Pair, source, detail); err != nil {
		d.logger.Error().Err(err).Str("source", source).Str("pair", row.Pair.String()).Msg("record fetch error failed")
	}
}

func (d *Datasources) headers(api storage.DatasourceAPI) map[string]string {
	if len(api.Headers) == 0 {
		return nil
	}
	key := d.opts.APIKeys[strings.ToLower(api.Name)]
	out := make(map[string]string, len(api.Headers))
	for k, v := range api.Headers {
		out[k] = strings.ReplaceAll(v, "${api_key}", key)
	}
	return out
}

// getJSON performs a GET with retries on transport errors, 429 and 5xx responses.
func (d *Datasources) getJSON(ctx context.Context, url string, headers map[string]string) (*simplejson.Json, error) {
	b := &backoff.Backoff{Min: d.opts.BackoffMin, Max: d.opts.BackoffMax, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		body, retry, err := d.get(ctx, url, headers)
		if err == nil {
			return body, nil
		}
		if !retry || attempt >= d.opts.MaxAttempts {
			return nil, err
		}
		wait := b.Duration()
		d.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("url", url).Msg("retrying datasource request")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (d *Datasources) get(ctx context.Context, url string, headers map[string]string) (*simplejson.Json, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oraclewatch/1.0")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, parseHTTPError(resp.StatusCode, payload)
	}
	body, err := simplejson.NewJson(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	return body, false, nil
}

// ExtractPrice walks a dotted path ("data.tickers[0].last" or "data.tickers.0.last") and
// parses the value as a positive decimal. Numeric strings are accepted.
func ExtractPrice(body *simplejson.Json, path string) (decimal.Decimal, error) {
	cur := body
	for _, seg := range splitPath(path) {
		if idx, err := strconv.Atoi(seg); err == nil {
			if _, arrErr := cur.Array(); arrErr == nil {
				cur = cur.GetIndex(idx)
				continue
			}
		}
		cur = cur.Get(seg)
	}

	var (
		price decimal.Decimal
		err   error
	)
	switch v := cur.Interface().(type) {
	case json.Number:
		price, err = decimal.NewFromString(v.String())
	case string:
		price, err = decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		price = decimal.NewFromFloat(v)
	case nil:
		return decimal.Decimal{}, fmt.Errorf("%w: missing", ErrInvalidPrice)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unexpected %T", ErrInvalidPrice, v)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	return price, nil
}

func splitPath(path string) []string {
	norm := strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(norm, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func uniqueIDs(rows []storage.DatasourcePair) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		id := strings.TrimSpace(r.DatasourcePairID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, text := range []string{apiErr.Message, apiErr.Error, apiErr.Msg} {
			if text != "" {
				return fmt.Errorf("datasource http error (%d): %s", status, text)
			}
		}
	}
	if len(payload) > 0 {
		text := strings.TrimSpace(string(payload))
		if len(text) > 200 {
			text = text[:200]
		}
		return fmt.Errorf("datasource http error (%d): %s", status, text)
	}
	return fmt.Errorf("datasource http error (%d)", status)
}
