package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/storage"
)

const fluxAggregatorABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getOracles","outputs":[{"name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"_oracle","type":"address"},{"name":"_queriedRoundId","type":"uint32"}],"name":"oracleRoundState","outputs":[{"name":"_eligibleToSubmit","type":"bool"},{"name":"_roundId","type":"uint32"},{"name":"_latestSubmission","type":"int256"},{"name":"_startedAt","type":"uint64"},{"name":"_timeout","type":"uint64"},{"name":"_availableFunds","type":"uint128"},{"name":"_oracleCount","type":"uint8"},{"name":"_paymentAmount","type":"uint128"}],"stateMutability":"view","type":"function"}
]`

var fluxAggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(fluxAggregatorABIJSON))
	if err != nil {
		panic("failed to parse FluxAggregator ABI: " + err.Error())
	}
	fluxAggregatorABI = parsed
}

// Dialer opens a contract caller for an RPC endpoint.
type Dialer func(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error)

func dialEthclient(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// OracleOptions parameterise the aggregator reader.
type OracleOptions struct {
	RPCURLs        map[int64]string
	RequestTimeout time.Duration
	Throttle       time.Duration
	Workers        int
}

// OracleOptionsFromConfig maps oracle settings. Keys that are not chain ids are ignored; a
// chain without a configured URL falls back to the RPCURL_<chain> environment variable.
func OracleOptionsFromConfig(cfg config.OracleConfig, workers int) OracleOptions {
	urls := make(map[int64]string, len(cfg.RPCURLs))
	for k, v := range cfg.RPCURLs {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		urls[id] = strings.TrimSpace(v)
	}
	return OracleOptions{RPCURLs: urls, RequestTimeout: cfg.RequestTimeout, Throttle: cfg.Throttle, Workers: workers}
}

// ParticipantDirectory lists the participants known for a pair.
type ParticipantDirectory interface {
	ParticipantsFor(ctx context.Context, pair storage.PairKey) ([]string, error)
}

// OracleOption configures the reader.
type OracleOption func(*Oracles)

// WithDialer replaces the RPC dialer.
func WithDialer(d Dialer) OracleOption {
	return func(o *Oracles) { o.dial = d }
}

// Oracles reads participant submissions from FluxAggregator contracts.
type Oracles struct {
	opts      OracleOptions
	directory ParticipantDirectory
	producer  Producer
	dial      Dialer
	now       func() time.Time
	logger    zerolog.Logger

	clientsMu sync.Mutex
	clients   map[int64]ethereum.ContractCaller
	decimals  *xsync.Map[storage.PairKey, int32]
}

// NewOracles constructs the aggregator reader.
func NewOracles(opts OracleOptions, directory ParticipantDirectory, producer Producer, logger zerolog.Logger, options ...OracleOption) *Oracles {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	o := &Oracles{
		opts:      opts,
		directory: directory,
		producer:  producer,
		dial:      dialEthclient,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "oracle_reader").Logger(),
		clients:   make(map[int64]ethereum.ContractCaller),
		decimals:  xsync.NewMap[storage.PairKey, int32](),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// FetchAll reads every active pair. One aggregator's failure does not stop the others.
func (o *Oracles) FetchAll(ctx context.Context, runID int64, active []storage.Pair) (FetchStats, error) {
	var prices, failures atomic.Int64
	pool := pond.NewPool(o.opts.Workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, p := range active {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			good, bad, err := o.fetchPair(groupCtx, runID, p.Key)
			if err != nil {
				o.logger.Error().Err(err).Str("pair", p.Key.String()).Msg("aggregator read failed")
				bad += o.failKnown(groupCtx, runID, p.Key, err)
			}
			prices.Add(good)
			failures.Add(bad)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		o.logger.Warn().Err(err).Msg("oracle fetch group ended with error")
	}
	return FetchStats{Sources: len(active), Prices: prices.Load(), Errors: failures.Load()}, ctx.Err()
}

// fetchPair records the latest submission of every participant the aggregator reports that is
// also known to the registry.
func (o *Oracles) fetchPair(ctx context.Context, runID int64, pair storage.PairKey) (good, bad int64, err error) {
	caller, err := o.caller(ctx, pair.ChainID)
	if err != nil {
		return 0, 0, err
	}
	known, err := o.directory.ParticipantsFor(ctx, pair)
	if err != nil {
		return 0, 0, fmt.Errorf("participants for %s: %w", pair, err)
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, p := range known {
		knownSet[strings.ToLower(p)] = struct{}{}
	}

	contract := common.HexToAddress(pair.Contract)
	round, err := o.latestRound(ctx, caller, contract)
	if err != nil {
		return 0, 0, err
	}
	oracles, err := o.getOracles(ctx, caller, contract)
	if err != nil {
		return 0, 0, err
	}
	decimals, err := o.decimalsFor(ctx, caller, pair, contract)
	if err != nil {
		return 0, 0, err
	}

	for i, addr := range oracles {
		participant := strings.ToLower(addr.Hex())
		if _, ok := knownSet[participant]; !ok {
			o.logger.Debug().Str("pair", pair.String()).Str("participant", participant).Msg("unknown participant skipped")
			continue
		}
		if i > 0 && o.opts.Throttle > 0 {
			select {
			case <-ctx.Done():
				return good, bad, ctx.Err()
			case <-time.After(o.opts.Throttle):
			}
		}

		submission, err := o.latestSubmission(ctx, caller, contract, addr, round)
		if err != nil {
			bad++
			if recErr := o.producer.RecordOracleFetchError(ctx, runID, pair, participant, err); recErr != nil {
				o.logger.Error().Err(recErr).Str("participant", participant).Msg("record oracle fetch error failed")
			}
			continue
		}
		price := decimal.NewFromBigInt(submission, -decimals)
		if err := o.producer.RecordOracleSnapshot(ctx, runID, pair, participant, price, o.now()); err != nil {
			bad++
			o.logger.Error().Err(err).Str("participant", participant).Msg("record oracle snapshot failed")
			continue
		}
		good++
	}
	return good, bad, nil
}

func (o *Oracles) failKnown(ctx context.Context, runID int64, pair storage.PairKey, detail error) int64 {
	known, err := o.directory.ParticipantsFor(ctx, pair)
	if err != nil {
		return 0
	}
	for _, p := range known {
		if err := o.producer.RecordOracleFetchError(ctx, runID, pair, strings.ToLower(p), detail); err != nil {
			o.logger.Error().Err(err).Str("participant", p).Msg("record oracle fetch error failed")
		}
	}
	return int64(len(known))
}

func (o *Oracles) caller(ctx context.Context, chainID int64) (ethereum.ContractCaller, error) {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	if c, ok := o.clients[chainID]; ok {
		return c, nil
	}
	url := o.opts.RPCURLs[chainID]
	if url == "" {
		url = strings.TrimSpace(os.Getenv(fmt.Sprintf("RPCURL_%d", chainID)))
	}
	if url == "" {
		return nil, fmt.Errorf("no rpc url configured for chain %d", chainID)
	}
	c, err := o.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	o.clients[chainID] = c
	return c, nil
}

func (o *Oracles) call(ctx context.Context, caller ethereum.ContractCaller, contract common.Address, method string, args ...any) ([]any, error) {
	payload, err := fluxAggregatorABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if o.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RequestTimeout)
		defer cancel()
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	out, err := fluxAggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// latestRound returns the round to query, or 0 (current) when the id does not fit uint32.
func (o *Oracles) latestRound(ctx context.Context, caller ethereum.ContractCaller, contract common.Address) (uint32, error) {
	out, err := o.call(ctx, caller, contract, "latestRoundData")
	if err != nil {
		return 0, err
	}
	id, ok := out[0].(*big.Int)
	if !ok || !id.IsUint64() || id.Uint64() > math.MaxUint32 {
		return 0, nil
	}
	return uint32(id.Uint64()), nil
}

func (o *Oracles) getOracles(ctx context.Context, caller ethereum.ContractCaller, contract common.Address) ([]common.Address, error) {
	out, err := o.call(ctx, caller, contract, "getOracles")
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, errors.New("failed to decode getOracles output")
	}
	return addrs, nil
}

func (o *Oracles) decimalsFor(ctx context.Context, caller ethereum.ContractCaller, pair storage.PairKey, contract common.Address) (int32, error) {
	if d, ok := o.decimals.Load(pair); ok {
		return d, nil
	}
	out, err := o.call(ctx, caller, contract, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	o.decimals.Store(pair, int32(d))
	return int32(d), nil
}

func (o *Oracles) latestSubmission(ctx context.Context, caller ethereum.ContractCaller, contract, oracle common.Address, round uint32) (*big.Int, error) {
	out, err := o.call(ctx, caller, contract, "oracleRoundState", oracle, round)
	if err != nil {
		return nil, err
	}
	if len(out) < 3 {
		return nil, errors.New("unexpected oracleRoundState response")
	}
	sub, ok := out[2].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode latest submission")
	}
	return sub, nil
}
