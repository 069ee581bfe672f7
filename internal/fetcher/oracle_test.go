package fetcher

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-health-alerts/internal/config"
	"oracle-health-alerts/internal/storage"
)

var (
	feedAddr = "0x00000000000000000000000000000000000000aa"
	nodeA    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	nodeB    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	nodeC    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeAggregator struct {
	t           *testing.T
	submissions map[common.Address]*big.Int
	failing     map[common.Address]bool
	rounds      []uint32
	calls       map[string]int
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	for name, method := range fluxAggregatorABI.Methods {
		if !bytes.Equal(msg.Data[:4], method.ID) {
			continue
		}
		f.calls[name]++
		switch name {
		case "latestRoundData":
			return method.Outputs.Pack(big.NewInt(42), big.NewInt(1), big.NewInt(0), big.NewInt(0), big.NewInt(42))
		case "getOracles":
			return method.Outputs.Pack([]common.Address{nodeA, nodeB, nodeC})
		case "decimals":
			return method.Outputs.Pack(uint8(8))
		case "oracleRoundState":
			args, err := method.Inputs.Unpack(msg.Data[4:])
			require.NoError(f.t, err)
			addr := args[0].(common.Address)
			f.rounds = append(f.rounds, args[1].(uint32))
			if f.failing[addr] {
				return nil, errors.New("execution reverted")
			}
			return method.Outputs.Pack(false, uint32(42), f.submissions[addr], uint64(0), uint64(0), big.NewInt(0), uint8(3), big.NewInt(0))
		}
	}
	return nil, errors.New("unknown selector")
}

type staticParticipants map[storage.PairKey][]string

func (s staticParticipants) ParticipantsFor(_ context.Context, pair storage.PairKey) ([]string, error) {
	return s[pair], nil
}

func TestOraclesRecordKnownParticipants(t *testing.T) {
	pair := storage.NewPairKey(1, feedAddr)
	agg := &fakeAggregator{
		t: t,
		submissions: map[common.Address]*big.Int{
			nodeA: big.NewInt(200012345678),
			nodeB: big.NewInt(199900000000),
		},
		failing: map[common.Address]bool{nodeB: true},
	}
	var dialed []string
	dialer := func(_ context.Context, url string) (ethereum.ContractCaller, error) {
		dialed = append(dialed, url)
		return agg, nil
	}
	directory := staticParticipants{pair: {nodeA.Hex(), strings.ToLower(nodeB.Hex())}}

	producer := &fakeProducer{}
	reader := NewOracles(OracleOptions{RPCURLs: map[int64]string{1: "http://rpc.local"}, Workers: 1}, directory, producer, zerolog.Nop(), WithDialer(dialer))

	stats, err := reader.FetchAll(context.Background(), 5, []storage.Pair{{Key: pair, Active: true}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Prices)
	assert.EqualValues(t, 1, stats.Errors)
	assert.Equal(t, []string{"http://rpc.local"}, dialed)
	assert.Equal(t, []uint32{42, 42}, agg.rounds, "unknown participant is never queried")

	require.Len(t, producer.oracle, 1)
	assert.Equal(t, strings.ToLower(nodeA.Hex()), producer.oracle[0].source)
	assert.True(t, decimal.RequireFromString("2000.12345678").Equal(producer.oracle[0].price))
	assert.Contains(t, producer.failures, strings.ToLower(nodeB.Hex())+"|"+pair.Contract)

	_, err = reader.FetchAll(context.Background(), 6, []storage.Pair{{Key: pair, Active: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, agg.calls["decimals"], "decimals are cached per pair")
	assert.Len(t, dialed, 1, "clients are reused per chain")
}

func TestOraclesWithoutRPCFailEveryKnownParticipant(t *testing.T) {
	t.Setenv("RPCURL_999", "")
	pair := storage.NewPairKey(999, feedAddr)
	directory := staticParticipants{pair: {"0xaaa", "0xbbb"}}
	producer := &fakeProducer{}
	reader := NewOracles(OracleOptions{}, directory, producer, zerolog.Nop())

	stats, err := reader.FetchAll(context.Background(), 1, []storage.Pair{{Key: pair, Active: true}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Prices)
	assert.EqualValues(t, 2, stats.Errors)
	require.Len(t, producer.failures, 2)
	for _, detail := range producer.failures {
		assert.Contains(t, detail.Error(), "no rpc url configured for chain 999")
	}
}

func TestOracleOptionsFromConfigSkipsNonNumericChains(t *testing.T) {
	opts := OracleOptionsFromConfig(config.OracleConfig{RPCURLs: map[string]string{"1": " http://a ", "main": "http://b", "10": ""}}, 3)
	assert.Equal(t, map[int64]string{1: "http://a"}, opts.RPCURLs)
	assert.Equal(t, 3, opts.Workers)
}
