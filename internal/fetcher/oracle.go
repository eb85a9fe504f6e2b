package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-alerts/internal/storage"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OracleOptions parameterise the on-chain price source. Feeds maps an
// instrument id to its AggregatorV3 feed contract address.
type OracleOptions struct {
	RPCURL       string
	Feeds        map[string]string
	Timeout      time.Duration
	MaxStaleness time.Duration
}

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Oracle reads prices from Chainlink-style aggregator feeds via Ethereum RPC.
type Oracle struct {
	opts      OracleOptions
	logger    zerolog.Logger
	caller    contractCaller
	clientMux sync.Mutex
	decimals  map[common.Address]int32
	now       func() time.Time
}

// NewOracle builds a new on-chain price source.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	return &Oracle{
		opts:     opts,
		logger:   logger.With().Str("component", "oracle_source").Logger(),
		decimals: make(map[common.Address]int32),
		now:      time.Now,
	}
}

// FetchPrice implements PriceSource.
func (o *Oracle) FetchPrice(ctx context.Context, instrument string) (Quote, error) {
	if o.opts.RPCURL == "" && o.caller == nil {
		return Quote{}, fmt.Errorf("%w: ethereum rpc url not configured", ErrMetricUnavailable)
	}
	feed, ok := o.opts.Feeds[strings.ToLower(instrument)]
	if !ok || !common.IsHexAddress(feed) {
		return Quote{}, fmt.Errorf("%w: no oracle feed for %s", ErrUnsupported, instrument)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := o.getCaller(ctx)
	if err != nil {
		return Quote{}, transient(fmt.Errorf("%w: dial rpc: %v", ErrMetricUnavailable, err))
	}

	addr := common.HexToAddress(feed)
	dec, err := o.feedDecimals(ctx, caller, addr)
	if err != nil {
		return Quote{}, err
	}

	outputs, err := call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 5 {
		return Quote{}, fmt.Errorf("%w: unexpected latestRoundData response", ErrMetricUnavailable)
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, fmt.Errorf("%w: failed to decode answer", ErrMetricUnavailable)
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, fmt.Errorf("%w: failed to decode updatedAt", ErrMetricUnavailable)
	}
	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: non-positive oracle answer for %s", ErrMetricUnavailable, instrument)
	}

	updated := time.Unix(updatedAt.Int64(), 0).UTC()
	if o.opts.MaxStaleness > 0 {
		if age := o.now().Sub(updated); age > o.opts.MaxStaleness {
			o.logger.Debug().Str("instrument", instrument).Dur("age", age).Msg("discarding stale round")
			return Quote{}, fmt.Errorf("%w: %s round updated %s ago", ErrStale, instrument, age.Truncate(time.Second))
		}
	}

	return Quote{
		Value:      decimal.NewFromBigInt(answer, -dec),
		ObservedAt: updated,
		Source:     "oracle",
	}, nil
}

// FetchVolume implements VolumeSource. Aggregator feeds carry no volume.
func (o *Oracle) FetchVolume(context.Context, string, storage.Window) (Quote, error) {
	return Quote{}, fmt.Errorf("%w: oracle has no volume feed", ErrUnsupported)
}

func (o *Oracle) feedDecimals(ctx context.Context, caller contractCaller, addr common.Address) (int32, error) {
	o.clientMux.Lock()
	dec, ok := o.decimals[addr]
	o.clientMux.Unlock()
	if ok {
		return dec, nil
	}

	outputs, err := call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("%w: unexpected decimals response", ErrMetricUnavailable)
	}
	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: failed to decode decimals", ErrMetricUnavailable)
	}

	o.clientMux.Lock()
	o.decimals[addr] = int32(raw)
	o.clientMux.Unlock()
	return int32(raw), nil
}

func call(ctx context.Context, caller contractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, transient(fmt.Errorf("%w: %s call: %v", ErrMetricUnavailable, method, err))
	}
	outputs, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrMetricUnavailable, method, err)
	}
	return outputs, nil
}

func (o *Oracle) getCaller(ctx context.Context) (contractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.caller != nil {
		return o.caller, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.caller = client
	return client, nil
}

var _ MetricSource = (*Oracle)(nil)
