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
	"golang.org/x/sync/errgroup"

	"market-change-alerts/internal/market"
)

const (
	// getOlpStats returns per-pool stat arrays; element 0 of the first array is the share price.
	viewAggregatorABIJSON = `[{"inputs":[],"name":"getOlpStats","outputs":[{"internalType":"uint256[]","name":"sOlp","type":"uint256[]"},{"internalType":"uint256[]","name":"mOlp","type":"uint256[]"},{"internalType":"uint256[]","name":"lOlp","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`

	// getTotalOlpAssetUsd returns seven USD figures; index 6 is the deposited total.
	olpManagerABIJSON = `[{"inputs":[{"internalType":"bool","name":"maximise","type":"bool"}],"name":"getTotalOlpAssetUsd","outputs":[{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

	defaultScaleDecimals = 30

	depositedValueIndex = 6
)

var (
	viewAggregatorABI abi.ABI
	olpManagerABI     abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(viewAggregatorABIJSON))
	if err != nil {
		panic("failed to parse view aggregator ABI: " + err.Error())
	}
	viewAggregatorABI = parsed

	parsed, err = abi.JSON(strings.NewReader(olpManagerABIJSON))
	if err != nil {
		panic("failed to parse olp manager ABI: " + err.Error())
	}
	olpManagerABI = parsed
}

// PoolOptions parameterise the on-chain liquidity reader.
type PoolOptions struct {
	RPCURL                string
	ViewAggregatorAddress string
	OlpManagerAddress     string
	// ScaleDecimals is the fixed-point scale of the raw integers; 0 means 30.
	ScaleDecimals int32
	Timeout       time.Duration
}

// Pool reads share price and deposited value of the liquidity pool via Ethereum RPC.
type Pool struct {
	opts      PoolOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewPool builds a new liquidity reader.
func NewPool(opts PoolOptions, logger zerolog.Logger) *Pool {
	return &Pool{opts: opts, logger: logger.With().Str("component", "pool_fetcher").Logger()}
}

// FetchLiquidity issues both contract calls concurrently.
func (p *Pool) FetchLiquidity(ctx context.Context) (market.LiquiditySnapshot, error) {
	if p.opts.RPCURL == "" {
		return market.LiquiditySnapshot{}, errors.New("pool rpc url not configured")
	}
	if p.opts.ViewAggregatorAddress == "" || p.opts.OlpManagerAddress == "" {
		return market.LiquiditySnapshot{}, errors.New("pool contract addresses not configured")
	}

	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return market.LiquiditySnapshot{}, err
	}

	var sharePrice, deposited *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outputs, err := call(gctx, client, viewAggregatorABI, p.opts.ViewAggregatorAddress, "getOlpStats")
		if err != nil {
			return err
		}
		stats, ok := outputs[0].([]*big.Int)
		if !ok || len(stats) == 0 {
			return errors.New("failed to decode getOlpStats output")
		}
		sharePrice = stats[0]
		return nil
	})
	g.Go(func() error {
		outputs, err := call(gctx, client, olpManagerABI, p.opts.OlpManagerAddress, "getTotalOlpAssetUsd", true)
		if err != nil {
			return err
		}
		if len(outputs) <= depositedValueIndex {
			return errors.New("unexpected getTotalOlpAssetUsd response")
		}
		value, ok := outputs[depositedValueIndex].(*big.Int)
		if !ok {
			return errors.New("failed to decode getTotalOlpAssetUsd output")
		}
		deposited = value
		return nil
	})
	if err := g.Wait(); err != nil {
		return market.LiquiditySnapshot{}, err
	}

	scale := p.opts.ScaleDecimals
	if scale <= 0 {
		scale = defaultScaleDecimals
	}
	snap := market.LiquiditySnapshot{
		SharePrice:     decimal.NewFromBigInt(sharePrice, -scale).InexactFloat64(),
		DepositedValue: decimal.NewFromBigInt(deposited, -scale).InexactFloat64(),
	}
	p.logger.Debug().Float64("share_price", snap.SharePrice).Float64("deposited_value", snap.DepositedValue).Msg("pool state fetched")
	return snap, nil
}

func call(ctx context.Context, client *ethclient.Client, contract abi.ABI, address, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	addr := common.HexToAddress(address)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return outputs, nil
}

func (p *Pool) getClient(ctx context.Context) (*ethclient.Client, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

var _ LiquiditySource = (*Pool)(nil)
