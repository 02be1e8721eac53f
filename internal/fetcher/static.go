package fetcher

import (
	"context"

	"market-change-alerts/internal/market"
)

// StaticMarket replays a fixed snapshot. Used by simulate-alert.
type StaticMarket struct {
	Snapshot market.MarketSnapshot
	Err      error
}

func (s StaticMarket) FetchMarket(context.Context) (market.MarketSnapshot, error) {
	return s.Snapshot, s.Err
}

// StaticLiquidity replays a fixed pool reading.
type StaticLiquidity struct {
	Snapshot market.LiquiditySnapshot
	Err      error
}

func (s StaticLiquidity) FetchLiquidity(context.Context) (market.LiquiditySnapshot, error) {
	return s.Snapshot, s.Err
}

var (
	_ MarketSource    = StaticMarket{}
	_ LiquiditySource = StaticLiquidity{}
)
