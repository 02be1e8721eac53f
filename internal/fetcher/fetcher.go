package fetcher

import (
	"context"
	"errors"

	"market-change-alerts/internal/market"
)

// ErrMissingField marks an upstream document lacking a required section.
var ErrMissingField = errors.New("fetcher: missing field")

// MarketSource retrieves spot, futures and the option IV surface.
type MarketSource interface {
	FetchMarket(ctx context.Context) (market.MarketSnapshot, error)
}

// LiquiditySource retrieves the pool share price and deposited value.
type LiquiditySource interface {
	FetchLiquidity(ctx context.Context) (market.LiquiditySnapshot, error)
}
