package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"market-change-alerts/internal/fetcher"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/service"
	"market-change-alerts/internal/storage"
)

// simulatedExpiry keeps the synthetic option far from the 0DTE cutover.
const simulatedExpiry = 30 * 24 * time.Hour

// SimulateAlert 通过给定的前后读数模拟一次完整检测并推送告警。
// The run uses an in-memory store so production history is never touched.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (service.Report, error) {
	if !a.Config.Alerting.Enabled {
		return service.Report{}, errors.New("alerting 未启用")
	}
	if !opts.Family.Valid() {
		return service.Report{}, fmt.Errorf("unknown family %q", opts.Family)
	}
	if opts.Previous <= 0 || opts.Current <= 0 {
		return service.Report{}, errors.New("--previous 与 --current 必须大于 0")
	}

	settings, err := a.Settings()
	if err != nil {
		return service.Report{}, err
	}
	asset := strings.ToUpper(strings.TrimSpace(opts.Asset))
	if asset == "" {
		asset = settings.Assets[0]
	}
	settings.Assets = []string{asset}
	settings.PriceEnabled = true

	now := time.Now().UTC().Truncate(time.Millisecond)
	clock := now.Add(-settings.Window)
	tick := func() time.Time { return clock }

	mkt := &fetcher.StaticMarket{Snapshot: simulatedMarket(opts.Family, asset, opts.Previous, now)}
	pool := &fetcher.StaticLiquidity{Snapshot: simulatedPool(opts.Family, opts.Previous)}
	store := storage.NewMemoryStore(tick)

	svc, err := service.New(service.Options{
		Settings:  settings,
		Market:    mkt,
		Liquidity: pool,
		Store:     store,
		Locker:    store,
		Notifier:  a.newNotifier(),
		Clock:     tick,
	}, nil, a.Logger)
	if err != nil {
		return service.Report{}, err
	}

	run := svc.RunLiquidityChangeCheck
	if opts.Family == market.SpotPrice || opts.Family == market.FuturesPrice || opts.Family == market.AtmMarkIV {
		run = svc.RunPriceVolatilityCheck
	}

	// seed the baseline one window back, then replay the move at now
	if seed := run(ctx); seed.Err != nil {
		return seed, fmt.Errorf("seed baseline: %w", seed.Err)
	}
	clock = now
	mkt.Snapshot = simulatedMarket(opts.Family, asset, opts.Current, now)
	pool.Snapshot = simulatedPool(opts.Family, opts.Current)

	report := run(ctx)
	a.Logger.Info().
		Str("family", string(opts.Family)).
		Float64("previous", opts.Previous).
		Float64("current", opts.Current).
		Int("alerts", len(report.Result.Alerts)).
		Bool("notified", report.Result.Notified).
		Msg("simulation finished")
	return report, report.Err
}

// simulatedMarket holds every price family at 100 except the simulated one.
func simulatedMarket(family market.Family, asset string, value float64, now time.Time) market.MarketSnapshot {
	spot, futures, iv := 100.0, 100.0, 0.5
	switch family {
	case market.SpotPrice:
		spot = value
	case market.FuturesPrice:
		futures = value
	case market.AtmMarkIV:
		iv = value
	}

	surface := market.Surface{}
	// single strike so the ATM pick stays fixed while spot moves
	surface.Set(asset, market.Call, now.Add(simulatedExpiry).Truncate(24*time.Hour).Unix(), 100, iv)
	return market.MarketSnapshot{
		Spot:    map[string]float64{asset: spot},
		Futures: map[string]float64{asset: futures},
		Surface: surface,
	}
}

func simulatedPool(family market.Family, value float64) market.LiquiditySnapshot {
	snap := market.LiquiditySnapshot{SharePrice: 1, DepositedValue: 1_000_000}
	switch family {
	case market.PoolSharePrice:
		snap.SharePrice = value
	case market.PoolDepositedValue:
		snap.DepositedValue = value
	}
	return snap
}
