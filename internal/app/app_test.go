package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"market-change-alerts/internal/config"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/service"
	"market-change-alerts/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Detector: config.DetectorConfig{
			Window:    time.Hour,
			Retention: 2 * time.Hour,
			Assets:    []string{" btc ", "eth"},
			Sensitivities: map[string]float64{
				"spot":         0.05,
				"futures":      0.05,
				"pool_dv":      0.05,
				"pool_price":   0.05,
				"mark_iv":      0.10,
				"mark_iv_0dte": 0.20,
			},
			ZeroDTECutover:       "08:00",
			ZeroDTETimezone:      "UTC",
			PriceDetectorEnabled: true,
			BroadcastFamilies:    []string{"pool_dv", "pool_price"},
			LockTTL:              2 * time.Minute,
		},
		Store:    config.StoreConfig{Driver: "memory"},
		Alerting: config.AlertingConfig{Enabled: true},
		Export:   config.ExportConfig{MaxDataPoints: 1000},
	}
}

func TestSettingsFromConfig(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())

	settings, err := a.Settings()
	require.NoError(t, err)
	require.Equal(t, []string{"BTC", "ETH"}, settings.Assets)
	require.Equal(t, 0.05, settings.Thresholds.Generic[market.PoolSharePrice])
	require.Equal(t, 0.20, settings.Thresholds.MarkIV0DTE)
	require.Equal(t, 8, settings.Thresholds.CutoverHour)
	require.True(t, settings.Broadcast[market.PoolDepositedValue])
	require.False(t, settings.Broadcast[market.SpotPrice])
}

func TestSettingsRejectsUnknownBroadcastFamily(t *testing.T) {
	cfg := testConfig()
	cfg.Detector.BroadcastFamilies = []string{"olp"}
	_, err := NewApp(cfg, zerolog.Nop()).Settings()
	require.Error(t, err)
}

func TestSimulateAlertFires(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())

	report, err := a.SimulateAlert(context.Background(), SimulateOptions{
		Family:   market.PoolSharePrice,
		Previous: 1.0,
		Current:  0.9,
	})
	require.NoError(t, err)
	require.Equal(t, service.OutcomeOK, report.Outcome)
	require.Len(t, report.Result.Alerts, 1)
	require.True(t, report.Result.Message.HighPriority)
	require.True(t, report.Result.Notified)

	report, err = a.SimulateAlert(context.Background(), SimulateOptions{
		Family:   market.AtmMarkIV,
		Asset:    "eth",
		Previous: 0.5,
		Current:  0.52,
	})
	require.NoError(t, err)
	require.Empty(t, report.Result.Alerts)
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Enabled = false
	_, err := NewApp(cfg, zerolog.Nop()).SimulateAlert(context.Background(), SimulateOptions{Family: market.SpotPrice, Previous: 1, Current: 2})
	require.Error(t, err)
}

func TestRenderShowsRecordsWithState(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(func() time.Time { return now })

	require.NoError(t, store.Commit(ctx, storage.CommitBatch{
		At:        now.Add(-10 * time.Minute),
		Retention: 2 * time.Hour,
		Snapshots: []market.Snapshot{{
			Family:    market.SpotPrice,
			Timestamp: now.Add(-10 * time.Minute),
			Values:    market.Values{market.AssetKey("BTC"): 42000},
		}},
		Notified: []market.RecordKey{{Family: market.SpotPrice, Key: market.AssetKey("BTC")}},
	}))

	var out bytes.Buffer
	require.NoError(t, a.render(ctx, &out, store, store, ShowOptions{Families: []market.Family{market.SpotPrice}, Limit: 5}, now))
	require.Contains(t, out.String(), "BTC=42000")
	require.Contains(t, out.String(), "hot")
}

func TestCollectPointsAnnotatesChange(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	ctx := context.Background()
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	now := start
	store := storage.NewMemoryStore(func() time.Time { return now })

	for i, v := range []float64{100, 101, 110} {
		at := start.Add(time.Duration(i) * 30 * time.Minute)
		now = at
		require.NoError(t, store.Commit(ctx, storage.CommitBatch{
			At:        at,
			Retention: 2 * time.Hour,
			Snapshots: []market.Snapshot{{Family: market.SpotPrice, Timestamp: at, Values: market.Values{market.AssetKey("BTC"): v}}},
		}))
	}

	points, err := a.collectPoints(ctx, store, market.SpotPrice, market.AssetKey("BTC"), start, start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.False(t, points[0].HasChange)
	require.False(t, points[1].HasChange)
	require.True(t, points[2].HasChange)
	require.InDelta(t, 10.0, points[2].ChangePct, 1e-9)

	require.Len(t, downsamplePoints(points, 2), 2)
}
