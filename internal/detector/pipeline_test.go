package detector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-change-alerts/internal/alerting"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/storage"
)

type feed struct {
	snap market.MarketSnapshot
	err  error
}

func (f *feed) FetchMarket(context.Context) (market.MarketSnapshot, error) {
	return f.snap, f.err
}

type recorder struct {
	notes []alerting.Notification
	err   error
}

func (r *recorder) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

type failingCommit struct {
	storage.Store
}

func (failingCommit) Commit(context.Context, storage.CommitBatch) error {
	return errors.New("connection reset")
}

func testSettings() Settings {
	return Settings{
		Window:       time.Hour,
		Retention:    2 * time.Hour,
		Assets:       []string{"BTC"},
		Thresholds:   defaultThresholds(),
		Broadcast:    map[market.Family]bool{market.PoolDepositedValue: true, market.PoolSharePrice: true},
		PriceEnabled: true,
		LockTTL:      time.Minute,
	}
}

func btcMarket(spot, atmIV float64) market.MarketSnapshot {
	surface := market.Surface{}
	surface.Set("BTC", market.Call, expiryFar, 80, 0.7)
	surface.Set("BTC", market.Call, expiryFar, 100, atmIV)
	surface.Set("BTC", market.Call, expiryFar, 120, 0.7)
	return market.MarketSnapshot{
		Spot:    map[string]float64{"BTC": spot},
		Futures: map[string]float64{"BTC": spot},
		Surface: surface,
	}
}

func newTestPipeline(src *feed, store storage.Store, notifier alerting.Notifier) *Pipeline {
	return NewPipeline("price_volatility", "Price volatility detected",
		MarketCollector{Source: src, Assets: []string{"BTC"}}, store, notifier, testSettings(), zerolog.Nop())
}

func TestPipelineCompositeMessage(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	store := storage.NewMemoryStore(func() time.Time { return clock })
	src := &feed{snap: btcMarket(100, 0.5)}
	notes := &recorder{}
	p := newTestPipeline(src, store, notes)

	res, err := p.Run(ctx, t0)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if len(res.Alerts) != 0 || len(notes.notes) != 0 {
		t.Fatal("first run has no baseline and must stay silent")
	}

	t1 := t0.Add(time.Hour)
	clock = t1
	// futures unchanged, spot +6% with ATM still at 100, IV +12%
	src.snap = btcMarket(106, 0.56)
	src.snap.Futures["BTC"] = 100

	res, err = p.Run(ctx, t1)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(res.Alerts) != 2 {
		t.Fatalf("expected spot and IV alerts, got %#v", res.Alerts)
	}
	if len(notes.notes) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notes.notes))
	}
	body := notes.notes[0].Body
	if !strings.Contains(body, "[spot] BTC: +6.00% up") || !strings.Contains(body, "[mark-iv] BTC-") {
		t.Fatalf("body should contain both lines: %q", body)
	}
	if notes.notes[0].BroadcastWide {
		t.Fatal("price alerts are not broadcast")
	}

	records, err := store.LoadNotifications(ctx, market.PriceFamilies)
	if err != nil {
		t.Fatalf("load records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected records for the two fired instances, got %#v", records)
	}
}

func TestPipelineNotifyFailureSkipsRecords(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(func() time.Time { return t0 })
	src := &feed{snap: btcMarket(100, 0.5)}
	notes := &recorder{err: errors.New("telegram down")}
	p := newTestPipeline(src, store, notes)

	if _, err := p.Run(ctx, t0); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}

	t1 := t0.Add(time.Hour)
	src.snap = btcMarket(110, 0.5)
	if _, err := p.Run(ctx, t1); err == nil {
		t.Fatal("undelivered notification should surface as an error")
	}

	snaps, _ := store.QuerySnapshots(ctx, []storage.SnapshotQuery{{Family: market.SpotPrice, At: t1, Exact: true}})
	if snaps[0] == nil {
		t.Fatal("snapshot should still be committed")
	}
	records, _ := store.LoadNotifications(ctx, market.PriceFamilies)
	if len(records) != 0 {
		t.Fatalf("no record may be written for an undelivered alert, got %#v", records)
	}
}

func TestPipelineCommitFailureLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	mem := storage.NewMemoryStore(func() time.Time { return t0 })
	src := &feed{snap: btcMarket(100, 0.5)}
	if _, err := newTestPipeline(src, mem, &recorder{}).Run(ctx, t0); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}

	t1 := t0.Add(time.Hour)
	src.snap = btcMarket(120, 0.5)
	p := newTestPipeline(src, failingCommit{Store: mem}, &recorder{})
	if _, err := p.Run(ctx, t1); err == nil {
		t.Fatal("commit failure must fail the run")
	}

	snaps, _ := mem.QuerySnapshots(ctx, []storage.SnapshotQuery{{Family: market.SpotPrice, At: t1, Exact: true}})
	records, _ := mem.LoadNotifications(ctx, market.PriceFamilies)
	if snaps[0] != nil || len(records) != 0 {
		t.Fatalf("failed commit left partial state: snapshot=%v records=%v", snaps[0], records)
	}
}

func TestPipelineSourceFailure(t *testing.T) {
	t0 := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(func() time.Time { return t0 })
	p := newTestPipeline(&feed{err: errors.New("s3 timeout")}, store, &recorder{})

	if _, err := p.Run(context.Background(), t0); err == nil {
		t.Fatal("source failure must fail the run")
	}
	recent, _ := store.ListRecentSnapshots(context.Background(), market.SpotPrice, 1)
	if len(recent) != 0 {
		t.Fatal("nothing may be committed when the source fails")
	}
}
