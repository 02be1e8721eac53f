package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-change-alerts/internal/alerting"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/monitoring"
	"market-change-alerts/internal/storage"
)

// Pipeline runs read-history, evaluate, notify and commit for one group of
// families.
type Pipeline struct {
	name      string
	title     string
	collector Collector
	store     storage.Store
	notifier  alerting.Notifier
	settings  Settings
	logger    zerolog.Logger
}

// NewPipeline constructs a pipeline.
func NewPipeline(name, title string, collector Collector, store storage.Store, notifier alerting.Notifier, settings Settings, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		name:      name,
		title:     title,
		collector: collector,
		store:     store,
		notifier:  notifier,
		settings:  settings,
		logger:    logger.With().Str("component", "detector").Str("pipeline", name).Logger(),
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Result summarises one run.
type Result struct {
	RunID    string
	At       time.Time
	Alerts   []Alert
	Message  Message
	Notified bool
	Skipped  int
}

// Run executes one pass at the given instant. Every read and write of the
// run uses now so the NotificationRecord timestamps match the snapshot
// appended alongside them.
func (p *Pipeline) Run(ctx context.Context, now time.Time) (Result, error) {
	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()
	families := p.collector.Families()
	res := Result{RunID: runID, At: now}

	records, err := p.store.LoadNotifications(ctx, families)
	if err != nil {
		return res, fmt.Errorf("load notification records: %w", err)
	}
	plan := PlanBaselines(families, records, now, p.settings.Window)

	var (
		previous   []*market.Snapshot
		extraction Extraction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snaps, err := p.store.QuerySnapshots(gctx, plan.Queries())
		if err != nil {
			return fmt.Errorf("query baseline snapshots: %w", err)
		}
		previous = snaps
		return nil
	})
	g.Go(func() error {
		ex, err := p.collector.Collect(gctx)
		if err != nil {
			return err
		}
		extraction = ex
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	for _, issue := range extraction.Issues {
		logger.Warn().Str("family", string(issue.Family)).Str("instance", issue.Key.Encode()).Str("reason", issue.Reason).Msg("dropping upstream value")
	}
	for asset, skipErr := range extraction.Skipped {
		monitoring.SkippedInstances.WithLabelValues(string(market.AtmMarkIV), string(SkipAtmUnavailable)).Inc()
		logger.Warn().Err(skipErr).Str("asset", asset).Msg("skipping mark iv instances for asset")
	}

	baselines := plan.Resolve(previous)
	for _, family := range families {
		for _, key := range extraction.Targets[family] {
			rk := market.RecordKey{Family: family, Key: key}
			current, ok := extraction.Values[family][key]
			if !ok {
				res.Skipped++
				continue
			}
			baseline, found := baselines.Lookup(rk)
			verdict := Evaluate(rk, current, baseline, found, p.settings.Thresholds, now)
			if verdict.Reason != SkipNone {
				res.Skipped++
				monitoring.SkippedInstances.WithLabelValues(string(family), string(verdict.Reason)).Inc()
				event := logger.Warn()
				if verdict.Reason == SkipNoBaseline {
					event = logger.Debug()
				}
				event.Str("instance", rk.String()).Float64("current", current).Float64("baseline", baseline).
					Str("reason", string(verdict.Reason)).Msg("instance skipped")
				continue
			}
			if !verdict.Fire {
				continue
			}
			alert := verdict.Alert
			alert.State = plan.State(rk)
			res.Alerts = append(res.Alerts, alert)
			monitoring.AlertsFired.WithLabelValues(string(family)).Inc()
		}
	}

	res.Message = Compose(res.Alerts, p.settings.Broadcast)

	var notifyErr error
	if !res.Message.Empty() && p.notifier != nil {
		notifyErr = p.notifier.Notify(ctx, alerting.Notification{
			Title:         p.title,
			Body:          res.Message.Body,
			Severity:      alerting.SeverityInfo,
			BroadcastWide: res.Message.HighPriority,
			Source:        p.name,
			Timestamp:     now,
		})
		res.Notified = notifyErr == nil
	}

	// An undelivered alert must not start a debounce window.
	fired := res.Alerts
	if notifyErr != nil {
		fired = nil
	}
	batch := BuildCommit(now, p.settings.Retention, families, extraction.Values, fired)
	if err := p.store.Commit(ctx, batch); err != nil {
		return res, fmt.Errorf("commit run: %w", err)
	}
	if notifyErr != nil {
		return res, fmt.Errorf("deliver notification: %w", notifyErr)
	}

	logger.Info().
		Time("at", now).
		Int("alerts", len(res.Alerts)).
		Int("skipped", res.Skipped).
		Bool("high_priority", res.Message.HighPriority).
		Msg("detector run committed")
	return res, nil
}
