package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"market-change-alerts/internal/alerting"
	"market-change-alerts/internal/detector"
	"market-change-alerts/internal/fetcher"
	"market-change-alerts/internal/monitoring"
	"market-change-alerts/internal/scheduler"
	"market-change-alerts/internal/storage"
)

const (
	// PriceVolatility is the spot, futures and ATM mark IV pipeline.
	PriceVolatility = "price_volatility"
	// LiquidityChange is the pool deposited value and share price pipeline.
	LiquidityChange = "liquidity_change"

	internalErrorTitle = "Error during checking market change"
)

// Outcome classifies a pipeline invocation.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomeLocked   Outcome = "skipped_locked"
	OutcomeDisabled Outcome = "disabled"
)

// Report is what one pipeline invocation produced.
type Report struct {
	Pipeline string
	Outcome  Outcome
	Result   detector.Result
	Err      error
}

// Errors joins the failures of a RunAll pass.
func Errors(reports []Report) error {
	var errs []error
	for _, r := range reports {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Pipeline, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Options wire the orchestrator's collaborators.
type Options struct {
	Settings  detector.Settings
	Market    fetcher.MarketSource
	Liquidity fetcher.LiquiditySource
	Store     storage.Store
	// Locker is optional; without it only in-process duplicates collapse.
	Locker   storage.Locker
	Notifier alerting.Notifier
	// Clock defaults to time.Now.
	Clock      func() time.Time
	RunTimeout time.Duration
}

// Service orchestrates the two detector pipelines.
type Service struct {
	scheduler *scheduler.Scheduler
	price     *detector.Pipeline
	liquidity *detector.Pipeline
	settings  detector.Settings
	locker    storage.Locker
	notifier  alerting.Notifier
	clock     func() time.Time
	timeout   time.Duration
	flight    singleflight.Group
	logger    zerolog.Logger
}

// New constructs the orchestrator. sched may be nil for one-shot use.
func New(opts Options, sched *scheduler.Scheduler, logger zerolog.Logger) (*Service, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("detector settings: %w", err)
	}
	if opts.Store == nil {
		return nil, storage.ErrNotConfigured
	}
	if opts.Market == nil || opts.Liquidity == nil {
		return nil, errors.New("market and liquidity sources are required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	price := detector.NewPipeline(PriceVolatility, "Price volatility detected",
		detector.MarketCollector{Source: opts.Market, Assets: opts.Settings.Assets},
		opts.Store, opts.Notifier, opts.Settings, logger)
	liquidity := detector.NewPipeline(LiquidityChange, "Liquidity change detected",
		detector.LiquidityCollector{Source: opts.Liquidity},
		opts.Store, opts.Notifier, opts.Settings, logger)

	return &Service{
		scheduler: sched,
		price:     price,
		liquidity: liquidity,
		settings:  opts.Settings,
		locker:    opts.Locker,
		notifier:  opts.Notifier,
		clock:     clock,
		timeout:   opts.RunTimeout,
		logger:    logger.With().Str("component", "service").Logger(),
	}, nil
}

// Run begins the aligned check loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行一次调度周期内的全部检测。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	reports := s.RunAll(ctx)
	for _, r := range reports {
		s.logger.Debug().Time("bucket", bucket).Str("pipeline", r.Pipeline).Str("outcome", string(r.Outcome)).Msg("pipeline finished")
	}
	return Errors(reports)
}

// RunPriceVolatilityCheck runs the price pipeline unless it is switched off.
func (s *Service) RunPriceVolatilityCheck(ctx context.Context) Report {
	if !s.settings.PriceEnabled {
		monitoring.PipelineRuns.WithLabelValues(PriceVolatility, string(OutcomeDisabled)).Inc()
		s.logger.Debug().Msg("price volatility detector disabled")
		return Report{Pipeline: PriceVolatility, Outcome: OutcomeDisabled}
	}
	return s.runGuarded(ctx, s.price)
}

// RunLiquidityChangeCheck runs the pool pipeline.
func (s *Service) RunLiquidityChangeCheck(ctx context.Context) Report {
	return s.runGuarded(ctx, s.liquidity)
}

// RunAll runs both pipelines concurrently. A failure in one never cancels
// or alters the other.
func (s *Service) RunAll(ctx context.Context) []Report {
	reports := make([]Report, 2)
	var g errgroup.Group
	g.Go(func() error {
		reports[0] = s.RunPriceVolatilityCheck(ctx)
		return nil
	})
	g.Go(func() error {
		reports[1] = s.RunLiquidityChangeCheck(ctx)
		return nil
	})
	_ = g.Wait()
	return reports
}

func (s *Service) runGuarded(ctx context.Context, p *detector.Pipeline) Report {
	v, _, shared := s.flight.Do(p.Name(), func() (interface{}, error) {
		return s.execute(ctx, p), nil
	})
	if shared {
		s.logger.Debug().Str("pipeline", p.Name()).Msg("joined in-flight run")
	}
	return v.(Report)
}

func (s *Service) execute(ctx context.Context, p *detector.Pipeline) (report Report) {
	name := p.Name()
	report.Pipeline = name
	start := time.Now()
	now := s.clock().UTC().Truncate(time.Millisecond)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("pipeline", name).Str("stack", string(debug.Stack())).Msg("pipeline panicked")
			report.Outcome = OutcomeFailed
			report.Err = fmt.Errorf("panic: %v", r)
			s.reportFailure(name, now, report.Err)
		}
		monitoring.PipelineRuns.WithLabelValues(name, string(report.Outcome)).Inc()
		monitoring.RunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx, name, s.settings.LockTTL)
		if err != nil {
			report.Outcome = OutcomeFailed
			report.Err = fmt.Errorf("acquire run lock: %w", err)
			s.reportFailure(name, now, report.Err)
			return report
		}
		if !acquired {
			s.logger.Info().Str("pipeline", name).Msg("skip run because lock held elsewhere")
			report.Outcome = OutcomeLocked
			return report
		}
		defer unlock()
	}

	res, err := p.Run(ctx, now)
	report.Result = res
	if err != nil {
		report.Outcome = OutcomeFailed
		report.Err = err
		s.reportFailure(name, now, err)
		return report
	}
	report.Outcome = OutcomeOK
	return report
}

// reportFailure logs the error and sends the internal-error notification.
func (s *Service) reportFailure(pipeline string, at time.Time, cause error) {
	s.logger.Error().Err(cause).Str("pipeline", pipeline).Msg("pipeline run failed")
	if s.notifier == nil {
		return
	}

	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	note := alerting.Notification{
		Title:     internalErrorTitle,
		Body:      fmt.Sprintf("%s: %v", pipeline, cause),
		Severity:  alerting.SeverityError,
		Source:    pipeline,
		Timestamp: at,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("pipeline", pipeline).Msg("failed to dispatch internal error notification")
	}
}
