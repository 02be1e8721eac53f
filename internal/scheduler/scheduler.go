package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// CheckFunc is invoked once per check cycle with the cycle's bucket start.
type CheckFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToBucket fires on wall-clock multiples of Interval (e.g. every
	// full minute) instead of Interval after start.
	AlignToBucket bool
	StartupDelay  time.Duration
	// RunOnStart performs one check immediately after the startup delay.
	RunOnStart bool
}

// Validate checks the options before the loop starts.
func (o Options) Validate() error {
	if o.Interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	if o.StartupDelay < 0 {
		return errors.New("scheduler startup delay cannot be negative")
	}
	return nil
}

// Scheduler drives the periodic market-change checks.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{opts: opts, now: time.Now, logger: logger.With().Str("component", "scheduler").Logger()}, nil
}

// Run blocks, invoking check on every cycle until ctx is cancelled. Cycles
// never overlap: a check that overruns its interval causes the missed
// buckets to be skipped rather than queued.
func (s *Scheduler) Run(ctx context.Context, check CheckFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.fire(ctx, check, s.Bucket(s.now().UTC()))
	}

	next := s.Next(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			skipped := next
			next = s.Next(s.now().UTC())
			s.logger.Warn().Time("missed_bucket", skipped).Time("next_bucket", next).Msg("check overran interval, skipping bucket")
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, check, s.Bucket(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, check CheckFunc, bucket time.Time) {
	s.logger.Info().Time("bucket", bucket).Msg("executing scheduled check")
	if err := check(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("check failed")
	}
}

// Next returns the first firing time strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

// Bucket maps a firing time onto the start of its interval.
func (s *Scheduler) Bucket(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
