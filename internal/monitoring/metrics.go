package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "changewatch"

// PipelineRuns counts detector runs by pipeline and outcome (ok, failed, skipped_locked, disabled).
var PipelineRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "runs_total",
		Help:      "Detector pipeline runs by outcome",
	},
	[]string{"pipeline", "outcome"},
)

// RunDuration observes wall time of a pipeline run.
var RunDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "run_duration_seconds",
		Help:      "Detector pipeline run duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"pipeline"},
)

// AlertsFired counts alerting instances by family.
var AlertsFired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "alerts_total",
		Help:      "Instances that crossed their threshold",
	},
	[]string{"family"},
)

// SkippedInstances counts instances that produced no verdict.
var SkippedInstances = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "skipped_instances_total",
		Help:      "Instances skipped by guard conditions or missing data",
	},
	[]string{"family", "reason"},
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
