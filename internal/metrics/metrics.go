// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"hintpilot/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SelectionTotal counts selections by outcome ("model" or a fallback reason).
	SelectionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hintpilot_selection_total",
		Help: "Arm selections by outcome",
	}, []string{"result"})

	// SelectionDuration tracks end-to-end selection latency.
	SelectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hintpilot_selection_duration_seconds",
		Help:    "Arm selection duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// ProbeTotal counts single-arm probes by result.
	ProbeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hintpilot_probe_total",
		Help: "Plan probes by result",
	}, []string{"result"})

	// ProbeDuration tracks single-arm probe latency.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hintpilot_probe_duration_seconds",
		Help:    "Plan probe duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"timed"})

	// TrainingRowsTotal counts training rows by what happened to them.
	TrainingRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hintpilot_training_rows_total",
		Help: "Training rows by result",
	}, []string{"result"})

	// CollectionStepsTotal counts completed collection steps.
	CollectionStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hintpilot_collection_steps_total",
		Help: "Completed training collection steps",
	})

	// RetrainTotal counts retrain attempts by result.
	RetrainTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hintpilot_retrain_total",
		Help: "Model retrains by result",
	}, []string{"result"})
)

// Serve exposes /metrics on addr until ctx is done. An empty addr is a no-op.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.Warnf("metrics listener shutdown: %v", err)
		}
	}()
	util.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
