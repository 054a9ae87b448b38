// Package metrics exposes Prometheus collectors for the queue and ingestion
// pipeline. The listener is optional and off by default.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksProcessed counts run_once outcomes per task type.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recapd",
		Subsystem: "queue",
		Name:      "tasks_processed_total",
		Help:      "Task executions by outcome.",
	}, []string{"outcome"})

	// TaskDuration observes attempt wall-clock durations.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recapd",
		Subsystem: "queue",
		Name:      "task_duration_seconds",
		Help:      "Attempt duration by task type.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"task_type"})

	// QueueDepth tracks tasks per status, refreshed by the worker pool.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recapd",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks per status.",
	}, []string{"status"})

	// ArticlesIngested counts upsert actions across ingestion runs.
	ArticlesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recapd",
		Subsystem: "ingest",
		Name:      "articles_total",
		Help:      "Article upserts by action.",
	}, []string{"action"})

	// GapsOpened counts ingestion gaps by error code.
	GapsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recapd",
		Subsystem: "ingest",
		Name:      "gaps_opened_total",
		Help:      "Ingestion gaps opened by error code.",
	}, []string{"error_code"})
)

// Serve runs the /metrics listener until ctx is done. addr empty disables it.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
