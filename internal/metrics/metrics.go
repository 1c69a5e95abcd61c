// Package metrics exposes optional Prometheus counters and gauges for
// the queue. internal/store updates the job counters on every state
// transition and internal/supervisor updates the worker gauge and
// restart counter; Serve exposes them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_enqueued_total",
		Help: "Total number of jobs enqueued.",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_completed_total",
		Help: "Total number of jobs that exited zero.",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_retried_total",
		Help: "Total number of attempts that failed but left retries remaining.",
	})
	JobsDead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_dead_total",
		Help: "Total number of jobs that exhausted their retry budget.",
	})
	JobsRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_requeued_total",
		Help: "Total number of dead jobs moved back to pending by an explicit requeue.",
	})
	JobsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_jobs_reaped_total",
		Help: "Total number of jobs recovered from a worker that stopped reporting.",
	})
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queuectl_job_duration_seconds",
		Help:    "Distribution of single-attempt command execution time.",
		Buckets: prometheus.DefBuckets,
	})
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queuectl_workers_active",
		Help: "Number of worker processes currently supervised.",
	})
	WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queuectl_worker_restarts_total",
		Help: "Total number of times the supervisor restarted a crashed worker process.",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued,
		JobsCompleted,
		JobsRetried,
		JobsDead,
		JobsRequeued,
		JobsReaped,
		JobDuration,
		WorkersActive,
		WorkerRestarts,
	)
}

// Serve starts an HTTP server exposing /metrics on addr and blocks
// until ctx is cancelled or the server fails. A blank addr disables
// the endpoint entirely; Serve returns nil immediately.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
