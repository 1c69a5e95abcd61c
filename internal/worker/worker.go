// Package worker implements the poll/claim/execute/record loop run by
// each worker process (spec §4.5, component C5).
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/queuectl/queuectl/internal/concurrency"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/job"
	"github.com/queuectl/queuectl/internal/store"
)

// Store is the subset of *store.Store a Worker depends on, so tests
// can substitute a fake without spinning up SQLite.
type Store interface {
	ClaimOne(ctx context.Context, workerID string) (*job.Job, error)
	RecordOutcome(ctx context.Context, id uuid.UUID, workerID string, outcome executor.Outcome) error
}

// Config controls a Worker's polling and execution behavior.
type Config struct {
	// ID identifies this worker in claimed jobs' worker_id column.
	// Set by the Supervisor at spawn time as "worker-<slot>" and passed
	// to the worker process via -id.
	ID string

	// PollInterval is the base delay between empty-queue poll attempts.
	// Defaults to 500ms.
	PollInterval time.Duration

	// PollJitter widens PollInterval by +/- this fraction, to avoid
	// thundering-herd polling when several workers are idle at once.
	// Defaults to 0.2.
	PollJitter float64

	// CommandTimeout bounds each job's execution (spec §4.5: "Timeout
	// defaults to unbounded unless the job or worker configures one").
	// Zero means unbounded.
	CommandTimeout time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return c.PollInterval
}

func (c Config) pollJitter() float64 {
	if c.PollJitter <= 0 {
		return 0.2
	}
	return c.PollJitter
}

// Worker repeatedly claims and executes jobs until its context is
// cancelled. It holds no goroutines of its own beyond the one driven
// by concurrency.TimerTask; callers (the worker-exec entrypoint) run
// it on the process's main goroutine.
type Worker struct {
	store Store
	cfg   Config
	log   *slog.Logger

	timer concurrency.TimerTask
}

// New constructs a Worker. cfg.ID must be non-empty and unique among
// concurrently running workers against the same store.
func New(s Store, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: s, cfg: cfg, log: log.With("worker_id", cfg.ID)}
}

// Run blocks, polling for work every PollInterval (jittered) until ctx
// is cancelled, at which point it waits for any in-flight job
// execution to finish before returning.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker starting")
	w.timer.Start(ctx, w.tick, w.jitteredInterval())
	<-ctx.Done()
	<-w.timer.Stop()
	w.log.Info("worker stopped")
}

func (w *Worker) jitteredInterval() time.Duration {
	base := w.cfg.pollInterval()
	f := w.cfg.pollJitter()
	offset := (rand.Float64()*2 - 1) * f * float64(base)
	d := time.Duration(float64(base) + offset)
	if d <= 0 {
		d = base
	}
	return d
}

func (w *Worker) tick(ctx context.Context) {
	for {
		claimed, err := w.store.ClaimOne(ctx, w.cfg.ID)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			w.log.Error("claim_one failed", "err", err)
			return
		}
		if claimed == nil {
			return
		}
		w.execute(ctx, claimed)
		if ctx.Err() != nil {
			return
		}
		// Keep draining while work is available rather than waiting
		// for the next poll tick.
	}
}

func (w *Worker) execute(ctx context.Context, j *job.Job) {
	log := w.log.With("job_id", j.ID, "attempt", j.Attempts+1)
	log.Info("executing job", "command", j.Command)

	// Execution uses a background context so that a shutdown signal lets
	// the in-flight command run to completion (or its CommandTimeout).
	outcome := executor.Execute(context.Background(), j.Command, w.cfg.CommandTimeout)

	log = log.With("outcome", outcome.Kind.String(), "duration", outcome.Duration)
	if outcome.Retryable() {
		log.Warn("job attempt failed", "exit_code", outcome.ExitCode, "message", outcome.Message)
	} else {
		log.Info("job attempt succeeded")
	}

	// RecordOutcome uses a background context: a cancelled worker
	// context must not prevent persisting the result of work already
	// performed, or the job would be silently reaped and retried
	// despite having actually completed.
	if err := w.store.RecordOutcome(context.Background(), j.ID, w.cfg.ID, outcome); err != nil {
		log.Error("record_outcome failed", "err", err)
	}
}
