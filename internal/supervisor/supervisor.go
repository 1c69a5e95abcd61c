// Package supervisor implements component C6: it spawns and supervises
// N worker processes, restarting crashed workers under a bounded rate
// and forwarding shutdown signals with a grace period (spec §4.6).
//
// Workers are independent OS processes, not goroutines: the spec
// explicitly scopes this to a single host with process-level isolation
// between workers, so a worker's crash (panic, OOM kill, segfault in a
// child command) cannot corrupt the supervisor or its siblings.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/queuectl/queuectl/internal/concurrency"
	"github.com/queuectl/queuectl/internal/metrics"
)

// WorkerArgs builds the command-line arguments passed to a spawned
// worker process, given its assigned worker ID. The Supervisor is
// agnostic to the worker binary's flag surface; cmd/queuectl supplies
// this.
type WorkerArgs func(workerID string) []string

// Config controls Supervisor behavior.
type Config struct {
	// Count is the number of worker processes to keep running.
	Count int

	// BinaryPath is the executable to (re-)exec for each worker slot.
	// Typically os.Executable() of the running binary, re-invoked with
	// a hidden subcommand (self-exec pattern).
	BinaryPath string

	// Args builds the subcommand argv for a given worker ID.
	Args WorkerArgs

	// GracePeriod is how long a worker is given to exit after SIGTERM
	// before the Supervisor escalates to SIGKILL (spec §4.6).
	GracePeriod time.Duration

	// RestartBurst and RestartPerSecond bound how fast a crash-looping
	// worker slot may be restarted, so a persistently failing worker
	// cannot spin the host. Defaults to 1 burst, 1 every 10s.
	RestartBurst     int
	RestartPerSecond float64
}

func (c Config) gracePeriod() time.Duration {
	if c.GracePeriod <= 0 {
		return 10 * time.Second
	}
	return c.GracePeriod
}

func (c Config) restartLimiter() *rate.Limiter {
	burst := c.RestartBurst
	if burst <= 0 {
		burst = 1
	}
	perSecond := c.RestartPerSecond
	if perSecond <= 0 {
		perSecond = 0.1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Supervisor owns a pool of worker OS processes.
type Supervisor struct {
	cfg  Config
	log  *slog.Logger
	pool *concurrency.WorkerPool[int]
}

// New constructs a Supervisor. Run must be called to actually spawn
// workers.
func New(cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:  cfg,
		log:  log,
		pool: concurrency.NewWorkerPool[int](cfg.Count, cfg.Count, log),
	}
}

// Run spawns cfg.Count worker slots and blocks until ctx is cancelled
// and every worker has exited (politely, then forcefully after
// GracePeriod).
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info("supervisor starting", "worker_count", s.cfg.Count)
	metrics.WorkersActive.Set(float64(s.cfg.Count))
	s.pool.Start(ctx, s.runSlot)
	for i := 0; i < s.cfg.Count; i++ {
		s.pool.Push(i)
	}
	<-ctx.Done()
	<-s.pool.Stop()
	metrics.WorkersActive.Set(0)
	s.log.Info("supervisor stopped")
}

// runSlot is the per-slot supervision loop: spawn, wait, and on
// unexpected exit, restart under the rate limiter, until ctx is
// cancelled.
func (s *Supervisor) runSlot(ctx context.Context, slot int) {
	workerID := fmt.Sprintf("worker-%d", slot)
	log := s.log.With("worker_id", workerID)
	limiter := s.cfg.restartLimiter()

	for {
		if ctx.Err() != nil {
			return
		}
		exitErr := s.spawnAndWait(ctx, workerID, log)
		if ctx.Err() != nil {
			return
		}
		if exitErr != nil {
			log.Warn("worker process exited unexpectedly, restarting", "err", exitErr)
		} else {
			log.Warn("worker process exited cleanly without shutdown signal, restarting")
		}
		metrics.WorkerRestarts.Inc()
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
}

func (s *Supervisor) spawnAndWait(ctx context.Context, workerID string, log *slog.Logger) error {
	cmd := exec.Command(s.cfg.BinaryPath, s.cfg.Args(workerID)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		log.Error("failed to spawn worker process", "err", err)
		return err
	}
	log.Info("worker process spawned", "pid", cmd.Process.Pid)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		return err
	case <-ctx.Done():
		terminate(cmd)
		select {
		case <-waitDone:
		case <-time.After(s.cfg.gracePeriod()):
			log.Warn("worker did not exit within grace period, killing", "pid", cmd.Process.Pid)
			kill(cmd)
			<-waitDone
		}
		return nil
	}
}
