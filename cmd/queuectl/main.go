// Command queuectl runs the single-host job queue: the worker
// supervisor, the hidden worker process entrypoint, and an operator
// CLI over the control API (spec §4.7).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/queuectl/queuectl/internal/backoff"
	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/config"
	"github.com/queuectl/queuectl/internal/controlapi"
	"github.com/queuectl/queuectl/internal/metrics"
	"github.com/queuectl/queuectl/internal/store"
	"github.com/queuectl/queuectl/internal/supervisor"
	"github.com/queuectl/queuectl/internal/worker"
)

var version = "dev"

// workerExecCmd is the hidden subcommand name the Supervisor self-execs
// this binary with for each worker slot. It is not documented in
// usage output; operators run "worker" or "initdb" etc, never this.
const workerExecCmd = "worker-exec"

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerExecCmd {
		runWorkerExec(os.Args[2:])
		return
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	configPath := flagString(os.Args[2:], "config", "queuectl.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("failed to load config", err)
	}

	logger := newLogger(cfg.Observability.LogLevel)

	switch os.Args[1] {
	case "initdb":
		runInitdb(cfg, logger)
	case "worker":
		runSupervisor(os.Args[2:], configPath, cfg, logger)
	case "add":
		runAdd(os.Args[2:], cfg, logger)
	case "list":
		runList(os.Args[2:], cfg, logger)
	case "show":
		runShow(os.Args[2:], cfg, logger)
	case "requeue":
		runRequeue(os.Args[2:], cfg, logger)
	case "dlq":
		runDLQ(os.Args[2:], cfg, logger)
	case "stats":
		runStats(cfg, logger)
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `queuectl: a single-host persistent job queue

Usage:
  queuectl initdb  [-config path]
  queuectl worker  [-n N] [-backoff-base B] [-timeout duration] [-config path]
  queuectl add     -command "shell command" [-priority N] [-max-retries N] [-run-at RFC3339] [-config path]
  queuectl list    [-state pending|processing|completed|failed_transient|dead] [-dlq] [-limit N] [-config path]
  queuectl show    -id <uuid> [-config path]
  queuectl requeue -id <uuid> [-config path]
  queuectl dlq     [-limit N] [-config path]
  queuectl stats   [-config path]
  queuectl version`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "queuectl: %s: %v\n", msg, err)
	os.Exit(1)
}

func flagString(args []string, name, def string) string {
	fs := flag.NewFlagSet("peek", flag.ContinueOnError)
	fs.SetOutput(discardWriter{})
	v := fs.String(name, def, "")
	_ = fs.Parse(args)
	return *v
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func openStore(cfg *config.Config) *store.Store {
	s, err := store.Open(cfg.Store.Path, store.WithClock(clock.New()), store.WithBackoff(backoff.Policy{
		Base:   cfg.Backoff.Base,
		Max:    cfg.Backoff.Max,
		Jitter: cfg.Backoff.Jitter,
	}))
	if err != nil {
		fatal("failed to open store", err)
	}
	return s
}

func runInitdb(cfg *config.Config, logger *slog.Logger) {
	s := openStore(cfg)
	defer s.Close()
	if err := s.InitStore(context.Background()); err != nil {
		fatal("initdb failed", err)
	}
	logger.Info("store initialized", "path", cfg.Store.Path)
}

// runSupervisor runs the "worker" subcommand: opens the store, ensures
// the schema exists, then spawns and supervises worker processes
// until an interrupt or termination signal arrives. -n/-backoff-base/
// -timeout override the equivalent config file settings, matching the
// CLI contract's flags without requiring a config file.
func runSupervisor(args []string, configPath string, cfg *config.Config, logger *slog.Logger) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	n := fs.Int("n", cfg.Supervisor.Count, "number of worker processes")
	backoffBase := fs.Float64("backoff-base", cfg.Backoff.Base, "backoff exponent base in seconds")
	timeout := fs.Duration("timeout", cfg.Worker.CommandTimeout, "per-job execution timeout, 0 = unbounded")
	_ = fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)
	cfg.Supervisor.Count = *n
	cfg.Backoff.Base = *backoffBase
	cfg.Worker.CommandTimeout = *timeout
	// Worker processes load their own config; the overrides reach them
	// through the QUEUECTL_* environment they inherit.
	_ = os.Setenv("QUEUECTL_BACKOFF_BASE", fmt.Sprint(*backoffBase))
	_ = os.Setenv("QUEUECTL_WORKER_COMMAND_TIMEOUT", timeout.String())

	s := openStore(cfg)
	defer s.Close()
	if err := s.InitStore(context.Background()); err != nil {
		fatal("failed to initialize store before run", err)
	}

	self, err := os.Executable()
	if err != nil {
		fatal("failed to resolve own executable path", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", "signal", sig.String())
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", "signal", sig2.String())
			os.Exit(1)
		case <-time.After(cfg.Supervisor.GracePeriod + 5*time.Second):
		}
	}()

	go runReaper(ctx, s, cfg, logger)
	go func() {
		if err := metrics.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			logger.Error("metrics server error", "err", err)
		}
	}()

	sup := supervisor.New(supervisor.Config{
		Count:            cfg.Supervisor.Count,
		BinaryPath:       self,
		GracePeriod:      cfg.Supervisor.GracePeriod,
		RestartBurst:     cfg.Supervisor.RestartBurst,
		RestartPerSecond: cfg.Supervisor.RestartPerSecond,
		Args: func(workerID string) []string {
			return []string{workerExecCmd, "-id", workerID, "-config", configPath}
		},
	}, logger)
	sup.Run(ctx)
}

func runReaper(ctx context.Context, s *store.Store, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Reap.Interval)
	defer ticker.Stop()
	clk := clock.New()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := clk.Now().Add(-cfg.Reap.Threshold)
			n, err := s.Reap(ctx, threshold)
			if err != nil {
				logger.Error("reap failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped orphaned jobs", "count", n)
			}
		}
	}
}

// runWorkerExec is the hidden entrypoint a spawned worker process
// runs under. It never touches the Supervisor or any other worker.
func runWorkerExec(args []string) {
	fs := flag.NewFlagSet(workerExecCmd, flag.ExitOnError)
	id := fs.String("id", "", "worker identity")
	configPath := fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("worker-exec: failed to load config", err)
	}
	logger := newLogger(cfg.Observability.LogLevel)

	s := openStore(cfg)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	w := worker.New(s, worker.Config{
		ID:             *id,
		PollInterval:   cfg.Worker.PollInterval,
		PollJitter:     cfg.Worker.PollJitter,
		CommandTimeout: cfg.Worker.CommandTimeout,
	}, logger)
	w.Run(ctx)
}

func runAdd(args []string, cfg *config.Config, logger *slog.Logger) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	command := fs.String("command", "", "shell command to run")
	priority := fs.Int("priority", 0, "claim priority, higher runs first")
	maxRetries := fs.Uint("max-retries", 3, "retry budget before moving to dead")
	runAtStr := fs.String("run-at", "", "RFC3339 timestamp; earliest time the job becomes eligible (default now)")
	_ = fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)

	if *command == "" {
		fatal("add", fmt.Errorf("-command is required"))
	}

	var runAt time.Time
	if *runAtStr != "" {
		parsed, err := time.Parse(time.RFC3339, *runAtStr)
		if err != nil {
			fatal("add", fmt.Errorf("invalid -run-at (must be RFC3339 with explicit timezone): %w", err))
		}
		runAt = parsed
	}

	s := openStore(cfg)
	defer s.Close()
	api := controlapi.New(s)

	id, err := api.Enqueue(context.Background(), controlapi.EnqueueRequest{
		Command:    *command,
		Priority:   int32(*priority),
		MaxRetries: uint32(*maxRetries),
		RunAt:      runAt,
	})
	if err != nil {
		fatal("add", err)
	}
	logger.Info("enqueued", "id", id)
	fmt.Println(id)
}

func runList(args []string, cfg *config.Config, _ *slog.Logger) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	state := fs.String("state", "", "filter by state")
	dlq := fs.Bool("dlq", false, "equivalent to -state dead")
	limit := fs.Int("limit", 50, "maximum rows to return")
	_ = fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)

	if *dlq {
		*state = "dead"
	}

	s := openStore(cfg)
	defer s.Close()
	api := controlapi.New(s)

	jobs, err := api.List(context.Background(), controlapi.ListFilter{State: *state, Limit: *limit})
	if err != nil {
		fatal("list", err)
	}
	printJSON(jobs)
}

func runShow(args []string, cfg *config.Config, _ *slog.Logger) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	idStr := fs.String("id", "", "job id")
	_ = fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)

	id, err := uuid.Parse(*idStr)
	if err != nil {
		fatal("show", fmt.Errorf("invalid -id: %w", err))
	}

	s := openStore(cfg)
	defer s.Close()
	api := controlapi.New(s)

	j, err := api.Get(context.Background(), id)
	if err != nil {
		fatal("show", err)
	}
	if j == nil {
		fatal("show", fmt.Errorf("no such job: %s", id))
	}
	printJSON(j)
}

func runRequeue(args []string, cfg *config.Config, logger *slog.Logger) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	idStr := fs.String("id", "", "job id")
	_ = fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)

	id, err := uuid.Parse(*idStr)
	if err != nil {
		fatal("requeue", fmt.Errorf("invalid -id: %w", err))
	}

	s := openStore(cfg)
	defer s.Close()
	api := controlapi.New(s)

	if err := api.Requeue(context.Background(), id); err != nil {
		fatal("requeue", err)
	}
	logger.Info("requeued", "id", id)
}

func runDLQ(args []string, cfg *config.Config, _ *slog.Logger) {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum rows to return")
	_ = fs.String("config", "queuectl.yaml", "path to config file")
	_ = fs.Parse(args)

	s := openStore(cfg)
	defer s.Close()
	api := controlapi.New(s)

	jobs, err := api.DeadLetters(context.Background(), *limit)
	if err != nil {
		fatal("dlq", err)
	}
	printJSON(jobs)
}

func runStats(cfg *config.Config, _ *slog.Logger) {
	s := openStore(cfg)
	defer s.Close()
	api := controlapi.New(s)

	stats, err := api.Stats(context.Background())
	if err != nil {
		fatal("stats", err)
	}
	printJSON(stats)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
