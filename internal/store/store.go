// Package store implements the transactional persistence layer
// described in spec §4.2 (component C1): schema ownership, the atomic
// claim primitive, and the guarded state-transition writes that back
// the job state machine in spec §4.1.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"

	"github.com/queuectl/queuectl/internal/backoff"
	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/job"
	"github.com/queuectl/queuectl/internal/metrics"
)

// Store is the SQL-backed implementation of the job state machine's
// durable half. It owns the schema and is the only component that
// issues writes against the jobs table; workers and the control API
// never mutate job state except through Store methods.
type Store struct {
	db      *bun.DB
	clock   clock.Clock
	backoff backoff.Policy
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the Clock used for RunAt/ClaimedAt/UpdatedAt
// computation. Defaults to the real wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithBackoff overrides the retry backoff policy applied by
// RecordOutcome on a retryable failure. Defaults to backoff.Policy{}
// (base 2, 1h cap, no jitter).
func WithBackoff(p backoff.Policy) Option {
	return func(s *Store) { s.backoff = p }
}

// Open opens (creating if absent) a SQLite-backed Store at path, with
// WAL journaling and a busy_timeout configured per spec §4.2 ("write
// -ahead journaling mode is required so that readers do not block
// writers, and vice versa, beyond single-writer serialization").
//
// Open does not run InitStore; callers must call InitStore before
// using the returned Store against a fresh file.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	// A single writer is serialized by SQLite regardless of pool size;
	// modernc.org/sqlite additionally requires this to avoid
	// "database is locked" under concurrent writers from one process.
	sqlDB.SetMaxOpenConns(1)

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	s := &Store{
		db:      db,
		clock:   clock.New(),
		backoff: backoff.Policy{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitStore creates the schema if absent (spec §4.7 "init_store").
// InitStore is idempotent and refuses to run against a schema version
// newer than this binary understands (spec §6).
func (s *Store) InitStore(ctx context.Context) error {
	if err := initSchema(ctx, s.db); err != nil {
		if errors.Is(err, ErrSchemaDowngrade) {
			return err
		}
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// EnqueueParams configures a new job at creation time.
type EnqueueParams struct {
	Command    string
	Priority   int32  // default 0
	MaxRetries uint32 // default 3
	RunAt      time.Time
}

const defaultMaxRetries = 3

// Enqueue atomically inserts a new job in the pending state, with
// Attempts=0 (spec §4.1 "enqueue"). If RunAt is the zero time, it
// defaults to now.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	now := s.clock.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	model := &jobModel{
		ID:         id,
		Command:    p.Command,
		State:      job.Pending,
		Priority:   p.Priority,
		MaxRetries: maxRetries,
		Attempts:   0,
		RunAt:      runAt.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return uuid.Nil, errors.Join(ErrStoreUnavailable, err)
	}
	metrics.JobsEnqueued.Inc()
	return id, nil
}

// ClaimOne is the atomic dequeue (spec §4.2 "claim_one"): in a single
// UPDATE ... RETURNING statement it selects the highest-priority ready
// job (state in {pending, failed_transient}, run_at <= now), ordered
// by (priority DESC, run_at ASC, id ASC), and transitions it to
// processing, recording workerID and the claim time.
//
// Returns (nil, nil) if no job qualifies.
func (s *Store) ClaimOne(ctx context.Context, workerID string) (*job.Job, error) {
	now := s.clock.Now().UTC()

	subQuery := s.db.NewSelect().
		Model((*jobModel)(nil)).
		Column("id").
		Where("run_at <= ?", now).
		Where("state IN (?, ?)", job.Pending, job.FailedTransient).
		OrderExpr("priority DESC, run_at ASC, id ASC").
		Limit(1)

	var rows []jobModel
	err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("state = ?", job.Processing).
		Set("worker_id = ?", workerID).
		Set("claimed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id IN (?)", subQuery).
		Returning("*").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toJob(), nil
}

// RecordOutcome applies succeed / fail_retryable / fail_terminal based
// on outcome and the job's current attempts/max_retries (spec §4.1,
// §4.2 "record_outcome"). The update is guarded by (id, worker_id,
// state=processing) so a worker that no longer owns the job cannot
// complete it (spec §5, defensive lease check).
//
// If the job is no longer owned by workerID (already reaped, or
// completed by a different path), RecordOutcome returns ErrNotFound
// without modifying any row.
func (s *Store) RecordOutcome(ctx context.Context, id uuid.UUID, workerID string, outcome executor.Outcome) error {
	current, err := s.getOwned(ctx, id, workerID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	tail := func(s string) string {
		if len(s) > job.MaxTailBytes {
			return s[len(s)-job.MaxTailBytes:]
		}
		return s
	}

	q := s.db.NewUpdate().Model((*jobModel)(nil)).
		Where("id = ?", id).
		Where("worker_id = ?", workerID).
		Where("state = ?", job.Processing)

	switch {
	case !outcome.Retryable():
		q.Set("state = ?", job.Completed).
			Set("last_exit_code = ?", outcome.ExitCode).
			Set("stdout_tail = ?", tail(outcome.StdoutTail)).
			Set("stderr_tail = ?", tail(outcome.StderrTail)).
			Set("worker_id = NULL").
			Set("claimed_at = NULL").
			Set("updated_at = ?", now)
	default:
		nextAttempts := current.Attempts + 1
		exitCode := outcome.ExitCode
		var exitPtr *int32
		if outcome.Kind == executor.FailedNonZero {
			exitPtr = &exitCode
		}
		if nextAttempts <= current.MaxRetries {
			delay := s.backoff.Delay(nextAttempts)
			q.Set("state = ?", job.FailedTransient).
				Set("attempts = ?", nextAttempts).
				Set("run_at = ?", now.Add(delay)).
				Set("last_exit_code = ?", exitPtr).
				Set("stdout_tail = ?", tail(outcome.StdoutTail)).
				Set("stderr_tail = ?", tail(outcome.StderrTail)).
				Set("worker_id = NULL").
				Set("claimed_at = NULL").
				Set("updated_at = ?", now)
		} else {
			q.Set("state = ?", job.Dead).
				Set("attempts = ?", nextAttempts).
				Set("last_exit_code = ?", exitPtr).
				Set("stdout_tail = ?", tail(outcome.StdoutTail)).
				Set("stderr_tail = ?", tail(outcome.StderrTail)).
				Set("worker_id = NULL").
				Set("claimed_at = NULL").
				Set("updated_at = ?", now)
		}
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !isAffected(res) {
		return ErrNotFound
	}

	metrics.JobDuration.Observe(outcome.Duration.Seconds())
	switch {
	case !outcome.Retryable():
		metrics.JobsCompleted.Inc()
	case current.Attempts+1 <= current.MaxRetries:
		metrics.JobsRetried.Inc()
	default:
		metrics.JobsDead.Inc()
	}
	return nil
}

func (s *Store) getOwned(ctx context.Context, id uuid.UUID, workerID string) (*jobModel, error) {
	var m jobModel
	err := s.db.NewSelect().Model(&m).
		Where("id = ?", id).
		Where("worker_id = ?", workerID).
		Where("state = ?", job.Processing).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sqlNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return &m, nil
}

// Requeue transitions a dead job back to pending with attempts reset
// to zero and run_at set to now (spec §4.1 "requeue"). Requeue on a
// job that is not dead returns ErrNotDead; on a missing job it returns
// ErrNotFound.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if existing.State != job.Dead {
		return ErrNotDead
	}

	now := s.clock.Now().UTC()
	res, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("state = ?", job.Pending).
		Set("attempts = 0").
		Set("run_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("state = ?", job.Dead).
		Exec(ctx)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !isAffected(res) {
		// Lost the race against a concurrent requeue/transition.
		return ErrNotDead
	}
	metrics.JobsRequeued.Inc()
	return nil
}

// Get returns the job identified by id, or (nil, nil) if it does not
// exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var m jobModel
	err := s.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sqlNoRows) {
			return nil, nil
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return m.toJob(), nil
}

// Filter restricts List to jobs matching the given state. A zero
// (job.Unknown) State applies no filter.
type Filter struct {
	State job.State
	Limit int
}

// List returns jobs matching filter, ordered most-recently-updated
// first. This is a read-committed view (spec §5): it may miss
// in-flight transitions but never observes an invariant-violating row.
func (s *Store) List(ctx context.Context, filter Filter) ([]*job.Job, error) {
	query := s.db.NewSelect().Model((*jobModel)(nil)).Order("updated_at DESC")
	if filter.State != job.Unknown {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []jobModel
	if err := query.Scan(ctx, &rows); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	jobs := make([]*job.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

// Reap transitions processing rows whose claimed_at is older than
// threshold back through the retry machinery, as if the attempt had
// failed with SpawnFailed (spec §5 "Orphan reaping"). Each row's update
// is guarded by (id, state=processing, the stale worker_id, the stale
// claimed_at), so a still-live worker's concurrent RecordOutcome
// cannot race it: whichever write commits first wins, and the loser's
// WHERE clause simply matches zero rows.
//
// Reap returns the number of jobs it transitioned.
func (s *Store) Reap(ctx context.Context, threshold time.Time) (int64, error) {
	var orphans []jobModel
	err := s.db.NewSelect().Model(&orphans).
		Where("state = ?", job.Processing).
		Where("claimed_at < ?", threshold.UTC()).
		Scan(ctx)
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}

	var reaped int64
	for _, row := range orphans {
		outcome := executor.Outcome{Kind: executor.SpawnFailed, Message: "reaped: worker lease expired"}
		workerID := ""
		if row.WorkerID != nil {
			workerID = *row.WorkerID
		}
		claimedAt := row.ClaimedAt
		now := s.clock.Now().UTC()

		nextAttempts := row.Attempts + 1
		q := s.db.NewUpdate().Model((*jobModel)(nil)).
			Where("id = ?", row.ID).
			Where("worker_id = ?", workerID).
			Where("state = ?", job.Processing)
		if claimedAt != nil {
			q = q.Where("claimed_at = ?", *claimedAt)
		}

		if nextAttempts <= row.MaxRetries {
			delay := s.backoff.Delay(nextAttempts)
			q.Set("state = ?", job.FailedTransient).
				Set("attempts = ?", nextAttempts).
				Set("run_at = ?", now.Add(delay)).
				Set("stderr_tail = ?", outcome.Message).
				Set("worker_id = NULL").
				Set("claimed_at = NULL").
				Set("updated_at = ?", now)
		} else {
			q.Set("state = ?", job.Dead).
				Set("attempts = ?", nextAttempts).
				Set("stderr_tail = ?", outcome.Message).
				Set("worker_id = NULL").
				Set("claimed_at = NULL").
				Set("updated_at = ?", now)
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return reaped, errors.Join(ErrStoreUnavailable, err)
		}
		if affected := getAffected(res); affected > 0 {
			reaped += affected
			metrics.JobsReaped.Inc()
		}
	}
	return reaped, nil
}

// Stats returns the number of jobs in each state, for the control
// API's Stats and the CLI's "stats" subcommand (SPEC_FULL "Control API
// (expansion)").
func (s *Store) Stats(ctx context.Context) (map[job.State]int64, error) {
	type row struct {
		State job.State `bun:"state"`
		Count int64     `bun:"count"`
	}
	var rows []row
	err := s.db.NewSelect().Model((*jobModel)(nil)).
		ColumnExpr("state").
		ColumnExpr("count(*) AS count").
		GroupExpr("state").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	out := make(map[job.State]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}
