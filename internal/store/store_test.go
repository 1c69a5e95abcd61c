package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/queuectl/queuectl/internal/backoff"
	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/job"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := Open(":memory:", WithClock(mock), WithBackoff(backoff.Policy{Base: 2, Max: time.Hour}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitStore(context.Background()); err != nil {
		t.Fatalf("InitStore: %v", err)
	}
	return s, mock
}

func TestInitStoreIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.InitStore(ctx); err != nil {
		t.Fatalf("second InitStore: %v", err)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, EnqueueParams{Command: "true"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j == nil {
		t.Fatal("Get returned nil job")
	}
	if j.State != job.Pending {
		t.Fatalf("expected Pending, got %s", j.State)
	}
	if j.MaxRetries != defaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", defaultMaxRetries, j.MaxRetries)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)
	j, err := s.Get(context.Background(), mustUUID(t))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j != nil {
		t.Fatalf("expected nil, got %+v", j)
	}
}

func TestClaimOneRespectsRunAt(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	future := mock.Now().Add(time.Hour)
	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "true", RunAt: future}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := s.ClaimOne(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claimable job, got %+v", claimed)
	}
}

func TestClaimOnePriorityOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	lowID, err := s.Enqueue(ctx, EnqueueParams{Command: "low", Priority: 0})
	if err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	highID, err := s.Enqueue(ctx, EnqueueParams{Command: "high", Priority: 10})
	if err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	claimed, err := s.ClaimOne(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}
	if claimed == nil || claimed.ID != highID {
		t.Fatalf("expected to claim high priority job %s, got %+v", highID, claimed)
	}

	second, err := s.ClaimOne(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimOne second: %v", err)
	}
	if second == nil || second.ID != lowID {
		t.Fatalf("expected to claim low priority job %s next, got %+v", lowID, second)
	}
}

func TestClaimOneIsAtomicAcrossWorkers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "true"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	const workers = 8
	results := make(chan *job.Job, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			j, err := s.ClaimOne(ctx, workerName(n))
			if err != nil {
				errs <- err
				return
			}
			results <- j
		}(i)
	}

	var claims int
	for i := 0; i < workers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("ClaimOne: %v", err)
		case j := <-results:
			if j != nil {
				claims++
			}
		}
	}
	if claims != 1 {
		t.Fatalf("expected exactly 1 successful claim across %d workers, got %d", workers, claims)
	}
}

func TestRecordOutcomeSucceeded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, EnqueueParams{Command: "true"})
	claimed, err := s.ClaimOne(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimOne: %v / %+v", err, claimed)
	}

	err = s.RecordOutcome(ctx, id, "worker-1", executor.Outcome{Kind: executor.Succeeded, ExitCode: 0})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	final, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != job.Completed {
		t.Fatalf("expected Completed, got %s", final.State)
	}
	if final.WorkerID != nil {
		t.Fatal("expected worker_id cleared on completion")
	}
}

func TestRecordOutcomeRetriesThenDies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, EnqueueParams{Command: "exit 1", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for attempt := uint32(1); attempt <= 2; attempt++ {
		claimed, err := s.ClaimOne(ctx, "worker-1")
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d ClaimOne: %v / %+v", attempt, err, claimed)
		}
		if err := s.RecordOutcome(ctx, id, "worker-1", executor.Outcome{Kind: executor.FailedNonZero, ExitCode: 1}); err != nil {
			t.Fatalf("attempt %d RecordOutcome: %v", attempt, err)
		}
		j, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.State != job.FailedTransient {
			t.Fatalf("attempt %d: expected FailedTransient, got %s", attempt, j.State)
		}
		// Force immediate re-eligibility regardless of backoff delay.
		if _, err := s.db.NewUpdate().Model((*jobModel)(nil)).
			Set("run_at = ?", s.clock.Now()).
			Where("id = ?", id).Exec(ctx); err != nil {
			t.Fatalf("forcing run_at: %v", err)
		}
	}

	claimed, err := s.ClaimOne(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("final ClaimOne: %v / %+v", err, claimed)
	}
	if err := s.RecordOutcome(ctx, id, "worker-1", executor.Outcome{Kind: executor.FailedNonZero, ExitCode: 1}); err != nil {
		t.Fatalf("final RecordOutcome: %v", err)
	}

	final, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != job.Dead {
		t.Fatalf("expected Dead after exhausting retries, got %s", final.State)
	}
	if final.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", final.Attempts)
	}
}

func TestRecordOutcomeRejectsWrongWorker(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, EnqueueParams{Command: "true"})
	if _, err := s.ClaimOne(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}

	err := s.RecordOutcome(ctx, id, "worker-2", executor.Outcome{Kind: executor.Succeeded})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for non-owning worker, got %v", err)
	}
}

func TestRequeueOnlyFromDead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, EnqueueParams{Command: "true"})

	if err := s.Requeue(ctx, id); err != ErrNotDead {
		t.Fatalf("expected ErrNotDead for pending job, got %v", err)
	}

	if _, err := s.ClaimOne(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}
	if err := s.RecordOutcome(ctx, id, "worker-1", executor.Outcome{Kind: executor.FailedNonZero, ExitCode: 1}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	// MaxRetries defaults to 3, so one failure leaves it FailedTransient
	// rather than Dead; force it straight to dead to test Requeue.
	if _, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("state = ?", job.Dead).
		Where("id = ?", id).Exec(ctx); err != nil {
		t.Fatalf("forcing dead: %v", err)
	}

	if err := s.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	final, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != job.Pending {
		t.Fatalf("expected Pending after requeue, got %s", final.State)
	}
	if final.Attempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", final.Attempts)
	}
}

func TestRequeueMissingJob(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Requeue(context.Background(), mustUUID(t)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersByState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "a"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "b"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimOne(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}

	pending, err := s.List(ctx, Filter{State: job.Pending})
	if err != nil {
		t.Fatalf("List pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending job, got %d", len(pending))
	}

	processing, err := s.List(ctx, Filter{State: job.Processing})
	if err != nil {
		t.Fatalf("List processing: %v", err)
	}
	if len(processing) != 1 {
		t.Fatalf("expected 1 processing job, got %d", len(processing))
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 total jobs, got %d", len(all))
	}
}

func TestReapOrphansRetries(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, EnqueueParams{Command: "true", MaxRetries: 3})
	if _, err := s.ClaimOne(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}

	mock.Add(time.Hour)
	threshold := mock.Now().Add(-time.Minute)

	reaped, err := s.Reap(ctx, threshold)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped job, got %d", reaped)
	}

	final, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != job.FailedTransient {
		t.Fatalf("expected FailedTransient after reap, got %s", final.State)
	}
	if final.WorkerID != nil {
		t.Fatal("expected worker_id cleared after reap")
	}
}

func TestReapIgnoresFreshClaims(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "true"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimOne(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimOne: %v", err)
	}

	threshold := mock.Now().Add(-time.Hour)
	reaped, err := s.Reap(ctx, threshold)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("expected 0 reaped jobs for a fresh claim, got %d", reaped)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "a"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, EnqueueParams{Command: "b"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[job.Pending] != 2 {
		t.Fatalf("expected 2 pending, got %d", stats[job.Pending])
	}
}

func workerName(n int) string {
	names := []string{"w0", "w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8", "w9"}
	return names[n%len(names)]
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid.NewV7: %v", err)
	}
	return id
}
