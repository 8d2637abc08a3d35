package memqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
)

func jobs(ids ...string) []ledger.InferenceJob {
	result := make([]ledger.InferenceJob, 0, len(ids))
	for _, id := range ids {
		result = append(result, ledger.InferenceJob{JobID: id, StorageKey: id + ".jpg"})
	}
	return result
}

func TestClaimIsFIFOAndCompleteRemoves(test *testing.T) {
	test.Parallel()
	queue := New()
	ctx := context.Background()
	if err := queue.Enqueue(ctx, jobs("a", "b")); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	first, err := queue.Claim(ctx)
	if err != nil || first.Job.JobID != "a" || first.Attempt != 1 {
		test.Fatalf("expected job a on first attempt, got %+v (%v)", first, err)
	}
	second, err := queue.Claim(ctx)
	if err != nil || second.Job.JobID != "b" {
		test.Fatalf("expected job b, got %+v (%v)", second, err)
	}
	if _, err := queue.Claim(ctx); !errors.Is(err, jobqueue.ErrEmpty) {
		test.Fatalf("expected ErrEmpty, got %v", err)
	}
	if err := queue.Complete(ctx, first); err != nil {
		test.Fatalf("complete: %v", err)
	}
	if err := queue.Complete(ctx, first); !errors.Is(err, jobqueue.ErrLeaseLost) {
		test.Fatalf("expected ErrLeaseLost on double complete, got %v", err)
	}
	if queue.Len() != 1 {
		test.Fatalf("expected one outstanding job, got %d", queue.Len())
	}
}

func TestExpiredLeaseIsRedelivered(test *testing.T) {
	test.Parallel()
	now := time.Unix(1_700_000_000, 0)
	queue := New(WithLease(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_ = queue.Enqueue(ctx, jobs("a"))

	stale, err := queue.Claim(ctx)
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	now = now.Add(2 * time.Minute)
	redelivered, err := queue.Claim(ctx)
	if err != nil || redelivered.Job.JobID != "a" || redelivered.Attempt != 2 {
		test.Fatalf("expected redelivery of a on attempt 2, got %+v (%v)", redelivered, err)
	}
	if err := queue.Complete(ctx, stale); !errors.Is(err, jobqueue.ErrLeaseLost) {
		test.Fatalf("expected stale lease to be lost, got %v", err)
	}
	if err := queue.Complete(ctx, redelivered); err != nil {
		test.Fatalf("complete: %v", err)
	}
}

func TestReleaseRequeues(test *testing.T) {
	test.Parallel()
	queue := New()
	ctx := context.Background()
	_ = queue.Enqueue(ctx, jobs("a"))
	lease, _ := queue.Claim(ctx)
	if err := queue.Release(ctx, lease, "callback unavailable"); err != nil {
		test.Fatalf("release: %v", err)
	}
	again, err := queue.Claim(ctx)
	if err != nil || again.Job.JobID != "a" || again.Attempt != 2 {
		test.Fatalf("expected a back on attempt 2, got %+v (%v)", again, err)
	}
}
