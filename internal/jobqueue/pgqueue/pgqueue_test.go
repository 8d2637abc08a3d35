package pgqueue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
)

const databaseURLEnv = "PGQUEUE_TEST_DATABASE_URL"

func newTestQueue(test *testing.T, options ...Option) *Queue {
	test.Helper()
	databaseURL := os.Getenv(databaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s not set", databaseURLEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	test.Cleanup(pool.Close)
	queue := New(pool, options...)
	if err := queue.Migrate(ctx); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, "truncate inference_jobs"); err != nil {
		test.Fatalf("truncate: %v", err)
	}
	return queue
}

func testJob(test *testing.T, jobID string) ledger.InferenceJob {
	test.Helper()
	checkupID, err := ledger.NewCheckupID("checkup-1")
	if err != nil {
		test.Fatalf("checkup id: %v", err)
	}
	sampleID, err := ledger.NewImageSampleID("sample-" + jobID)
	if err != nil {
		test.Fatalf("sample id: %v", err)
	}
	return ledger.InferenceJob{
		JobID:         jobID,
		TaskID:        ledger.NewTaskID("task-1"),
		CheckupID:     checkupID,
		ImageSampleID: sampleID,
		StorageKey:    "checkups/checkup-1/" + jobID + ".jpg",
		ContentType:   "image/jpeg",
	}
}

func TestQueueDeliversEachJobOnce(test *testing.T) {
	queue := newTestQueue(test)
	ctx := context.Background()
	first := testJob(test, "job-1")
	if err := queue.Enqueue(ctx, []ledger.InferenceJob{first, testJob(test, "job-2")}); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(ctx, []ledger.InferenceJob{first}); err != nil {
		test.Fatalf("re-enqueue: %v", err)
	}

	seen := map[string]jobqueue.Lease{}
	for {
		lease, err := queue.Claim(ctx)
		if errors.Is(err, jobqueue.ErrEmpty) {
			break
		}
		if err != nil {
			test.Fatalf("claim: %v", err)
		}
		seen[lease.Job.JobID] = lease
	}
	if len(seen) != 2 {
		test.Fatalf("expected 2 distinct jobs, got %d", len(seen))
	}
	claimed := seen["job-1"]
	if claimed.Job.CheckupID.String() != "checkup-1" || claimed.Job.ContentType != "image/jpeg" || claimed.Attempt != 1 {
		test.Fatalf("unexpected lease %+v", claimed)
	}
	if err := queue.Complete(ctx, claimed); err != nil {
		test.Fatalf("complete: %v", err)
	}
	if err := queue.Complete(ctx, claimed); !errors.Is(err, jobqueue.ErrLeaseLost) {
		test.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestQueueReleaseAndLeaseExpiry(test *testing.T) {
	queue := newTestQueue(test, WithLease(time.Second))
	ctx := context.Background()
	if err := queue.Enqueue(ctx, []ledger.InferenceJob{testJob(test, "job-1")}); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	lease, err := queue.Claim(ctx)
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	if err := queue.Release(ctx, lease, "callback unavailable"); err != nil {
		test.Fatalf("release: %v", err)
	}
	again, err := queue.Claim(ctx)
	if err != nil || again.Attempt != 2 {
		test.Fatalf("expected second attempt, got %+v (%v)", again, err)
	}

	time.Sleep(1500 * time.Millisecond)
	expired, err := queue.Claim(ctx)
	if err != nil || expired.Attempt != 3 {
		test.Fatalf("expected expired lease to be reclaimed, got %+v (%v)", expired, err)
	}
	if err := queue.Complete(ctx, again); !errors.Is(err, jobqueue.ErrLeaseLost) {
		test.Fatalf("expected stale lease to be lost, got %v", err)
	}
}
