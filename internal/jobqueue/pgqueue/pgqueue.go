// Package pgqueue stores inference jobs in Postgres and hands them to workers
// with lease-based, at-least-once delivery.
package pgqueue

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultLease = 5 * time.Minute

	jobStatusQueued = "queued"
	jobStatusLeased = "leased"
	jobStatusDone   = "done"

	errorOperationQueue = "queue"
	errorSubjectJob     = "job"
	errorSubjectSchema  = "schema"
	errorSubjectTx      = "transaction"
	errorCodeBegin      = "begin"
	errorCodeClaim      = "claim"
	errorCodeCommit     = "commit"
	errorCodeComplete   = "complete"
	errorCodeEnqueue    = "enqueue"
	errorCodeMigrate    = "migrate"
	errorCodeRelease    = "release"

	sqlCreateJobsTable = `
		create table if not exists inference_jobs (
			job_id text primary key,
			task_id text not null,
			checkup_id text not null,
			image_sample_id text not null,
			storage_key text not null,
			content_type text not null default '',
			status text not null default 'queued',
			attempts integer not null default 0,
			lease_token text not null default '',
			leased_until timestamptz,
			last_error text not null default '',
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)
	`

	sqlCreateClaimIndex = `
		create index if not exists idx_inference_jobs_claimable
		on inference_jobs(status, leased_until, created_at)
	`

	sqlInsertJob = `
		insert into inference_jobs(job_id, task_id, checkup_id, image_sample_id, storage_key, content_type, status)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (job_id) do nothing
	`

	sqlClaimJob = `
		update inference_jobs
		set status = $1, attempts = attempts + 1, lease_token = $2,
			leased_until = now() + make_interval(secs => $3), updated_at = now()
		where job_id = (
			select job_id from inference_jobs
			where status = $4 or (status = $1 and leased_until < now())
			order by created_at, job_id
			limit 1
			for update skip locked
		)
		returning job_id, task_id, checkup_id, image_sample_id, storage_key, content_type, attempts
	`

	sqlCompleteJob = `
		update inference_jobs
		set status = $3, lease_token = '', leased_until = null, updated_at = now()
		where job_id = $1 and lease_token = $2 and status = $4
	`

	sqlReleaseJob = `
		update inference_jobs
		set status = $3, lease_token = '', leased_until = null, last_error = $4, updated_at = now()
		where job_id = $1 and lease_token = $2 and status = $5
	`
)

// Database is the subset of *pgxpool.Pool the queue needs.
type Database interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

var _ Database = (*pgxpool.Pool)(nil)

// Queue implements jobqueue.Queue on an inference_jobs table.
type Queue struct {
	db       Database
	lease    time.Duration
	newToken func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithLease sets how long a claimed job stays invisible to other workers.
func WithLease(lease time.Duration) Option {
	return func(queue *Queue) {
		if lease > 0 {
			queue.lease = lease
		}
	}
}

// New returns a Queue backed by a pgx pool.
func New(db Database, options ...Option) *Queue {
	queue := &Queue{db: db, lease: defaultLease, newToken: uuid.NewString}
	for _, option := range options {
		option(queue)
	}
	return queue
}

var _ jobqueue.Queue = (*Queue)(nil)

// Migrate creates the jobs table when missing.
func (queue *Queue) Migrate(ctx context.Context) error {
	for _, statement := range []string{sqlCreateJobsTable, sqlCreateClaimIndex} {
		if _, err := queue.db.Exec(ctx, statement); err != nil {
			return wrapQueueError(errorSubjectSchema, errorCodeMigrate, err)
		}
	}
	return nil
}

// Enqueue inserts every job in one transaction. Job ids already present are
// ignored so a retried submit cannot duplicate work.
func (queue *Queue) Enqueue(ctx context.Context, jobs []ledger.InferenceJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := queue.db.Begin(ctx)
	if err != nil {
		return wrapQueueError(errorSubjectTx, errorCodeBegin, err)
	}
	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(sqlInsertJob,
			job.JobID,
			job.TaskID.String(),
			job.CheckupID.String(),
			job.ImageSampleID.String(),
			job.StorageKey,
			job.ContentType,
			jobStatusQueued,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		_ = tx.Rollback(ctx)
		return wrapQueueError(errorSubjectJob, errorCodeEnqueue, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapQueueError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// Claim leases the oldest queued job, or one whose lease has expired.
func (queue *Queue) Claim(ctx context.Context) (jobqueue.Lease, error) {
	token := queue.newToken()
	var (
		jobID, taskID, checkupID, sampleID string
		storageKey, contentType            string
		attempts                           int
	)
	err := queue.db.QueryRow(ctx, sqlClaimJob,
		jobStatusLeased, token, queue.lease.Seconds(), jobStatusQueued,
	).Scan(&jobID, &taskID, &checkupID, &sampleID, &storageKey, &contentType, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.Lease{}, jobqueue.ErrEmpty
	}
	if err != nil {
		return jobqueue.Lease{}, wrapQueueError(errorSubjectJob, errorCodeClaim, err)
	}
	job, err := mapJob(jobID, taskID, checkupID, sampleID, storageKey, contentType)
	if err != nil {
		return jobqueue.Lease{}, wrapQueueError(errorSubjectJob, errorCodeClaim, err)
	}
	return jobqueue.Lease{Job: job, Token: token, Attempt: attempts}, nil
}

// Complete marks a leased job done.
func (queue *Queue) Complete(ctx context.Context, lease jobqueue.Lease) error {
	tag, err := queue.db.Exec(ctx, sqlCompleteJob, lease.Job.JobID, lease.Token, jobStatusDone, jobStatusLeased)
	if err != nil {
		return wrapQueueError(errorSubjectJob, errorCodeComplete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapQueueError(errorSubjectJob, errorCodeComplete, jobqueue.ErrLeaseLost)
	}
	return nil
}

// Release puts a leased job back in the queue and records why.
func (queue *Queue) Release(ctx context.Context, lease jobqueue.Lease, reason string) error {
	tag, err := queue.db.Exec(ctx, sqlReleaseJob, lease.Job.JobID, lease.Token, jobStatusQueued, reason, jobStatusLeased)
	if err != nil {
		return wrapQueueError(errorSubjectJob, errorCodeRelease, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapQueueError(errorSubjectJob, errorCodeRelease, jobqueue.ErrLeaseLost)
	}
	return nil
}

func mapJob(jobID, taskID, checkupID, sampleID, storageKey, contentType string) (ledger.InferenceJob, error) {
	parsedCheckupID, err := ledger.NewCheckupID(checkupID)
	if err != nil {
		return ledger.InferenceJob{}, err
	}
	parsedSampleID, err := ledger.NewImageSampleID(sampleID)
	if err != nil {
		return ledger.InferenceJob{}, err
	}
	return ledger.InferenceJob{
		JobID:         jobID,
		TaskID:        ledger.NewTaskID(taskID),
		CheckupID:     parsedCheckupID,
		ImageSampleID: parsedSampleID,
		StorageKey:    storageKey,
		ContentType:   contentType,
	}, nil
}

func wrapQueueError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationQueue, subject, code, err)
}
