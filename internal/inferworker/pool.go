// Package inferworker leases inference jobs, classifies the referenced image
// and reports the verdict back to the checkup service.
package inferworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultConcurrency   = 2
	defaultIdleBackoff   = time.Second
	defaultMaxAttempts   = 3
	defaultMaxImageBytes = 32 << 20
)

// Reporter delivers verdicts to the checkup service. grpcserver.CallbackClient implements it.
type Reporter interface {
	ReportResult(ctx context.Context, request *grpcserver.ReportResultRequest) (*grpcserver.CheckupStatusResponse, error)
	ReportFailure(ctx context.Context, request *grpcserver.ReportFailureRequest) (*grpcserver.CheckupStatusResponse, error)
}

var _ Reporter = (*grpcserver.CallbackClient)(nil)

// Config tunes a Pool; zero values fall back to defaults.
type Config struct {
	Concurrency   int
	IdleBackoff   time.Duration
	MaxAttempts   int
	MaxImageBytes int64
	Model         string
}

func (cfg *Config) applyDefaults() {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	if cfg.Model == "" {
		cfg.Model = ledger.ModelA
	}
}

// Outcome describes what happened to one claimed job.
type Outcome string

const (
	OutcomeReported Outcome = "reported"
	OutcomeFailed   Outcome = "failed"
	OutcomeRetried  Outcome = "retried"
	OutcomeDropped  Outcome = "dropped"
)

// Pool runs Concurrency workers against one queue.
type Pool struct {
	queue      jobqueue.Queue
	blobs      blob.Store
	classifier Classifier
	reporter   Reporter
	logger     *zap.Logger
	cfg        Config
}

// New validates collaborators and returns a Pool.
func New(queue jobqueue.Queue, blobs blob.Store, classifier Classifier, reporter Reporter, logger *zap.Logger, cfg Config) (*Pool, error) {
	switch {
	case queue == nil:
		return nil, errors.New("inferworker: queue is required")
	case blobs == nil:
		return nil, errors.New("inferworker: blob store is required")
	case classifier == nil:
		return nil, errors.New("inferworker: classifier is required")
	case reporter == nil:
		return nil, errors.New("inferworker: reporter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Pool{queue: queue, blobs: blobs, classifier: classifier, reporter: reporter, logger: logger, cfg: cfg}, nil
}

// Run blocks until ctx is cancelled and all workers have returned.
func (pool *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < pool.cfg.Concurrency; index++ {
		workerLogger := pool.logger.With(zap.Int("worker", index))
		group.Go(func() error {
			pool.loop(groupCtx, workerLogger)
			return nil
		})
	}
	return group.Wait()
}

func (pool *Pool) loop(ctx context.Context, logger *zap.Logger) {
	for {
		outcome, err := pool.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, jobqueue.ErrEmpty) {
			if !sleep(ctx, pool.cfg.IdleBackoff) {
				return
			}
			continue
		}
		if err != nil {
			logger.Warn("job processing failed", zap.String("outcome", string(outcome)), zap.Error(err))
		}
		if err != nil || outcome == OutcomeRetried {
			if !sleep(ctx, pool.cfg.IdleBackoff) {
				return
			}
		}
	}
}

// ProcessNext claims one job and drives it to an outcome. It returns
// jobqueue.ErrEmpty when nothing is ready.
func (pool *Pool) ProcessNext(ctx context.Context) (Outcome, error) {
	lease, err := pool.queue.Claim(ctx)
	if err != nil {
		return "", err
	}
	job := lease.Job
	logger := pool.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("checkup_id", job.CheckupID.String()),
		zap.String("image_sample_id", job.ImageSampleID.String()),
		zap.Int("attempt", lease.Attempt),
	)

	score, classifyErr := pool.classify(ctx, job)
	if classifyErr != nil {
		if lease.Attempt < pool.cfg.MaxAttempts {
			logger.Info("classification failed, releasing for retry", zap.Error(classifyErr))
			return OutcomeRetried, pool.release(ctx, lease, classifyErr)
		}
		_, reportErr := pool.reporter.ReportFailure(ctx, &grpcserver.ReportFailureRequest{
			ImageSampleID: job.ImageSampleID.String(),
			Message:       classifyErr.Error(),
		})
		return pool.settle(ctx, lease, logger, OutcomeFailed, reportErr)
	}

	response, reportErr := pool.reporter.ReportResult(ctx, &grpcserver.ReportResultRequest{
		ImageSampleID: job.ImageSampleID.String(),
		Label:         ledger.LabelForScore(score),
		Model:         pool.cfg.Model,
		Confidence:    score,
	})
	if reportErr == nil {
		logger.Info("image classified", zap.Float64("score", score), zap.String("checkup_status", response.Status))
	}
	return pool.settle(ctx, lease, logger, OutcomeReported, reportErr)
}

func (pool *Pool) classify(ctx context.Context, job ledger.InferenceJob) (float64, error) {
	info, reader, err := pool.blobs.Get(ctx, job.StorageKey)
	if err != nil {
		return 0, fmt.Errorf("read image %s: %w", job.StorageKey, err)
	}
	defer reader.Close()
	image, err := io.ReadAll(io.LimitReader(reader, pool.cfg.MaxImageBytes+1))
	if err != nil {
		return 0, fmt.Errorf("read image %s: %w", job.StorageKey, err)
	}
	if int64(len(image)) > pool.cfg.MaxImageBytes {
		return 0, fmt.Errorf("image %s exceeds %d bytes", job.StorageKey, pool.cfg.MaxImageBytes)
	}
	contentType := job.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	return pool.classifier.Classify(ctx, image, contentType)
}

// settle acks the job once the server accepted the report. Rejections the
// server will never accept drop the job; anything else is retried.
func (pool *Pool) settle(ctx context.Context, lease jobqueue.Lease, logger *zap.Logger, outcome Outcome, reportErr error) (Outcome, error) {
	if reportErr == nil {
		return outcome, pool.complete(ctx, lease)
	}
	if permanentRejection(reportErr) {
		logger.Warn("report rejected, dropping job", zap.Error(reportErr))
		return OutcomeDropped, pool.complete(ctx, lease)
	}
	return OutcomeRetried, errors.Join(fmt.Errorf("report: %w", reportErr), pool.release(ctx, lease, reportErr))
}

func (pool *Pool) complete(ctx context.Context, lease jobqueue.Lease) error {
	if err := pool.queue.Complete(ctx, lease); err != nil {
		return fmt.Errorf("complete job %s: %w", lease.Job.JobID, err)
	}
	return nil
}

func (pool *Pool) release(ctx context.Context, lease jobqueue.Lease, cause error) error {
	if err := pool.queue.Release(ctx, lease, cause.Error()); err != nil {
		return fmt.Errorf("release job %s: %w", lease.Job.JobID, err)
	}
	return nil
}

func permanentRejection(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
