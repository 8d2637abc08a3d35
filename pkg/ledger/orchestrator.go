package ledger

import (
	"context"
	"fmt"
	"time"
)

// SubmitJobs enqueues one inference job per image and records the task id.
// A checkup without images has nothing to wait for and completes at once.
// Any failure is reported as ErrOrchestrationGap; the checkup stays pending.
func (service *Service) SubmitJobs(ctx context.Context, checkup Checkup, samples []ImageSample) (TaskID, error) {
	taskID, operationError := service.submitJobs(ctx, checkup, samples)
	service.logOperation(ctx, OperationLog{
		Operation: operationSubmitJobs,
		AccountID: checkup.AccountID,
		Subject:   checkup.Subject().String(),
		Error:     operationError,
	})
	return taskID, operationError
}

func (service *Service) submitJobs(ctx context.Context, checkup Checkup, samples []ImageSample) (TaskID, error) {
	if len(samples) == 0 {
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			locked, err := transactionStore.LockCheckup(ctx, checkup.ID)
			if err != nil {
				return err
			}
			return service.evaluateAggregate(ctx, transactionStore, locked)
		})
		if err != nil {
			return TaskID{}, fmt.Errorf("%w: %w", ErrOrchestrationGap, err)
		}
		service.notifier.publish(checkup.ID)
		return TaskID{}, nil
	}
	if service.queue == nil {
		return TaskID{}, fmt.Errorf("%w: %w", ErrOrchestrationGap, ErrQueueUnavailable)
	}
	taskID := NewTaskID(service.newID())
	jobs := make([]InferenceJob, 0, len(samples))
	for _, sample := range samples {
		jobs = append(jobs, InferenceJob{
			JobID:         service.newID(),
			TaskID:        taskID,
			CheckupID:     checkup.ID,
			ImageSampleID: sample.ID,
			StorageKey:    sample.StorageKey,
			ContentType:   sample.ContentType,
		})
	}
	if err := service.queue.Enqueue(ctx, jobs); err != nil {
		return TaskID{}, fmt.Errorf("%w: enqueue: %w", ErrOrchestrationGap, err)
	}
	if err := service.store.SetCheckupTask(ctx, checkup.ID, taskID); err != nil {
		return TaskID{}, fmt.Errorf("%w: record task: %w", ErrOrchestrationGap, err)
	}
	return taskID, nil
}

// ResubmitCheckup re-enqueues the images of a pending checkup that have no
// result yet. Operators use it to close an orchestration gap.
func (service *Service) ResubmitCheckup(ctx context.Context, requester Account, checkupID CheckupID) (TaskID, error) {
	taskID, operationError := service.resubmitCheckup(ctx, requester, checkupID)
	service.logOperation(ctx, OperationLog{
		Operation: operationResubmitCheckup,
		AccountID: requester.ID,
		Subject:   checkupID.String(),
		Error:     operationError,
	})
	return taskID, operationError
}

func (service *Service) resubmitCheckup(ctx context.Context, requester Account, checkupID CheckupID) (TaskID, error) {
	if err := requireRole(requester, RoleAdmin); err != nil {
		return TaskID{}, err
	}
	checkup, err := service.store.GetCheckup(ctx, checkupID)
	if err != nil {
		return TaskID{}, err
	}
	if checkup.Status.Terminal() {
		return TaskID{}, fmt.Errorf("%w: checkup is %s", ErrCheckupClosed, checkup.Status)
	}
	samples, err := service.store.ListImageSamples(ctx, checkup.Subject())
	if err != nil {
		return TaskID{}, err
	}
	results, err := service.store.ListImageResults(ctx, checkup.Subject())
	if err != nil {
		return TaskID{}, err
	}
	reported := make(map[ImageSampleID]struct{}, len(results))
	for _, result := range results {
		reported[result.ImageSampleID] = struct{}{}
	}
	outstanding := make([]ImageSample, 0, len(samples))
	for _, sample := range samples {
		if _, ok := reported[sample.ID]; !ok {
			outstanding = append(outstanding, sample)
		}
	}
	return service.submitJobs(ctx, checkup, outstanding)
}

// PollResults returns the checkup view, waiting up to maxWait (capped by the
// policy) for it to reach a terminal state. Doctors only see their own checkups.
func (service *Service) PollResults(ctx context.Context, requester Account, checkupID CheckupID, maxWait time.Duration) (CheckupResults, error) {
	if maxWait < 0 {
		maxWait = 0
	}
	if maxWait > service.policy.MaxPollWait {
		maxWait = service.policy.MaxPollWait
	}
	deadline := time.Now().Add(maxWait)
	for {
		signal, cancel := service.notifier.subscribe(checkupID)
		results, err := service.loadResults(ctx, requester, checkupID)
		if err != nil {
			cancel()
			return CheckupResults{}, err
		}
		remaining := time.Until(deadline)
		if results.Checkup.Status.Terminal() || remaining <= 0 {
			cancel()
			return results, nil
		}
		wait := service.policy.PollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			cancel()
			return results, ctx.Err()
		case <-signal:
		case <-timer.C:
		}
		timer.Stop()
		cancel()
	}
}

func (service *Service) loadResults(ctx context.Context, requester Account, checkupID CheckupID) (CheckupResults, error) {
	checkup, err := service.store.GetCheckup(ctx, checkupID)
	if err != nil {
		return CheckupResults{}, err
	}
	switch requester.Role {
	case RoleAdmin:
	case RoleDoctor:
		if checkup.AccountID != requester.ID {
			return CheckupResults{}, fmt.Errorf("%w: %s", ErrCheckupNotFound, checkupID.String())
		}
	default:
		return CheckupResults{}, fmt.Errorf("%w: role %q", ErrForbidden, requester.Role)
	}
	results, err := service.store.ListImageResults(ctx, checkup.Subject())
	if err != nil {
		return CheckupResults{}, err
	}
	return CheckupResults{
		Checkup: checkup,
		Results: results,
		Gap:     checkup.Status == CheckupStatusPending && checkup.TaskID.IsZero() && checkup.ImageCount > 0,
	}, nil
}

// MarkStaleCheckupsFailed fails pending checkups created more than olderThan ago.
// Orchestration gaps are left PENDING for ResubmitCheckup.
func (service *Service) MarkStaleCheckupsFailed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	nowUnixUTC := service.nowFn()
	cutoff := nowUnixUTC - int64(olderThan/time.Second)
	stale, err := service.store.ListStalePendingCheckups(ctx, cutoff, limit)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReapCheckups, Error: err})
		return 0, err
	}
	failed := 0
	for _, checkup := range stale {
		err := service.store.UpdateCheckupOutcome(ctx, checkup.ID, CheckupStatusPending, CheckupOutcome{
			Status:           CheckupStatusFailed,
			ErrorMessage:     failureMessageTimeout,
			CompletedUnixUTC: nowUnixUTC,
		})
		if IsConflict(err) {
			continue
		}
		if err != nil {
			service.logOperation(ctx, OperationLog{Operation: operationReapCheckups, Subject: checkup.Subject().String(), Error: err})
			return failed, err
		}
		failed++
		service.notifier.publish(checkup.ID)
	}
	service.logOperation(ctx, OperationLog{Operation: operationReapCheckups, Subject: fmt.Sprintf("failed=%d", failed)})
	return failed, nil
}
