package ledger

import (
	"context"
	"fmt"
	"strings"
)

// CheckupSubmission is a doctor's request to open a checkup.
type CheckupSubmission struct {
	Requester Account
	// Kind defaults to SubjectKindSkinCancerCheckup.
	Kind     SubjectKind
	Clinical ClinicalFields
	Images   []ImageUpload
}

// CheckupReceipt reports the persisted checkup and whether its jobs were queued.
// TaskError is set when the fee was charged but job submission failed.
type CheckupReceipt struct {
	Checkup    Checkup
	Images     []ImageSample
	Balance    Credits
	TaskQueued bool
	TaskError  error
}

// SubmitCheckup charges the checkup fee, persists the checkup with its images
// and hands the images to the job queue once the charge is committed.
func (service *Service) SubmitCheckup(ctx context.Context, submission CheckupSubmission) (CheckupReceipt, error) {
	checkup, samples, err := service.prepareCheckup(submission)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationSubmitCheckup, AccountID: submission.Requester.ID, Error: err})
		return CheckupReceipt{}, err
	}

	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		balance, err = transactionStore.DebitAccount(ctx, checkup.AccountID, checkup.FeeCredits)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertCheckup(ctx, checkup); err != nil {
			return err
		}
		for _, sample := range samples {
			if err := transactionStore.InsertImageSample(ctx, sample); err != nil {
				return err
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSubmitCheckup,
		AccountID: checkup.AccountID,
		Subject:   checkup.Subject().String(),
		Amount:    checkup.FeeCredits.ToCredits(),
		Error:     operationError,
	})
	if operationError != nil {
		return CheckupReceipt{}, operationError
	}

	receipt := CheckupReceipt{Checkup: checkup, Images: samples, Balance: balance}
	taskID, submitErr := service.SubmitJobs(ctx, checkup, samples)
	if submitErr != nil {
		// SubmitJobs already logged the gap
		receipt.TaskError = submitErr
		return receipt, nil
	}
	receipt.TaskQueued = true
	receipt.Checkup.TaskID = taskID
	if refreshed, err := service.store.GetCheckup(ctx, checkup.ID); err == nil {
		receipt.Checkup = refreshed
	}
	return receipt, nil
}

func (service *Service) prepareCheckup(submission CheckupSubmission) (Checkup, []ImageSample, error) {
	if err := requireRole(submission.Requester, RoleDoctor); err != nil {
		return Checkup{}, nil, err
	}
	kind := submission.Kind
	if kind == "" {
		kind = SubjectKindSkinCancerCheckup
	}
	if _, ok := service.subjects[kind]; !ok {
		return Checkup{}, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSubject, kind)
	}
	clinical, err := submission.Clinical.Normalize()
	if err != nil {
		return Checkup{}, nil, err
	}
	if len(submission.Images) > service.policy.MaxImages {
		return Checkup{}, nil, fmt.Errorf("%w: %d submitted, at most %d allowed", ErrTooManyImages, len(submission.Images), service.policy.MaxImages)
	}
	checkupID, err := NewCheckupID(service.newID())
	if err != nil {
		return Checkup{}, nil, err
	}
	nowUnixUTC := service.nowFn()
	checkup := Checkup{
		ID:             checkupID,
		AccountID:      submission.Requester.ID,
		Kind:           kind,
		Clinical:       clinical,
		FeeCredits:     service.policy.CheckupFee,
		Status:         CheckupStatusPending,
		ImageCount:     len(submission.Images),
		CreatedUnixUTC: nowUnixUTC,
	}
	samples := make([]ImageSample, 0, len(submission.Images))
	for index, upload := range submission.Images {
		storageKey := strings.TrimSpace(upload.StorageKey)
		if storageKey == "" {
			return Checkup{}, nil, fmt.Errorf("%w: image %d has no storage key", ErrInvalidImage, index)
		}
		sampleID, err := NewImageSampleID(service.newID())
		if err != nil {
			return Checkup{}, nil, err
		}
		samples = append(samples, ImageSample{
			ID:              sampleID,
			Subject:         checkup.Subject(),
			StorageKey:      storageKey,
			ContentType:     strings.TrimSpace(upload.ContentType),
			UploadedUnixUTC: nowUnixUTC,
		})
	}
	return checkup, samples, nil
}
