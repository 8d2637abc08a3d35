package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
)

const maxModelLength = 100

// ImageResultReport is a worker's verdict for one image sample.
type ImageResultReport struct {
	ImageSampleID ImageSampleID
	Label         string
	Model         string
	Confidence    float64
}

// ReportResult records a worker verdict. Repeated deliveries for the same
// sample overwrite the stored result, so the aggregate never double counts.
func (service *Service) ReportResult(ctx context.Context, report ImageResultReport) (Checkup, error) {
	checkup, operationError := service.reportResult(ctx, report)
	service.logOperation(ctx, OperationLog{
		Operation: operationReportResult,
		AccountID: checkup.AccountID,
		Subject:   report.ImageSampleID.String(),
		Error:     operationError,
	})
	if operationError == nil {
		service.notifier.publish(checkup.ID)
	}
	return checkup, operationError
}

func (service *Service) reportResult(ctx context.Context, report ImageResultReport) (Checkup, error) {
	result, err := normalizeReport(report, service.nowFn())
	if err != nil {
		return Checkup{}, err
	}
	var checkup Checkup
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := lockSampleCheckup(ctx, transactionStore, result.ImageSampleID)
		if err != nil {
			return err
		}
		if err := transactionStore.UpsertImageResult(ctx, result); err != nil {
			return err
		}
		if err := service.evaluateAggregate(ctx, transactionStore, locked); err != nil {
			return err
		}
		checkup, err = transactionStore.GetCheckup(ctx, locked.ID)
		return err
	})
	return checkup, err
}

// ReportFailure marks the checkup owning the sample as failed.
func (service *Service) ReportFailure(ctx context.Context, sampleID ImageSampleID, message string) (Checkup, error) {
	var checkup Checkup
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := lockSampleCheckup(ctx, transactionStore, sampleID)
		if err != nil {
			return err
		}
		checkup = locked
		if locked.Status != CheckupStatusPending {
			return nil
		}
		errorMessage := strings.TrimSpace(message)
		if errorMessage == "" {
			errorMessage = "inference failed"
		}
		outcome := CheckupOutcome{
			Status:           CheckupStatusFailed,
			ErrorMessage:     fmt.Sprintf("image %s: %s", sampleID.String(), errorMessage),
			CompletedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.UpdateCheckupOutcome(ctx, locked.ID, CheckupStatusPending, outcome); err != nil {
			return err
		}
		checkup.Status = outcome.Status
		checkup.ErrorMessage = outcome.ErrorMessage
		checkup.CompletedUnixUTC = outcome.CompletedUnixUTC
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReportFailure,
		AccountID: checkup.AccountID,
		Subject:   sampleID.String(),
		Error:     operationError,
	})
	if operationError == nil {
		service.notifier.publish(checkup.ID)
	}
	return checkup, operationError
}

func normalizeReport(report ImageResultReport, nowUnixUTC int64) (ImageResult, error) {
	if report.ImageSampleID.String() == "" {
		return ImageResult{}, fmt.Errorf("%w: empty value", ErrInvalidImageSampleID)
	}
	label := strings.TrimSpace(report.Label)
	if label == "" {
		return ImageResult{}, fmt.Errorf("%w: empty label", ErrInvalidInferenceResult)
	}
	model := strings.TrimSpace(report.Model)
	if model == "" || len(model) > maxModelLength {
		return ImageResult{}, fmt.Errorf("%w: model identifier", ErrInvalidInferenceResult)
	}
	if math.IsNaN(report.Confidence) || report.Confidence < 0 || report.Confidence > 1 {
		return ImageResult{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInferenceResult, report.Confidence)
	}
	return ImageResult{
		ImageSampleID:   report.ImageSampleID,
		Label:           label,
		Model:           model,
		Confidence:      report.Confidence,
		ReportedUnixUTC: nowUnixUTC,
	}, nil
}

func lockSampleCheckup(ctx context.Context, store Store, sampleID ImageSampleID) (Checkup, error) {
	sample, err := store.GetImageSample(ctx, sampleID)
	if err != nil {
		return Checkup{}, err
	}
	checkupID, err := NewCheckupID(sample.Subject.ID)
	if err != nil {
		return Checkup{}, err
	}
	return store.LockCheckup(ctx, checkupID)
}

// evaluateAggregate completes a pending checkup once every sample has a result.
// Counting is by distinct sample, so arrival order does not matter.
func (service *Service) evaluateAggregate(ctx context.Context, store Store, checkup Checkup) error {
	if checkup.Status != CheckupStatusPending {
		return nil
	}
	samples, err := store.ListImageSamples(ctx, checkup.Subject())
	if err != nil {
		return err
	}
	results, err := store.ListImageResults(ctx, checkup.Subject())
	if err != nil {
		return err
	}
	if len(results) != len(samples) {
		return nil
	}
	outcome := CheckupOutcome{
		Status:           CheckupStatusCompleted,
		CompletedUnixUTC: service.nowFn(),
	}
	if len(results) > 0 {
		total := 0.0
		for _, result := range results {
			total += result.Confidence
		}
		outcome.FinalConfidence = total / float64(len(results))
		outcome.ResultLabel = LabelForScore(outcome.FinalConfidence)
	}
	return store.UpdateCheckupOutcome(ctx, checkup.ID, CheckupStatusPending, outcome)
}
