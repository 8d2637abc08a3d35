package ledger

import (
	"context"
	"fmt"
	"strings"
)

// BiopsyUpload attaches a lab result to a subject.
type BiopsyUpload struct {
	Subject     SubjectRef
	Result      string
	DocumentKey string
}

// AttachBiopsyResult stores a pending biopsy result; a subject holds at most one.
func (service *Service) AttachBiopsyResult(ctx context.Context, requester Account, upload BiopsyUpload) (BiopsyResult, error) {
	biopsy, operationError := service.attachBiopsyResult(ctx, requester, upload)
	service.logOperation(ctx, OperationLog{
		Operation: operationAttachBiopsy,
		AccountID: requester.ID,
		Subject:   upload.Subject.String(),
		Error:     operationError,
	})
	return biopsy, operationError
}

func (service *Service) attachBiopsyResult(ctx context.Context, requester Account, upload BiopsyUpload) (BiopsyResult, error) {
	if err := requireRole(requester, RoleAdmin); err != nil {
		return BiopsyResult{}, err
	}
	result := strings.TrimSpace(upload.Result)
	if result == "" {
		return BiopsyResult{}, fmt.Errorf("%w: empty result", ErrInvalidBiopsyResult)
	}
	subject, err := service.resolveSubject(ctx, service.store, upload.Subject)
	if err != nil {
		return BiopsyResult{}, err
	}
	biopsyID, err := NewBiopsyID(service.newID())
	if err != nil {
		return BiopsyResult{}, err
	}
	biopsy := BiopsyResult{
		ID:              biopsyID,
		Subject:         subject.Ref,
		Result:          result,
		DocumentKey:     strings.TrimSpace(upload.DocumentKey),
		Status:          BiopsyStatusPending,
		UploadedUnixUTC: service.nowFn(),
	}
	if err := service.store.InsertBiopsyResult(ctx, biopsy); err != nil {
		return BiopsyResult{}, err
	}
	return biopsy, nil
}

// GetBiopsyResult loads one biopsy result.
func (service *Service) GetBiopsyResult(ctx context.Context, biopsyID BiopsyID) (BiopsyResult, error) {
	return service.store.GetBiopsyResult(ctx, biopsyID)
}

// VerifyBiopsy marks the biopsy verified and refunds the subject's fee to its
// owner. The row lock and the one-shot refunded flag make the refund happen
// at most once; a second verification fails with ErrAlreadyVerified.
func (service *Service) VerifyBiopsy(ctx context.Context, requester Account, biopsyID BiopsyID, note string) (BiopsyResult, error) {
	var (
		verified BiopsyResult
		refunded Credits
		owner    AccountID
	)
	operationError := requireRole(requester, RoleAdmin)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			biopsy, err := transactionStore.LockBiopsyResult(ctx, biopsyID)
			if err != nil {
				return err
			}
			if biopsy.Status == BiopsyStatusVerified {
				return fmt.Errorf("%w: %s", ErrAlreadyVerified, biopsyID.String())
			}
			subject, err := service.resolveSubject(ctx, transactionStore, biopsy.Subject)
			if err != nil {
				return err
			}
			owner = subject.AccountID
			review := BiopsyReview{
				Status:          BiopsyStatusVerified,
				ReviewedBy:      requester.UserID,
				Note:            strings.TrimSpace(note),
				Refunded:        true,
				ReviewedUnixUTC: service.nowFn(),
			}
			if err := transactionStore.UpdateBiopsyReview(ctx, biopsyID, biopsy.Status, review); err != nil {
				return err
			}
			if !biopsy.CreditsRefunded {
				if _, err := transactionStore.CreditAccount(ctx, subject.AccountID, subject.FeeCredits); err != nil {
					return err
				}
				refunded = subject.FeeCredits.ToCredits()
			}
			verified, err = transactionStore.GetBiopsyResult(ctx, biopsyID)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationVerifyBiopsy,
		AccountID: owner,
		Subject:   biopsyID.String(),
		Amount:    refunded,
		Error:     operationError,
	})
	if operationError != nil {
		return BiopsyResult{}, operationError
	}
	return verified, nil
}

// RejectBiopsy closes a pending biopsy without refunding.
func (service *Service) RejectBiopsy(ctx context.Context, requester Account, biopsyID BiopsyID, note string) (BiopsyResult, error) {
	var rejected BiopsyResult
	operationError := requireRole(requester, RoleAdmin)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			biopsy, err := transactionStore.LockBiopsyResult(ctx, biopsyID)
			if err != nil {
				return err
			}
			if biopsy.Status != BiopsyStatusPending {
				return fmt.Errorf("%w: biopsy is %s", ErrBiopsyClosed, biopsy.Status)
			}
			review := BiopsyReview{
				Status:          BiopsyStatusRejected,
				ReviewedBy:      requester.UserID,
				Note:            strings.TrimSpace(note),
				ReviewedUnixUTC: service.nowFn(),
			}
			if err := transactionStore.UpdateBiopsyReview(ctx, biopsyID, BiopsyStatusPending, review); err != nil {
				return err
			}
			rejected, err = transactionStore.GetBiopsyResult(ctx, biopsyID)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRejectBiopsy,
		AccountID: requester.ID,
		Subject:   biopsyID.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return BiopsyResult{}, operationError
	}
	return rejected, nil
}
