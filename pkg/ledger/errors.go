package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountProfileMissing   = errors.New("account profile missing")
	ErrMissingTargetAccount    = errors.New("missing target account")
	ErrForbidden               = errors.New("forbidden")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrCheckupNotFound         = errors.New("checkup not found")
	ErrCheckupClosed           = errors.New("checkup closed")
	ErrImageSampleNotFound     = errors.New("image sample not found")
	ErrTooManyImages           = errors.New("too many images")
	ErrBiopsyNotFound          = errors.New("biopsy result not found")
	ErrBiopsyExists            = errors.New("biopsy result already exists")
	ErrBiopsyClosed            = errors.New("biopsy result closed")
	ErrAlreadyVerified         = errors.New("biopsy result already verified")
	ErrOrchestrationGap        = errors.New("orchestration gap")
	ErrQueueUnavailable        = errors.New("job queue unavailable")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidRole             = errors.New("invalid role")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidBundle           = errors.New("invalid bundle")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidCheckupID        = errors.New("invalid checkup id")
	ErrInvalidImageSampleID    = errors.New("invalid image sample id")
	ErrInvalidBiopsyID         = errors.New("invalid biopsy id")
	ErrInvalidBiopsyResult     = errors.New("invalid biopsy result")
	ErrInvalidSubject          = errors.New("invalid subject")
	ErrInvalidClinicalFields   = errors.New("invalid clinical fields")
	ErrInvalidImage            = errors.New("invalid image")
	ErrInvalidInferenceResult  = errors.New("invalid inference result")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

var (
	validationErrors = []error{
		ErrInvalidAccountID,
		ErrInvalidUserID,
		ErrInvalidRole,
		ErrInvalidCredits,
		ErrInvalidBundle,
		ErrInvalidIdempotencyKey,
		ErrInvalidMetadataJSON,
		ErrInvalidCheckupID,
		ErrInvalidImageSampleID,
		ErrInvalidBiopsyID,
		ErrInvalidBiopsyResult,
		ErrInvalidSubject,
		ErrInvalidClinicalFields,
		ErrInvalidImage,
		ErrInvalidInferenceResult,
		ErrInvalidStatus,
		ErrMissingTargetAccount,
		ErrTooManyImages,
	}
	notFoundErrors = []error{
		ErrAccountNotFound,
		ErrTransactionNotFound,
		ErrCheckupNotFound,
		ErrImageSampleNotFound,
		ErrBiopsyNotFound,
	}
	conflictErrors = []error{
		ErrDuplicateIdempotencyKey,
		ErrAlreadyVerified,
		ErrBiopsyExists,
		ErrBiopsyClosed,
		ErrCheckupClosed,
	}
)

// IsValidation reports whether err is caused by malformed or missing input.
func IsValidation(err error) bool {
	return matchesAny(err, validationErrors)
}

// IsNotFound reports whether err refers to an unknown account, checkup, sample or biopsy.
func IsNotFound(err error) bool {
	return matchesAny(err, notFoundErrors)
}

// IsConflict reports whether err is a state conflict the caller cannot fix by retrying.
func IsConflict(err error) bool {
	return matchesAny(err, conflictErrors)
}

func matchesAny(err error, candidates []error) bool {
	if err == nil {
		return false
	}
	for _, candidate := range candidates {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
