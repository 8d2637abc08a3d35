package checkupapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{ledger.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{ledger.ErrAccountProfileMissing, http.StatusForbidden, "account_profile_missing"},
	{ledger.ErrForbidden, http.StatusForbidden, "forbidden"},
	{ledger.ErrMissingTargetAccount, http.StatusBadRequest, "missing_target_account"},
	{ledger.ErrInvalidBundle, http.StatusBadRequest, "invalid_bundle"},
	{ledger.ErrTooManyImages, http.StatusBadRequest, "too_many_images"},
	{ledger.ErrInvalidClinicalFields, http.StatusBadRequest, "invalid_clinical_fields"},
	{ledger.ErrInvalidIdempotencyKey, http.StatusBadRequest, "invalid_idempotency_key"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata"},
	{ledger.ErrInvalidImage, http.StatusBadRequest, "invalid_image"},
	{ledger.ErrAlreadyVerified, http.StatusConflict, "already_verified"},
	{ledger.ErrBiopsyExists, http.StatusConflict, "biopsy_exists"},
	{ledger.ErrBiopsyClosed, http.StatusConflict, "biopsy_closed"},
	{ledger.ErrCheckupClosed, http.StatusConflict, "checkup_closed"},
	{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_idempotency_key"},
	{ledger.ErrOrchestrationGap, http.StatusServiceUnavailable, "orchestration_gap"},
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	switch {
	case ledger.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case ledger.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
