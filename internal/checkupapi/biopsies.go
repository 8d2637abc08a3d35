package checkupapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const documentFormField = "document"

func (handler *httpHandler) handleAttachBiopsy(ctx *gin.Context) {
	requester := currentAccount(ctx)
	if requester.Role != ledger.RoleAdmin {
		handler.respondError(ctx, ledger.ErrForbidden)
		return
	}
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxUploadBytes)
	var form biopsyForm
	if err := ctx.ShouldBind(&form); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected form with subject_id and result"))
		return
	}
	kind := strings.TrimSpace(form.SubjectKind)
	if kind == "" {
		kind = string(ledger.SubjectKindSkinCancerCheckup)
	}
	subject, err := ledger.NewSubjectRef(kind, form.SubjectID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	documentKey := ""
	fileHeader, err := ctx.FormFile(documentFormField)
	switch {
	case err == nil:
		file, openErr := fileHeader.Open()
		if openErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_document", "document could not be read"))
			return
		}
		info, putErr := handler.blobs.Put(ctx.Request.Context(), blob.BiopsyDocumentKey(subject.String(), uuid.NewString()), file, fileHeader.Header.Get("Content-Type"))
		_ = file.Close()
		if putErr != nil {
			handler.respondError(ctx, putErr)
			return
		}
		documentKey = info.Key
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_document", "document could not be read"))
		return
	}

	biopsy, err := handler.service.AttachBiopsyResult(ctx.Request.Context(), requester, ledger.BiopsyUpload{
		Subject:     subject,
		Result:      form.Result,
		DocumentKey: documentKey,
	})
	if err != nil {
		if documentKey != "" {
			if deleteErr := handler.blobs.Delete(ctx.Request.Context(), documentKey); deleteErr != nil {
				handler.logger.Warn("document cleanup failed", zap.String("key", documentKey), zap.Error(deleteErr))
			}
		}
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"biopsy": handler.biopsyWithDocument(ctx, biopsy)})
}

func (handler *httpHandler) handleGetBiopsy(ctx *gin.Context) {
	if currentAccount(ctx).Role != ledger.RoleAdmin {
		handler.respondError(ctx, ledger.ErrForbidden)
		return
	}
	biopsyID, err := ledger.NewBiopsyID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	biopsy, err := handler.service.GetBiopsyResult(ctx.Request.Context(), biopsyID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"biopsy": handler.biopsyWithDocument(ctx, biopsy)})
}

func (handler *httpHandler) handleVerifyBiopsy(ctx *gin.Context) {
	handler.reviewBiopsy(ctx, handler.service.VerifyBiopsy)
}

func (handler *httpHandler) handleRejectBiopsy(ctx *gin.Context) {
	handler.reviewBiopsy(ctx, handler.service.RejectBiopsy)
}

type biopsyReviewFunc func(ctx context.Context, requester ledger.Account, biopsyID ledger.BiopsyID, note string) (ledger.BiopsyResult, error)

func (handler *httpHandler) reviewBiopsy(ctx *gin.Context, review biopsyReviewFunc) {
	biopsyID, err := ledger.NewBiopsyID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request reviewRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	biopsy, err := review(ctx.Request.Context(), currentAccount(ctx), biopsyID, request.Note)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"biopsy": handler.biopsyWithDocument(ctx, biopsy)})
}

func (handler *httpHandler) biopsyWithDocument(ctx *gin.Context, biopsy ledger.BiopsyResult) biopsyPayload {
	payload := newBiopsyPayload(biopsy)
	if biopsy.DocumentKey == "" {
		return payload
	}
	url, err := handler.blobs.PresignURL(ctx.Request.Context(), biopsy.DocumentKey, handler.cfg.DocumentURLTTL)
	if err != nil {
		handler.logger.Warn("document presign failed", zap.String("key", biopsy.DocumentKey), zap.Error(err))
		return payload
	}
	payload.DocumentURL = url
	return payload
}
