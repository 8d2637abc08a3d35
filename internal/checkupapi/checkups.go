package checkupapi

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	imagesFormField    = "images"
	waitQueryParameter = "wait"
	imageContentPrefix = "image/"
)

func (handler *httpHandler) handleSubmitCheckup(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxUploadBytes)
	var form checkupForm
	if err := ctx.ShouldBind(&form); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected multipart form with clinical fields"))
		return
	}
	var files []*multipart.FileHeader
	if multipartForm, err := ctx.MultipartForm(); err == nil {
		files = multipartForm.File[imagesFormField]
	}
	maxImages := handler.service.Policy().MaxImages
	if len(files) > maxImages {
		handler.respondError(ctx, fmt.Errorf("%w: %d submitted, at most %d allowed", ledger.ErrTooManyImages, len(files), maxImages))
		return
	}

	requestCtx := ctx.Request.Context()
	uploads, err := handler.storeImages(requestCtx, files)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.service.SubmitCheckup(requestCtx, ledger.CheckupSubmission{
		Requester: currentAccount(ctx),
		Kind:      ledger.SubjectKind(strings.TrimSpace(form.Kind)),
		Clinical:  form.clinicalFields(),
		Images:    uploads,
	})
	if err != nil {
		handler.discardImages(uploads)
		handler.respondError(ctx, err)
		return
	}

	payload := submitCheckupPayload{
		Checkup:          newCheckupPayload(receipt.Checkup),
		ImageSampleIDs:   make([]string, 0, len(receipt.Images)),
		Balance:          receipt.Balance.Int64(),
		TaskQueued:       receipt.TaskQueued,
		OrchestrationGap: receipt.TaskError != nil,
	}
	if receipt.TaskError != nil {
		payload.OrchestrationNote = receipt.TaskError.Error()
	}
	for _, sample := range receipt.Images {
		payload.ImageSampleIDs = append(payload.ImageSampleIDs, sample.ID.String())
	}
	ctx.JSON(http.StatusCreated, payload)
}

// storeImages uploads every file; on failure the already stored blobs are removed.
func (handler *httpHandler) storeImages(ctx context.Context, files []*multipart.FileHeader) ([]ledger.ImageUpload, error) {
	uploads := make([]ledger.ImageUpload, 0, len(files))
	for index, fileHeader := range files {
		contentType := fileHeader.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, imageContentPrefix) {
			handler.discardImages(uploads)
			return nil, fmt.Errorf("%w: file %d has content type %q", ledger.ErrInvalidImage, index, contentType)
		}
		file, err := fileHeader.Open()
		if err != nil {
			handler.discardImages(uploads)
			return nil, fmt.Errorf("%w: open file %d: %v", ledger.ErrInvalidImage, index, err)
		}
		info, err := handler.blobs.Put(ctx, blob.ImageUploadKey(uuid.NewString()), file, contentType)
		_ = file.Close()
		if err != nil {
			handler.discardImages(uploads)
			return nil, fmt.Errorf("store image %d: %w", index, err)
		}
		uploads = append(uploads, ledger.ImageUpload{StorageKey: info.Key, ContentType: contentType})
	}
	return uploads, nil
}

func (handler *httpHandler) discardImages(uploads []ledger.ImageUpload) {
	for _, upload := range uploads {
		if err := handler.blobs.Delete(context.Background(), upload.StorageKey); err != nil {
			handler.logger.Warn("image cleanup failed", zap.String("key", upload.StorageKey), zap.Error(err))
		}
	}
}

// handlePollResults answers 200 once the checkup is terminal and 202 while it is pending.
func (handler *httpHandler) handlePollResults(ctx *gin.Context) {
	checkupID, err := ledger.NewCheckupID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	maxWait := handler.service.Policy().MaxPollWait
	wait := maxWait
	if raw, ok := ctx.GetQuery(waitQueryParameter); ok {
		seconds, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if parseErr != nil || seconds < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_wait", "wait must be a non-negative number of seconds"))
			return
		}
		// clamp before converting so large values cannot overflow
		if seconds < int64(maxWait/time.Second) {
			wait = time.Duration(seconds) * time.Second
		}
	}
	results, err := handler.service.PollResults(ctx.Request.Context(), currentAccount(ctx), checkupID, wait)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusOK
	if !results.Checkup.Status.Terminal() {
		status = http.StatusAccepted
	}
	ctx.JSON(status, newResultsPayload(results))
}

func (handler *httpHandler) handleResubmitCheckup(ctx *gin.Context) {
	checkupID, err := ledger.NewCheckupID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	taskID, err := handler.service.ResubmitCheckup(ctx.Request.Context(), currentAccount(ctx), checkupID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"checkup_id": checkupID.String(), "task_id": taskID.String()})
}
