package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) InsertCheckup(ctx context.Context, checkup ledger.Checkup) error {
	lesion := checkup.Clinical.Lesion
	model := Checkup{
		CheckupID: checkup.ID.String(),
		AccountID: checkup.AccountID.String(),
		Kind:      string(checkup.Kind),
		Age:       checkup.Clinical.Age,
		Gender:    checkup.Clinical.Gender,
		BloodType: checkup.Clinical.BloodType,
		Note:      checkup.Clinical.Note,
		Lesion: datatypes.NewJSONType(LesionDetails{
			SizeMM:             lesion.SizeMM,
			Location:           lesion.Location,
			Asymmetry:          lesion.Asymmetry,
			BorderIrregularity: lesion.BorderIrregularity,
			ColorVariation:     lesion.ColorVariation,
			DiameterMM:         lesion.DiameterMM,
			Evolution:          lesion.Evolution,
		}),
		FeeCredits:      checkup.FeeCredits.Int64(),
		TaskID:          checkup.TaskID.String(),
		Status:          string(checkup.Status),
		ResultLabel:     checkup.ResultLabel,
		FinalConfidence: checkup.FinalConfidence,
		ImageCount:      checkup.ImageCount,
		ErrorMessage:    checkup.ErrorMessage,
		CreatedAt:       unixToTime(checkup.CreatedUnixUTC),
		CompletedAt:     optionalTime(checkup.CompletedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectCheckup, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetCheckup(ctx context.Context, checkupID ledger.CheckupID) (ledger.Checkup, error) {
	return store.takeCheckup(store.db.WithContext(ctx), checkupID, errorCodeGet)
}

// LockCheckup takes a row lock on postgres; sqlite serializes writers on its own.
func (store *Store) LockCheckup(ctx context.Context, checkupID ledger.CheckupID) (ledger.Checkup, error) {
	return store.takeCheckup(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), checkupID, errorCodeLock)
}

func (store *Store) takeCheckup(query *gorm.DB, checkupID ledger.CheckupID, code string) (ledger.Checkup, error) {
	var model Checkup
	err := query.Where("checkup_id = ?", checkupID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Checkup{}, wrapStoreError(errorSubjectCheckup, code, ledger.ErrCheckupNotFound)
	}
	if err != nil {
		return ledger.Checkup{}, wrapStoreError(errorSubjectCheckup, code, err)
	}
	checkup, err := mapCheckup(model)
	if err != nil {
		return ledger.Checkup{}, wrapStoreError(errorSubjectCheckup, errorCodeInvalid, err)
	}
	return checkup, nil
}

func (store *Store) SetCheckupTask(ctx context.Context, checkupID ledger.CheckupID, taskID ledger.TaskID) error {
	result := store.db.WithContext(ctx).
		Model(&Checkup{}).
		Where("checkup_id = ?", checkupID.String()).
		Update("task_id", taskID.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectCheckup, errorCodeUpdateTask, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCheckup, errorCodeUpdateTask, ledger.ErrCheckupNotFound)
	}
	return nil
}

func (store *Store) UpdateCheckupOutcome(ctx context.Context, checkupID ledger.CheckupID, from ledger.CheckupStatus, outcome ledger.CheckupOutcome) error {
	result := store.db.WithContext(ctx).
		Model(&Checkup{}).
		Where("checkup_id = ? AND status = ?", checkupID.String(), string(from)).
		Updates(map[string]any{
			"status":           string(outcome.Status),
			"result_label":     outcome.ResultLabel,
			"final_confidence": outcome.FinalConfidence,
			"error_message":    outcome.ErrorMessage,
			"completed_at":     optionalTime(outcome.CompletedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCheckup, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetCheckup(ctx, checkupID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectCheckup, errorCodeUpdateStatus, ledger.ErrCheckupClosed)
	}
	return nil
}

func (store *Store) ListStalePendingCheckups(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Checkup, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(ledger.CheckupStatusPending), time.Unix(createdBeforeUnixUTC, 0).UTC()).
		Where("(task_id <> '' OR image_count = 0)").
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Checkup
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCheckup, errorCodeList, err)
	}
	checkups := make([]ledger.Checkup, 0, len(rows))
	for _, row := range rows {
		checkup, err := mapCheckup(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCheckup, errorCodeInvalid, err)
		}
		checkups = append(checkups, checkup)
	}
	return checkups, nil
}

func (store *Store) InsertImageSample(ctx context.Context, sample ledger.ImageSample) error {
	model := ImageSample{
		ImageSampleID: sample.ID.String(),
		SubjectKind:   string(sample.Subject.Kind),
		SubjectID:     sample.Subject.ID,
		StorageKey:    sample.StorageKey,
		ContentType:   sample.ContentType,
		UploadedAt:    unixToTime(sample.UploadedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectImageSample, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetImageSample(ctx context.Context, sampleID ledger.ImageSampleID) (ledger.ImageSample, error) {
	var model ImageSample
	err := store.db.WithContext(ctx).Where("image_sample_id = ?", sampleID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ImageSample{}, wrapStoreError(errorSubjectImageSample, errorCodeGet, ledger.ErrImageSampleNotFound)
	}
	if err != nil {
		return ledger.ImageSample{}, wrapStoreError(errorSubjectImageSample, errorCodeGet, err)
	}
	sample, err := mapImageSample(model)
	if err != nil {
		return ledger.ImageSample{}, wrapStoreError(errorSubjectImageSample, errorCodeInvalid, err)
	}
	return sample, nil
}

func (store *Store) ListImageSamples(ctx context.Context, subject ledger.SubjectRef) ([]ledger.ImageSample, error) {
	var rows []ImageSample
	err := store.db.WithContext(ctx).
		Where("subject_kind = ? AND subject_id = ?", string(subject.Kind), subject.ID).
		Order("uploaded_at ASC").Order("image_sample_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectImageSample, errorCodeList, err)
	}
	samples := make([]ledger.ImageSample, 0, len(rows))
	for _, row := range rows {
		sample, err := mapImageSample(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectImageSample, errorCodeInvalid, err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (store *Store) UpsertImageResult(ctx context.Context, result ledger.ImageResult) error {
	model := ImageResult{
		ImageSampleID: result.ImageSampleID.String(),
		Label:         result.Label,
		Model:         result.Model,
		Confidence:    result.Confidence,
		ReportedAt:    unixToTime(result.ReportedUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "image_sample_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"label", "model", "confidence", "reported_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectImageResult, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListImageResults(ctx context.Context, subject ledger.SubjectRef) ([]ledger.ImageResult, error) {
	var rows []ImageResult
	err := store.db.WithContext(ctx).
		Model(&ImageResult{}).
		Select("image_results.*").
		Joins("JOIN image_samples ON image_samples.image_sample_id = image_results.image_sample_id").
		Where("image_samples.subject_kind = ? AND image_samples.subject_id = ?", string(subject.Kind), subject.ID).
		Order("image_samples.uploaded_at ASC").Order("image_results.image_sample_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectImageResult, errorCodeList, err)
	}
	results := make([]ledger.ImageResult, 0, len(rows))
	for _, row := range rows {
		sampleID, err := ledger.NewImageSampleID(row.ImageSampleID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectImageResult, errorCodeInvalid, err)
		}
		results = append(results, ledger.ImageResult{
			ImageSampleID:   sampleID,
			Label:           row.Label,
			Model:           row.Model,
			Confidence:      row.Confidence,
			ReportedUnixUTC: row.ReportedAt.Unix(),
		})
	}
	return results, nil
}

func (store *Store) InsertBiopsyResult(ctx context.Context, biopsy ledger.BiopsyResult) error {
	model := BiopsyResult{
		BiopsyID:        biopsy.ID.String(),
		SubjectKind:     string(biopsy.Subject.Kind),
		SubjectID:       biopsy.Subject.ID,
		Result:          biopsy.Result,
		DocumentKey:     biopsy.DocumentKey,
		Status:          string(biopsy.Status),
		CreditsRefunded: biopsy.CreditsRefunded,
		UploadedAt:      unixToTime(biopsy.UploadedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintBiopsySubject) {
		return wrapStoreError(errorSubjectBiopsy, errorCodeDuplicate, ledger.ErrBiopsyExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBiopsy, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetBiopsyResult(ctx context.Context, biopsyID ledger.BiopsyID) (ledger.BiopsyResult, error) {
	return store.takeBiopsy(store.db.WithContext(ctx), biopsyID, errorCodeGet)
}

func (store *Store) LockBiopsyResult(ctx context.Context, biopsyID ledger.BiopsyID) (ledger.BiopsyResult, error) {
	return store.takeBiopsy(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), biopsyID, errorCodeLock)
}

func (store *Store) takeBiopsy(query *gorm.DB, biopsyID ledger.BiopsyID, code string) (ledger.BiopsyResult, error) {
	var model BiopsyResult
	err := query.Where("biopsy_id = ?", biopsyID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.BiopsyResult{}, wrapStoreError(errorSubjectBiopsy, code, ledger.ErrBiopsyNotFound)
	}
	if err != nil {
		return ledger.BiopsyResult{}, wrapStoreError(errorSubjectBiopsy, code, err)
	}
	biopsy, err := mapBiopsy(model)
	if err != nil {
		return ledger.BiopsyResult{}, wrapStoreError(errorSubjectBiopsy, errorCodeInvalid, err)
	}
	return biopsy, nil
}

// UpdateBiopsyReview ORs the refunded flag so it can only ever be set.
func (store *Store) UpdateBiopsyReview(ctx context.Context, biopsyID ledger.BiopsyID, from ledger.BiopsyStatus, review ledger.BiopsyReview) error {
	var reviewedBy *string
	if value := review.ReviewedBy.String(); value != "" {
		reviewedBy = &value
	}
	result := store.db.WithContext(ctx).
		Model(&BiopsyResult{}).
		Where("biopsy_id = ? AND status = ?", biopsyID.String(), string(from)).
		Updates(map[string]any{
			"status":           string(review.Status),
			"verified_by":      reviewedBy,
			"review_note":      review.Note,
			"reviewed_at":      optionalTime(review.ReviewedUnixUTC),
			"credits_refunded": gorm.Expr("credits_refunded OR ?", review.Refunded),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBiopsy, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetBiopsyResult(ctx, biopsyID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectBiopsy, errorCodeUpdateStatus, ledger.ErrBiopsyClosed)
	}
	return nil
}

func mapCheckup(row Checkup) (ledger.Checkup, error) {
	checkupID, err := ledger.NewCheckupID(row.CheckupID)
	if err != nil {
		return ledger.Checkup{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Checkup{}, err
	}
	feeCredits, err := ledger.NewPositiveCredits(row.FeeCredits)
	if err != nil {
		return ledger.Checkup{}, err
	}
	lesion := row.Lesion.Data()
	return ledger.Checkup{
		ID:        checkupID,
		AccountID: accountID,
		Kind:      ledger.SubjectKind(row.Kind),
		Clinical: ledger.ClinicalFields{
			Age:       row.Age,
			Gender:    row.Gender,
			BloodType: row.BloodType,
			Note:      row.Note,
			Lesion: ledger.SkinLesion{
				SizeMM:             lesion.SizeMM,
				Location:           lesion.Location,
				Asymmetry:          lesion.Asymmetry,
				BorderIrregularity: lesion.BorderIrregularity,
				ColorVariation:     lesion.ColorVariation,
				DiameterMM:         lesion.DiameterMM,
				Evolution:          lesion.Evolution,
			},
		},
		FeeCredits:       feeCredits,
		TaskID:           ledger.NewTaskID(row.TaskID),
		Status:           ledger.CheckupStatus(row.Status),
		ResultLabel:      row.ResultLabel,
		FinalConfidence:  row.FinalConfidence,
		ImageCount:       row.ImageCount,
		ErrorMessage:     row.ErrorMessage,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		CompletedUnixUTC: timeOrZero(row.CompletedAt),
	}, nil
}

func mapImageSample(row ImageSample) (ledger.ImageSample, error) {
	sampleID, err := ledger.NewImageSampleID(row.ImageSampleID)
	if err != nil {
		return ledger.ImageSample{}, err
	}
	subject, err := ledger.NewSubjectRef(row.SubjectKind, row.SubjectID)
	if err != nil {
		return ledger.ImageSample{}, err
	}
	return ledger.ImageSample{
		ID:              sampleID,
		Subject:         subject,
		StorageKey:      row.StorageKey,
		ContentType:     row.ContentType,
		UploadedUnixUTC: row.UploadedAt.Unix(),
	}, nil
}

func mapBiopsy(row BiopsyResult) (ledger.BiopsyResult, error) {
	biopsyID, err := ledger.NewBiopsyID(row.BiopsyID)
	if err != nil {
		return ledger.BiopsyResult{}, err
	}
	subject, err := ledger.NewSubjectRef(row.SubjectKind, row.SubjectID)
	if err != nil {
		return ledger.BiopsyResult{}, err
	}
	biopsy := ledger.BiopsyResult{
		ID:              biopsyID,
		Subject:         subject,
		Result:          row.Result,
		DocumentKey:     row.DocumentKey,
		Status:          ledger.BiopsyStatus(row.Status),
		CreditsRefunded: row.CreditsRefunded,
		ReviewNote:      row.ReviewNote,
		UploadedUnixUTC: row.UploadedAt.Unix(),
		ReviewedUnixUTC: timeOrZero(row.ReviewedAt),
	}
	if row.VerifiedBy != nil {
		verifiedBy, err := ledger.NewUserID(*row.VerifiedBy)
		if err != nil {
			return ledger.BiopsyResult{}, err
		}
		biopsy.VerifiedBy = verifiedBy
	}
	return biopsy, nil
}
