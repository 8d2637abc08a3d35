package checkupapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
)

type openAccountRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type purchaseRequest struct {
	Bundle          string          `json:"bundle" binding:"required"`
	IdempotencyKey  string          `json:"idempotency_key"`
	DoctorAccountID json.RawMessage `json:"doctor_account_id"`
	Metadata        json.RawMessage `json:"metadata"`
}

type reviewRequest struct {
	Note string `json:"note"`
}

// checkupForm is the multipart body of a checkup submission; images arrive as "images" files.
type checkupForm struct {
	Kind               string  `form:"kind"`
	Age                *int    `form:"age" binding:"required"`
	Gender             string  `form:"gender"`
	BloodType          string  `form:"blood_type"`
	Note               string  `form:"note"`
	LesionSizeMM       float64 `form:"lesion_size_mm"`
	LesionLocation     string  `form:"lesion_location"`
	Asymmetry          bool    `form:"asymmetry"`
	BorderIrregularity bool    `form:"border_irregularity"`
	ColorVariation     bool    `form:"color_variation"`
	DiameterMM         float64 `form:"diameter_mm"`
	Evolution          bool    `form:"evolution"`
}

func (form checkupForm) clinicalFields() ledger.ClinicalFields {
	age := 0
	if form.Age != nil {
		age = *form.Age
	}
	return ledger.ClinicalFields{
		Age:       age,
		Gender:    form.Gender,
		BloodType: form.BloodType,
		Note:      form.Note,
		Lesion: ledger.SkinLesion{
			SizeMM:             form.LesionSizeMM,
			Location:           form.LesionLocation,
			Asymmetry:          form.Asymmetry,
			BorderIrregularity: form.BorderIrregularity,
			ColorVariation:     form.ColorVariation,
			DiameterMM:         form.DiameterMM,
			Evolution:          form.Evolution,
		},
	}
}

type biopsyForm struct {
	SubjectKind string `form:"subject_kind"`
	SubjectID   string `form:"subject_id" binding:"required"`
	Result      string `form:"result"`
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	Credits        int64  `json:"credits"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	AccountID      string          `json:"account_id"`
	Bundle         string          `json:"bundle"`
	CreditsAdded   int64           `json:"credits_added"`
	AmountUSDCents int64           `json:"amount_usd_cents"`
	Status         string          `json:"status"`
	Provider       string          `json:"provider"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type purchasePayload struct {
	Transaction transactionPayload `json:"transaction"`
	Balance     int64              `json:"balance"`
	Replayed    bool               `json:"replayed"`
}

type clinicalPayload struct {
	Age                int     `json:"age"`
	Gender             string  `json:"gender"`
	BloodType          string  `json:"blood_type"`
	Note               string  `json:"note,omitempty"`
	LesionSizeMM       float64 `json:"lesion_size_mm"`
	LesionLocation     string  `json:"lesion_location"`
	Asymmetry          bool    `json:"asymmetry"`
	BorderIrregularity bool    `json:"border_irregularity"`
	ColorVariation     bool    `json:"color_variation"`
	DiameterMM         float64 `json:"diameter_mm"`
	Evolution          bool    `json:"evolution"`
}

type checkupPayload struct {
	CheckupID        string          `json:"checkup_id"`
	AccountID        string          `json:"account_id"`
	Kind             string          `json:"kind"`
	Status           string          `json:"status"`
	TaskID           string          `json:"task_id"`
	FeeCredits       int64           `json:"fee_credits"`
	ResultLabel      string          `json:"result_label,omitempty"`
	FinalConfidence  float64         `json:"final_confidence"`
	ImageCount       int             `json:"image_count"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Clinical         clinicalPayload `json:"clinical"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
	CompletedUnixUTC int64           `json:"completed_unix_utc,omitempty"`
}

type submitCheckupPayload struct {
	Checkup           checkupPayload `json:"checkup"`
	ImageSampleIDs    []string       `json:"image_sample_ids"`
	Balance           int64          `json:"balance"`
	TaskQueued        bool           `json:"task_queued"`
	OrchestrationGap  bool           `json:"orchestration_gap"`
	OrchestrationNote string         `json:"orchestration_error,omitempty"`
}

type imageResultPayload struct {
	ImageSampleID   string  `json:"image_sample_id"`
	Label           string  `json:"label"`
	Model           string  `json:"model"`
	Confidence      float64 `json:"confidence"`
	ReportedUnixUTC int64   `json:"reported_unix_utc"`
}

type resultsPayload struct {
	Checkup          checkupPayload       `json:"checkup"`
	Results          []imageResultPayload `json:"results"`
	OrchestrationGap bool                 `json:"orchestration_gap"`
}

type biopsyPayload struct {
	BiopsyID        string `json:"biopsy_id"`
	Subject         string `json:"subject"`
	Result          string `json:"result"`
	Status          string `json:"status"`
	CreditsRefunded bool   `json:"credits_refunded"`
	VerifiedBy      string `json:"verified_by,omitempty"`
	ReviewNote      string `json:"review_note,omitempty"`
	DocumentURL     string `json:"document_url,omitempty"`
	UploadedUnixUTC int64  `json:"uploaded_unix_utc"`
	ReviewedUnixUTC int64  `json:"reviewed_unix_utc,omitempty"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		AccountID:      account.ID.String(),
		UserID:         account.UserID.String(),
		Role:           account.Role.String(),
		Credits:        account.Credits.Int64(),
		CreatedUnixUTC: account.CreatedUnixUTC,
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.ID,
		AccountID:      transaction.AccountID.String(),
		Bundle:         transaction.Bundle.String(),
		CreditsAdded:   transaction.CreditsAdded.Int64(),
		AmountUSDCents: transaction.AmountUSDCents,
		Status:         string(transaction.Status),
		Provider:       transaction.Provider,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Metadata:       json.RawMessage(transaction.Metadata.String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func newCheckupPayload(checkup ledger.Checkup) checkupPayload {
	clinical := checkup.Clinical
	return checkupPayload{
		CheckupID:       checkup.ID.String(),
		AccountID:       checkup.AccountID.String(),
		Kind:            string(checkup.Kind),
		Status:          string(checkup.Status),
		TaskID:          checkup.TaskID.String(),
		FeeCredits:      checkup.FeeCredits.Int64(),
		ResultLabel:     checkup.ResultLabel,
		FinalConfidence: checkup.FinalConfidence,
		ImageCount:      checkup.ImageCount,
		ErrorMessage:    checkup.ErrorMessage,
		Clinical: clinicalPayload{
			Age:                clinical.Age,
			Gender:             clinical.Gender,
			BloodType:          clinical.BloodType,
			Note:               clinical.Note,
			LesionSizeMM:       clinical.Lesion.SizeMM,
			LesionLocation:     clinical.Lesion.Location,
			Asymmetry:          clinical.Lesion.Asymmetry,
			BorderIrregularity: clinical.Lesion.BorderIrregularity,
			ColorVariation:     clinical.Lesion.ColorVariation,
			DiameterMM:         clinical.Lesion.DiameterMM,
			Evolution:          clinical.Lesion.Evolution,
		},
		CreatedUnixUTC:   checkup.CreatedUnixUTC,
		CompletedUnixUTC: checkup.CompletedUnixUTC,
	}
}

func newResultsPayload(results ledger.CheckupResults) resultsPayload {
	payload := resultsPayload{
		Checkup:          newCheckupPayload(results.Checkup),
		Results:          make([]imageResultPayload, 0, len(results.Results)),
		OrchestrationGap: results.Gap,
	}
	for _, result := range results.Results {
		payload.Results = append(payload.Results, imageResultPayload{
			ImageSampleID:   result.ImageSampleID.String(),
			Label:           result.Label,
			Model:           result.Model,
			Confidence:      result.Confidence,
			ReportedUnixUTC: result.ReportedUnixUTC,
		})
	}
	return payload
}

func newBiopsyPayload(biopsy ledger.BiopsyResult) biopsyPayload {
	return biopsyPayload{
		BiopsyID:        biopsy.ID.String(),
		Subject:         biopsy.Subject.String(),
		Result:          biopsy.Result,
		Status:          string(biopsy.Status),
		CreditsRefunded: biopsy.CreditsRefunded,
		VerifiedBy:      biopsy.VerifiedBy.String(),
		ReviewNote:      biopsy.ReviewNote,
		UploadedUnixUTC: biopsy.UploadedUnixUTC,
		ReviewedUnixUTC: biopsy.ReviewedUnixUTC,
	}
}
