package ledger

import (
	"fmt"
	"strings"
)

// TransactionStatus is the settlement state of a purchase.
type TransactionStatus string

const (
	TransactionStatusSuccess TransactionStatus = "SUCCESS"
	TransactionStatusFailed  TransactionStatus = "FAILED"
)

// CheckupStatus is the aggregate inference state of a checkup.
type CheckupStatus string

const (
	CheckupStatusPending   CheckupStatus = "PENDING"
	CheckupStatusCompleted CheckupStatus = "COMPLETED"
	CheckupStatusFailed    CheckupStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (status CheckupStatus) Terminal() bool {
	return status == CheckupStatusCompleted || status == CheckupStatusFailed
}

// BiopsyStatus is the review state of a biopsy result.
type BiopsyStatus string

const (
	BiopsyStatusPending  BiopsyStatus = "PENDING"
	BiopsyStatusVerified BiopsyStatus = "VERIFIED"
	BiopsyStatusRejected BiopsyStatus = "REJECTED"
)

// Account holds the credit balance of one user.
type Account struct {
	ID             AccountID
	UserID         UserID
	Role           Role
	Credits        Credits
	CreatedUnixUTC int64
}

// Transaction is one purchase attempt.
type Transaction struct {
	ID             string
	AccountID      AccountID
	Bundle         Bundle
	CreditsAdded   PositiveCredits
	AmountUSDCents int64
	Status         TransactionStatus
	Provider       string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// SkinLesion describes the lesion examined in a skin cancer checkup.
type SkinLesion struct {
	SizeMM             float64
	Location           string
	Asymmetry          bool
	BorderIrregularity bool
	ColorVariation     bool
	DiameterMM         float64
	Evolution          bool
}

// ClinicalFields are the patient details attached to a checkup.
type ClinicalFields struct {
	Age       int
	Gender    string
	BloodType string
	Note      string
	Lesion    SkinLesion
}

var bloodTypes = map[string]struct{}{
	"A+": {}, "A-": {}, "B+": {}, "B-": {}, "AB+": {}, "AB-": {}, "O+": {}, "O-": {},
}

// Normalize trims free text and validates ranges.
func (fields ClinicalFields) Normalize() (ClinicalFields, error) {
	fields.Gender = strings.TrimSpace(fields.Gender)
	fields.BloodType = strings.ToUpper(strings.TrimSpace(fields.BloodType))
	fields.Note = strings.TrimSpace(fields.Note)
	fields.Lesion.Location = strings.TrimSpace(fields.Lesion.Location)
	switch {
	case fields.Age < 0 || fields.Age > 150:
		return ClinicalFields{}, fmt.Errorf("%w: age %d out of range", ErrInvalidClinicalFields, fields.Age)
	case fields.Gender == "" || len(fields.Gender) > 10:
		return ClinicalFields{}, fmt.Errorf("%w: gender", ErrInvalidClinicalFields)
	case fields.Lesion.Location == "" || len(fields.Lesion.Location) > 100:
		return ClinicalFields{}, fmt.Errorf("%w: lesion location", ErrInvalidClinicalFields)
	case fields.Lesion.SizeMM < 0 || fields.Lesion.DiameterMM < 0:
		return ClinicalFields{}, fmt.Errorf("%w: lesion dimensions must not be negative", ErrInvalidClinicalFields)
	}
	if _, ok := bloodTypes[fields.BloodType]; !ok {
		return ClinicalFields{}, fmt.Errorf("%w: blood type %q", ErrInvalidClinicalFields, fields.BloodType)
	}
	return fields, nil
}

// Checkup is a submitted diagnostic case and its aggregate outcome.
type Checkup struct {
	ID               CheckupID
	AccountID        AccountID
	Kind             SubjectKind
	Clinical         ClinicalFields
	FeeCredits       PositiveCredits
	TaskID           TaskID
	Status           CheckupStatus
	ResultLabel      string
	FinalConfidence  float64
	ImageCount       int
	ErrorMessage     string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// Subject returns the reference image samples and biopsy results attach to.
func (checkup Checkup) Subject() SubjectRef {
	return SubjectRef{Kind: checkup.Kind, ID: checkup.ID.String()}
}

// CheckupOutcome is the terminal transition written by the orchestrator.
type CheckupOutcome struct {
	Status           CheckupStatus
	ResultLabel      string
	FinalConfidence  float64
	ErrorMessage     string
	CompletedUnixUTC int64
}

// ImageUpload references an image already placed in blob storage.
type ImageUpload struct {
	StorageKey  string
	ContentType string
}

// ImageSample is one image bound to a subject.
type ImageSample struct {
	ID              ImageSampleID
	Subject         SubjectRef
	StorageKey      string
	ContentType     string
	UploadedUnixUTC int64
}

// ImageResult is the inference outcome for one sample.
type ImageResult struct {
	ImageSampleID   ImageSampleID
	Label           string
	Model           string
	Confidence      float64
	ReportedUnixUTC int64
}

// BiopsyResult is a lab-confirmed outcome attached to a subject.
type BiopsyResult struct {
	ID              BiopsyID
	Subject         SubjectRef
	Result          string
	DocumentKey     string
	Status          BiopsyStatus
	CreditsRefunded bool
	VerifiedBy      UserID
	ReviewNote      string
	UploadedUnixUTC int64
	ReviewedUnixUTC int64
}

// BiopsyReview is the conditional update applied to a biopsy row.
type BiopsyReview struct {
	Status          BiopsyStatus
	ReviewedBy      UserID
	Note            string
	Refunded        bool
	ReviewedUnixUTC int64
}

// InferenceJob is one unit of work handed to the worker pool.
type InferenceJob struct {
	JobID         string
	TaskID        TaskID
	CheckupID     CheckupID
	ImageSampleID ImageSampleID
	StorageKey    string
	ContentType   string
}

// CheckupResults is the poll view of a checkup.
type CheckupResults struct {
	Checkup Checkup
	Results []ImageResult
	// Gap is set when the checkup is pending without a submitted task.
	Gap bool
}
