package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"size:128;not null;uniqueIndex:uniq_accounts_user"`
	Role      string    `gorm:"size:16;not null"`
	Credits   int64     `gorm:"not null;default:0;check:chk_accounts_credits_non_negative,credits >= 0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID  string         `gorm:"primaryKey;size:64"`
	AccountID      string         `gorm:"size:64;not null;index:uniq_credit_txn_idem_per_doctor,unique,priority:1;index:idx_credit_txn_account_created,priority:1"`
	IdempotencyKey string         `gorm:"size:100;not null;index:uniq_credit_txn_idem_per_doctor,unique,priority:2"`
	Bundle         string         `gorm:"size:20;not null"`
	CreditsAdded   int64          `gorm:"not null"`
	AmountUSDCents int64          `gorm:"not null"`
	Status         string         `gorm:"size:10;not null"`
	Provider       string         `gorm:"size:50;not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_credit_txn_account_created,priority:2;index:idx_credit_txn_created"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// LesionDetails is stored as a JSON document on the checkup row.
type LesionDetails struct {
	SizeMM             float64 `json:"size_mm"`
	Location           string  `json:"location"`
	Asymmetry          bool    `json:"asymmetry"`
	BorderIrregularity bool    `json:"border_irregularity"`
	ColorVariation     bool    `json:"color_variation"`
	DiameterMM         float64 `json:"diameter_mm"`
	Evolution          bool    `json:"evolution"`
}

// Checkup mirrors the checkups table.
type Checkup struct {
	CheckupID       string                            `gorm:"primaryKey;size:64"`
	AccountID       string                            `gorm:"size:64;not null;index"`
	Kind            string                            `gorm:"size:64;not null"`
	Age             int                               `gorm:"not null"`
	Gender          string                            `gorm:"size:10;not null"`
	BloodType       string                            `gorm:"size:3;not null"`
	Note            string                            `gorm:"not null;default:''"`
	Lesion          datatypes.JSONType[LesionDetails] `gorm:"not null"`
	FeeCredits      int64                             `gorm:"not null"`
	TaskID          string                            `gorm:"size:64;not null;default:''"`
	Status          string                            `gorm:"size:20;not null;index:idx_checkups_status_created,priority:1"`
	ResultLabel     string                            `gorm:"size:32;not null;default:''"`
	FinalConfidence float64                           `gorm:"not null;default:0"`
	ImageCount      int                               `gorm:"not null"`
	ErrorMessage    string                            `gorm:"not null;default:''"`
	CreatedAt       time.Time                         `gorm:"not null;index:idx_checkups_status_created,priority:2"`
	CompletedAt     *time.Time
}

func (Checkup) TableName() string { return "checkups" }

// ImageSample mirrors the image_samples table.
type ImageSample struct {
	ImageSampleID string    `gorm:"primaryKey;size:64"`
	SubjectKind   string    `gorm:"size:64;not null;index:idx_image_samples_subject,priority:1"`
	SubjectID     string    `gorm:"size:64;not null;index:idx_image_samples_subject,priority:2"`
	StorageKey    string    `gorm:"size:512;not null"`
	ContentType   string    `gorm:"size:100;not null;default:''"`
	UploadedAt    time.Time `gorm:"not null"`
}

func (ImageSample) TableName() string { return "image_samples" }

// ImageResult mirrors the image_results table; one row per sample.
type ImageResult struct {
	ImageSampleID string    `gorm:"primaryKey;size:64"`
	Label         string    `gorm:"not null"`
	Model         string    `gorm:"size:100;not null"`
	Confidence    float64   `gorm:"not null"`
	ReportedAt    time.Time `gorm:"not null"`
}

func (ImageResult) TableName() string { return "image_results" }

// BiopsyResult mirrors the biopsy_results table; one row per subject.
type BiopsyResult struct {
	BiopsyID        string    `gorm:"primaryKey;size:64"`
	SubjectKind     string    `gorm:"size:64;not null;index:uniq_biopsy_subject,unique,priority:1"`
	SubjectID       string    `gorm:"size:64;not null;index:uniq_biopsy_subject,unique,priority:2"`
	Result          string    `gorm:"not null"`
	DocumentKey     string    `gorm:"size:512;not null;default:''"`
	Status          string    `gorm:"size:20;not null"`
	CreditsRefunded bool      `gorm:"not null;default:false"`
	VerifiedBy      *string   `gorm:"size:128"`
	ReviewNote      string    `gorm:"not null;default:''"`
	UploadedAt      time.Time `gorm:"not null"`
	ReviewedAt      *time.Time
}

func (BiopsyResult) TableName() string { return "biopsy_results" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Account{},
		&CreditTransaction{},
		&Checkup{},
		&ImageSample{},
		&ImageResult{},
		&BiopsyResult{},
	}
}
