package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxIdempotencyKeyLength = 100

// Credits is a non-negative credit quantity, used for balances.
type Credits int64

// PositiveCredits is a strictly positive credit quantity, used for mutations.
type PositiveCredits int64

// AccountID identifies a billable ledger account.
type AccountID struct {
	value string
}

// UserID identifies the authenticated principal an account belongs to.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for purchases.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// CheckupID identifies a diagnostic checkup.
type CheckupID struct {
	value string
}

// ImageSampleID identifies one submitted image.
type ImageSampleID struct {
	value string
}

// BiopsyID identifies a biopsy result record.
type BiopsyID struct {
	value string
}

// TaskID correlates a checkup with its orchestration job.
type TaskID struct {
	value string
}

// Role decides which operations an account may call.
type Role string

const (
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
)

// NewCredits validates a balance value.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a mutation amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens the amount to a balance quantity.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCheckupID validates and normalizes a checkup id.
func NewCheckupID(raw string) (CheckupID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CheckupID{}, fmt.Errorf("%w: empty value", ErrInvalidCheckupID)
	}
	return CheckupID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CheckupID) String() string {
	return id.value
}

// NewImageSampleID validates and normalizes an image sample id.
func NewImageSampleID(raw string) (ImageSampleID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ImageSampleID{}, fmt.Errorf("%w: empty value", ErrInvalidImageSampleID)
	}
	return ImageSampleID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ImageSampleID) String() string {
	return id.value
}

// NewBiopsyID validates and normalizes a biopsy result id.
func NewBiopsyID(raw string) (BiopsyID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BiopsyID{}, fmt.Errorf("%w: empty value", ErrInvalidBiopsyID)
	}
	return BiopsyID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BiopsyID) String() string {
	return id.value
}

// NewTaskID wraps a correlation id. An empty value means no job was submitted.
func NewTaskID(raw string) TaskID {
	return TaskID{value: strings.TrimSpace(raw)}
}

// String returns the identifier.
func (id TaskID) String() string {
	return id.value
}

// IsZero reports whether no task was recorded.
func (id TaskID) IsZero() bool {
	return id.value == ""
}

// ParseRole validates a stored or requested role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// String returns the role label.
func (role Role) String() string {
	return string(role)
}

// Billable reports whether accounts of this role hold a credit balance.
func (role Role) Billable() bool {
	return role == RoleDoctor
}
