package ledger

import "context"

// Store is the persistence boundary of the ledger. Implementations must run
// the function passed to WithTx in a single atomic unit and hand it a Store
// bound to that unit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// GetOrCreateAccount returns the existing account of the user or inserts the given one.
	GetOrCreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountByUser(ctx context.Context, userID UserID) (Account, error)
	// DebitAccount subtracts amount only when the balance covers it.
	DebitAccount(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)
	CreditAccount(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error)

	// InsertTransaction fails with ErrDuplicateIdempotencyKey when (account, key) exists.
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransaction(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (Transaction, error)
	// ListTransactions returns newest first; a zero account id lists every account.
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)

	InsertCheckup(ctx context.Context, checkup Checkup) error
	GetCheckup(ctx context.Context, checkupID CheckupID) (Checkup, error)
	// LockCheckup reads the checkup holding a row lock until the atomic unit ends.
	LockCheckup(ctx context.Context, checkupID CheckupID) (Checkup, error)
	SetCheckupTask(ctx context.Context, checkupID CheckupID, taskID TaskID) error
	// UpdateCheckupOutcome applies outcome only while the checkup is in from; otherwise ErrCheckupClosed.
	UpdateCheckupOutcome(ctx context.Context, checkupID CheckupID, from CheckupStatus, outcome CheckupOutcome) error
	// ListStalePendingCheckups skips orchestration gaps; those stay PENDING until resubmitted.
	ListStalePendingCheckups(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Checkup, error)

	InsertImageSample(ctx context.Context, sample ImageSample) error
	GetImageSample(ctx context.Context, sampleID ImageSampleID) (ImageSample, error)
	ListImageSamples(ctx context.Context, subject SubjectRef) ([]ImageSample, error)
	// UpsertImageResult keeps one row per sample; a repeat delivery overwrites it.
	UpsertImageResult(ctx context.Context, result ImageResult) error
	ListImageResults(ctx context.Context, subject SubjectRef) ([]ImageResult, error)

	// InsertBiopsyResult fails with ErrBiopsyExists when the subject already has one.
	InsertBiopsyResult(ctx context.Context, biopsy BiopsyResult) error
	GetBiopsyResult(ctx context.Context, biopsyID BiopsyID) (BiopsyResult, error)
	LockBiopsyResult(ctx context.Context, biopsyID BiopsyID) (BiopsyResult, error)
	// UpdateBiopsyReview applies review only while the row is in from; otherwise ErrBiopsyClosed.
	// The refunded flag never goes back to false.
	UpdateBiopsyReview(ctx context.Context, biopsyID BiopsyID, from BiopsyStatus, review BiopsyReview) error
}

// JobQueue accepts inference work for the worker pool.
type JobQueue interface {
	Enqueue(ctx context.Context, jobs []InferenceJob) error
}
