package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// memoryStore is an in-memory Store. WithTx serializes atomic units and
// restores a snapshot when the unit fails.
type memoryStore struct {
	txMutex   sync.Mutex
	dataMutex sync.Mutex

	accounts     map[AccountID]Account
	transactions []Transaction
	checkups     map[CheckupID]Checkup
	samples      map[ImageSampleID]ImageSample
	sampleOrder  []ImageSampleID
	results      map[ImageSampleID]ImageResult
	biopsies     map[BiopsyID]BiopsyResult

	failures map[string]error
	calls    map[string]int
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		accounts: make(map[AccountID]Account),
		checkups: make(map[CheckupID]Checkup),
		samples:  make(map[ImageSampleID]ImageSample),
		results:  make(map[ImageSampleID]ImageResult),
		biopsies: make(map[BiopsyID]BiopsyResult),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

type memorySnapshot struct {
	accounts     map[AccountID]Account
	transactions []Transaction
	checkups     map[CheckupID]Checkup
	samples      map[ImageSampleID]ImageSample
	sampleOrder  []ImageSampleID
	results      map[ImageSampleID]ImageResult
	biopsies     map[BiopsyID]BiopsyResult
}

func cloneMap[K comparable, V any](source map[K]V) map[K]V {
	clone := make(map[K]V, len(source))
	for key, value := range source {
		clone[key] = value
	}
	return clone
}

func (store *memoryStore) snapshot() memorySnapshot {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	return memorySnapshot{
		accounts:     cloneMap(store.accounts),
		transactions: append([]Transaction(nil), store.transactions...),
		checkups:     cloneMap(store.checkups),
		samples:      cloneMap(store.samples),
		sampleOrder:  append([]ImageSampleID(nil), store.sampleOrder...),
		results:      cloneMap(store.results),
		biopsies:     cloneMap(store.biopsies),
	}
}

func (store *memoryStore) restore(snapshot memorySnapshot) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.accounts = snapshot.accounts
	store.transactions = snapshot.transactions
	store.checkups = snapshot.checkups
	store.samples = snapshot.samples
	store.sampleOrder = snapshot.sampleOrder
	store.results = snapshot.results
	store.biopsies = snapshot.biopsies
}

// enter records a call and returns the injected failure, if any. Callers hold dataMutex.
func (store *memoryStore) enter(method string) error {
	store.calls[method]++
	return store.failures[method]
}

func (store *memoryStore) failOn(method string, err error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.failures[method] = err
}

func (store *memoryStore) callCount(method string) int {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	return store.calls[method]
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *memoryStore) GetOrCreateAccount(ctx context.Context, account Account) (Account, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("GetOrCreateAccount"); err != nil {
		return Account{}, err
	}
	for _, existing := range store.accounts {
		if existing.UserID == account.UserID {
			return existing, nil
		}
	}
	store.accounts[account.ID] = account
	return account, nil
}

func (store *memoryStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("GetAccount"); err != nil {
		return Account{}, err
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) GetAccountByUser(ctx context.Context, userID UserID) (Account, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("GetAccountByUser"); err != nil {
		return Account{}, err
	}
	for _, account := range store.accounts {
		if account.UserID == userID {
			return account, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (store *memoryStore) DebitAccount(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("DebitAccount"); err != nil {
		return 0, err
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if account.Credits < amount.ToCredits() {
		return account.Credits, ErrInsufficientCredits
	}
	account.Credits -= amount.ToCredits()
	store.accounts[accountID] = account
	return account.Credits, nil
}

func (store *memoryStore) CreditAccount(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("CreditAccount"); err != nil {
		return 0, err
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	account.Credits += amount.ToCredits()
	store.accounts[accountID] = account
	return account.Credits, nil
}

func (store *memoryStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("InsertTransaction"); err != nil {
		return err
	}
	for _, existing := range store.transactions {
		if existing.AccountID == transaction.AccountID && existing.IdempotencyKey == transaction.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *memoryStore) FindTransaction(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (Transaction, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("FindTransaction"); err != nil {
		return Transaction{}, err
	}
	for _, existing := range store.transactions {
		if existing.AccountID == accountID && existing.IdempotencyKey == idempotencyKey {
			return existing, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("ListTransactions"); err != nil {
		return nil, err
	}
	listed := make([]Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if !accountID.IsZero() && transaction.AccountID != accountID {
			continue
		}
		listed = append(listed, transaction)
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *memoryStore) InsertCheckup(ctx context.Context, checkup Checkup) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("InsertCheckup"); err != nil {
		return err
	}
	store.checkups[checkup.ID] = checkup
	return nil
}

func (store *memoryStore) GetCheckup(ctx context.Context, checkupID CheckupID) (Checkup, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("GetCheckup"); err != nil {
		return Checkup{}, err
	}
	checkup, ok := store.checkups[checkupID]
	if !ok {
		return Checkup{}, ErrCheckupNotFound
	}
	return checkup, nil
}

func (store *memoryStore) LockCheckup(ctx context.Context, checkupID CheckupID) (Checkup, error) {
	return store.GetCheckup(ctx, checkupID)
}

func (store *memoryStore) SetCheckupTask(ctx context.Context, checkupID CheckupID, taskID TaskID) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("SetCheckupTask"); err != nil {
		return err
	}
	checkup, ok := store.checkups[checkupID]
	if !ok {
		return ErrCheckupNotFound
	}
	checkup.TaskID = taskID
	store.checkups[checkupID] = checkup
	return nil
}

func (store *memoryStore) UpdateCheckupOutcome(ctx context.Context, checkupID CheckupID, from CheckupStatus, outcome CheckupOutcome) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("UpdateCheckupOutcome"); err != nil {
		return err
	}
	checkup, ok := store.checkups[checkupID]
	if !ok {
		return ErrCheckupNotFound
	}
	if checkup.Status != from {
		return fmt.Errorf("%w: status %s", ErrCheckupClosed, checkup.Status)
	}
	checkup.Status = outcome.Status
	checkup.ResultLabel = outcome.ResultLabel
	checkup.FinalConfidence = outcome.FinalConfidence
	checkup.ErrorMessage = outcome.ErrorMessage
	checkup.CompletedUnixUTC = outcome.CompletedUnixUTC
	store.checkups[checkupID] = checkup
	return nil
}

func (store *memoryStore) ListStalePendingCheckups(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Checkup, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("ListStalePendingCheckups"); err != nil {
		return nil, err
	}
	stale := make([]Checkup, 0)
	for _, checkup := range store.checkups {
		gap := checkup.TaskID.IsZero() && checkup.ImageCount > 0
		if checkup.Status == CheckupStatusPending && checkup.CreatedUnixUTC < createdBeforeUnixUTC && !gap {
			stale = append(stale, checkup)
		}
	}
	sort.Slice(stale, func(left, right int) bool { return stale[left].CreatedUnixUTC < stale[right].CreatedUnixUTC })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (store *memoryStore) InsertImageSample(ctx context.Context, sample ImageSample) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("InsertImageSample"); err != nil {
		return err
	}
	store.samples[sample.ID] = sample
	store.sampleOrder = append(store.sampleOrder, sample.ID)
	return nil
}

func (store *memoryStore) GetImageSample(ctx context.Context, sampleID ImageSampleID) (ImageSample, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("GetImageSample"); err != nil {
		return ImageSample{}, err
	}
	sample, ok := store.samples[sampleID]
	if !ok {
		return ImageSample{}, ErrImageSampleNotFound
	}
	return sample, nil
}

func (store *memoryStore) ListImageSamples(ctx context.Context, subject SubjectRef) ([]ImageSample, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("ListImageSamples"); err != nil {
		return nil, err
	}
	listed := make([]ImageSample, 0)
	for _, sampleID := range store.sampleOrder {
		if sample := store.samples[sampleID]; sample.Subject == subject {
			listed = append(listed, sample)
		}
	}
	return listed, nil
}

func (store *memoryStore) UpsertImageResult(ctx context.Context, result ImageResult) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("UpsertImageResult"); err != nil {
		return err
	}
	store.results[result.ImageSampleID] = result
	return nil
}

func (store *memoryStore) ListImageResults(ctx context.Context, subject SubjectRef) ([]ImageResult, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("ListImageResults"); err != nil {
		return nil, err
	}
	listed := make([]ImageResult, 0)
	for _, sampleID := range store.sampleOrder {
		if store.samples[sampleID].Subject != subject {
			continue
		}
		if result, ok := store.results[sampleID]; ok {
			listed = append(listed, result)
		}
	}
	return listed, nil
}

func (store *memoryStore) InsertBiopsyResult(ctx context.Context, biopsy BiopsyResult) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("InsertBiopsyResult"); err != nil {
		return err
	}
	for _, existing := range store.biopsies {
		if existing.Subject == biopsy.Subject {
			return ErrBiopsyExists
		}
	}
	store.biopsies[biopsy.ID] = biopsy
	return nil
}

func (store *memoryStore) GetBiopsyResult(ctx context.Context, biopsyID BiopsyID) (BiopsyResult, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("GetBiopsyResult"); err != nil {
		return BiopsyResult{}, err
	}
	biopsy, ok := store.biopsies[biopsyID]
	if !ok {
		return BiopsyResult{}, ErrBiopsyNotFound
	}
	return biopsy, nil
}

func (store *memoryStore) LockBiopsyResult(ctx context.Context, biopsyID BiopsyID) (BiopsyResult, error) {
	return store.GetBiopsyResult(ctx, biopsyID)
}

func (store *memoryStore) UpdateBiopsyReview(ctx context.Context, biopsyID BiopsyID, from BiopsyStatus, review BiopsyReview) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.enter("UpdateBiopsyReview"); err != nil {
		return err
	}
	biopsy, ok := store.biopsies[biopsyID]
	if !ok {
		return ErrBiopsyNotFound
	}
	if biopsy.Status != from {
		return fmt.Errorf("%w: status %s", ErrBiopsyClosed, biopsy.Status)
	}
	biopsy.Status = review.Status
	biopsy.VerifiedBy = review.ReviewedBy
	biopsy.ReviewNote = review.Note
	biopsy.ReviewedUnixUTC = review.ReviewedUnixUTC
	biopsy.CreditsRefunded = biopsy.CreditsRefunded || review.Refunded
	store.biopsies[biopsyID] = biopsy
	return nil
}

// recordingQueue captures enqueued jobs or fails with err.
type recordingQueue struct {
	mutex sync.Mutex
	jobs  []InferenceJob
	err   error
}

func (queue *recordingQueue) Enqueue(ctx context.Context, jobs []InferenceJob) error {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if queue.err != nil {
		return queue.err
	}
	queue.jobs = append(queue.jobs, jobs...)
	return nil
}

func (queue *recordingQueue) enqueued() []InferenceJob {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return append([]InferenceJob(nil), queue.jobs...)
}
