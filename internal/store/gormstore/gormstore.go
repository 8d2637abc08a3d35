package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotency = "uniq_credit_txn_idem_per_doctor"
	constraintBiopsySubject          = "uniq_biopsy_subject"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectTransaction          = "transaction"
	errorSubjectCheckup              = "checkup"
	errorSubjectImageSample          = "image_sample"
	errorSubjectImageResult          = "image_result"
	errorSubjectBiopsy               = "biopsy"
	errorCodeCreate                  = "create"
	errorCodeCredit                  = "credit"
	errorCodeDebit                   = "debit"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeLookup                  = "lookup"
	errorCodeUpdateStatus            = "update_status"
	errorCodeUpdateTask              = "update_task"
	errorCodeUpsert                  = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	model := Account{
		AccountID: account.ID.String(),
		UserID:    account.UserID.String(),
		Role:      account.Role.String(),
		Credits:   account.Credits.Int64(),
		CreatedAt: unixToTime(account.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccountByUser(ctx, account.UserID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.takeAccount(ctx, "account_id = ?", accountID.String())
}

func (store *Store) GetAccountByUser(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.takeAccount(ctx, "user_id = ?", userID.String())
}

func (store *Store) takeAccount(ctx context.Context, query string, argument string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where(query, argument).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// DebitAccount relies on the conditional UPDATE row lock to serialize
// concurrent debits of one account.
func (store *Store) DebitAccount(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND credits >= ?", accountID.String(), amount.Int64()).
		Update("credits", gorm.Expr("credits - ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if result.RowsAffected == 0 {
		return account.Credits, wrapStoreError(errorSubjectAccount, errorCodeDebit, ledger.ErrInsufficientCredits)
	}
	return account.Credits, nil
}

func (store *Store) CreditAccount(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("credits", gorm.Expr("credits + ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, ledger.ErrAccountNotFound)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := CreditTransaction{
		TransactionID:  transaction.ID,
		AccountID:      transaction.AccountID.String(),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Bundle:         transaction.Bundle.String(),
		CreditsAdded:   transaction.CreditsAdded.Int64(),
		AmountUSDCents: transaction.AmountUSDCents,
		Status:         string(transaction.Status),
		Provider:       transaction.Provider,
		Metadata:       datatypesJSON(transaction.Metadata.String()),
		CreatedAt:      unixToTime(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionIdempotency) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransaction(ctx context.Context, accountID ledger.AccountID, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), idempotencyKey.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Order("created_at DESC").Order("transaction_id DESC")
	if !accountID.IsZero() {
		query = query.Where("account_id = ?", accountID.String())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseRole(row.Role)
	if err != nil {
		return ledger.Account{}, err
	}
	credits, err := ledger.NewCredits(row.Credits)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		ID:             accountID,
		UserID:         userID,
		Role:           role,
		Credits:        credits,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	bundle, err := ledger.ParseBundle(row.Bundle)
	if err != nil {
		return ledger.Transaction{}, err
	}
	creditsAdded, err := ledger.NewPositiveCredits(row.CreditsAdded)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:             row.TransactionID,
		AccountID:      accountID,
		Bundle:         bundle,
		CreditsAdded:   creditsAdded,
		AmountUSDCents: row.AmountUSDCents,
		Status:         ledger.TransactionStatus(row.Status),
		Provider:       row.Provider,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
