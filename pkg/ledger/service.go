package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy holds the tunable business constants of the service.
type Policy struct {
	CheckupFee     PositiveCredits
	InitialCredits Credits
	MaxImages      int
	MaxPollWait    time.Duration
	PollInterval   time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{}.withDefaults()
}

func (policy Policy) withDefaults() Policy {
	if policy.CheckupFee <= 0 {
		policy.CheckupFee = DefaultCheckupFee
	}
	if policy.InitialCredits <= 0 {
		policy.InitialCredits = DefaultInitialCredits
	}
	if policy.MaxImages <= 0 {
		policy.MaxImages = DefaultMaxImages
	}
	if policy.MaxPollWait <= 0 {
		policy.MaxPollWait = DefaultMaxPollWait
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = DefaultPollInterval
	}
	return policy
}

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	newID    func() string
	logger   OperationLogger
	queue    JobQueue
	policy   Policy
	subjects map[SubjectKind]SubjectResolver
	notifier *statusNotifier
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:    store,
		nowFn:    now,
		newID:    uuid.NewString,
		policy:   DefaultPolicy(),
		subjects: defaultSubjectResolvers(),
		notifier: newStatusNotifier(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Policy returns the effective policy.
func (service *Service) Policy() Policy {
	return service.policy
}

// OpenAccount returns the account of the user, creating it on first use.
// Doctor accounts start with the configured initial credits.
func (service *Service) OpenAccount(ctx context.Context, userID UserID, role Role) (Account, error) {
	if _, err := ParseRole(role.String()); err != nil {
		return Account{}, err
	}
	initial := Credits(0)
	if role.Billable() {
		initial = service.policy.InitialCredits
	}
	accountID, err := NewAccountID(service.newID())
	if err != nil {
		return Account{}, err
	}
	account, err := service.store.GetOrCreateAccount(ctx, Account{
		ID:             accountID,
		UserID:         userID,
		Role:           role,
		Credits:        initial,
		CreatedUnixUTC: service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		AccountID: account.ID,
		Subject:   userID.String(),
		Amount:    account.Credits,
		Error:     err,
	})
	return account, err
}

// AccountForUser resolves the caller's account; a user without one gets ErrAccountProfileMissing.
func (service *Service) AccountForUser(ctx context.Context, userID UserID) (Account, error) {
	account, err := service.store.GetAccountByUser(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("%w: user %s", ErrAccountProfileMissing, userID.String())
	}
	return account, err
}

// Balance returns the current credits of an account.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// Debit subtracts amount in its own atomic unit.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		balance, err = transactionStore.DebitAccount(ctx, accountID, amount)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		AccountID: accountID,
		Amount:    amount.ToCredits(),
		Error:     operationError,
	})
	return balance, operationError
}

// Credit adds amount in its own atomic unit.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount PositiveCredits) (Credits, error) {
	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		balance, err = transactionStore.CreditAccount(ctx, accountID, amount)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount.ToCredits(),
		Error:     operationError,
	})
	return balance, operationError
}

func requireRole(requester Account, role Role) error {
	if requester.Role != role {
		return fmt.Errorf("%w: requires %s role", ErrForbidden, role)
	}
	return nil
}
