package ledger

import (
	"context"
	"errors"
	"fmt"
)

const defaultTransactionListLimit = 500

// PurchaseRequest asks to add a bundle of credits to an account.
type PurchaseRequest struct {
	Requester Account
	// TargetAccountID is required for admins and ignored for doctors.
	TargetAccountID *AccountID
	Bundle          Bundle
	IdempotencyKey  IdempotencyKey
	Metadata        MetadataJSON
}

// PurchaseReceipt reports the settled transaction and the balance after it.
type PurchaseReceipt struct {
	Transaction Transaction
	Balance     Credits
	Replayed    bool
}

// Purchase credits a bundle exactly once per (account, idempotency key).
// A repeated key replays the original transaction with the current balance.
func (service *Service) Purchase(ctx context.Context, request PurchaseRequest) (PurchaseReceipt, error) {
	receipt, operationError := service.purchase(ctx, request)
	amount := Credits(0)
	if !receipt.Replayed {
		amount = receipt.Transaction.CreditsAdded.ToCredits()
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationPurchase,
		AccountID:      receipt.Transaction.AccountID,
		Subject:        request.Bundle.String(),
		Amount:         amount,
		IdempotencyKey: request.IdempotencyKey,
		Metadata:       request.Metadata,
		Error:          operationError,
	})
	return receipt, operationError
}

func (service *Service) purchase(ctx context.Context, request PurchaseRequest) (PurchaseReceipt, error) {
	target, err := service.resolvePurchaseTarget(ctx, request)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	terms := request.Bundle.Terms()
	if terms.Credits <= 0 {
		return PurchaseReceipt{}, fmt.Errorf("%w: %q", ErrInvalidBundle, request.Bundle)
	}
	if request.IdempotencyKey.String() == "" {
		return PurchaseReceipt{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}

	receipt, err := service.replayPurchase(ctx, target.ID, request.IdempotencyKey)
	if !errors.Is(err, ErrTransactionNotFound) {
		return receipt, err
	}

	transaction := Transaction{
		ID:             service.newID(),
		AccountID:      target.ID,
		Bundle:         request.Bundle,
		CreditsAdded:   terms.Credits,
		AmountUSDCents: terms.AmountUSDCents,
		Status:         TransactionStatusSuccess,
		Provider:       TransactionProviderSimulated,
		IdempotencyKey: request.IdempotencyKey,
		Metadata:       request.Metadata,
		CreatedUnixUTC: service.nowFn(),
	}
	var balance Credits
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		var creditErr error
		balance, creditErr = transactionStore.CreditAccount(ctx, target.ID, terms.Credits)
		return creditErr
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// a concurrent request with the same key committed first
		return service.replayPurchase(ctx, target.ID, request.IdempotencyKey)
	}
	if err != nil {
		return PurchaseReceipt{}, err
	}
	return PurchaseReceipt{Transaction: transaction, Balance: balance}, nil
}

func (service *Service) resolvePurchaseTarget(ctx context.Context, request PurchaseRequest) (Account, error) {
	switch request.Requester.Role {
	case RoleDoctor:
		return request.Requester, nil
	case RoleAdmin:
		if request.TargetAccountID == nil || request.TargetAccountID.IsZero() {
			return Account{}, ErrMissingTargetAccount
		}
		target, err := service.store.GetAccount(ctx, *request.TargetAccountID)
		if err != nil {
			return Account{}, err
		}
		if !target.Role.Billable() {
			return Account{}, fmt.Errorf("%w: account %s has no doctor profile", ErrAccountProfileMissing, target.ID.String())
		}
		return target, nil
	default:
		return Account{}, fmt.Errorf("%w: role %q may not purchase", ErrForbidden, request.Requester.Role)
	}
}

func (service *Service) replayPurchase(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (PurchaseReceipt, error) {
	existing, err := service.store.FindTransaction(ctx, accountID, idempotencyKey)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	if existing.Status != TransactionStatusSuccess {
		return PurchaseReceipt{}, WrapError("purchase", "transaction", "not_successful", ErrDuplicateIdempotencyKey)
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	return PurchaseReceipt{Transaction: existing, Balance: account.Credits, Replayed: true}, nil
}

// ListTransactions returns the requester's own purchases, or every purchase for admins.
func (service *Service) ListTransactions(ctx context.Context, requester Account) ([]Transaction, error) {
	switch requester.Role {
	case RoleAdmin:
		return service.store.ListTransactions(ctx, AccountID{}, defaultTransactionListLimit)
	case RoleDoctor:
		return service.store.ListTransactions(ctx, requester.ID, defaultTransactionListLimit)
	default:
		return nil, fmt.Errorf("%w: role %q", ErrForbidden, requester.Role)
	}
}
