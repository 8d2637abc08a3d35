package checkupapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const idempotencyKeyHeader = "Idempotency-Key"

// handleOpenAccount registers the session user, or lets an admin provision
// another user by naming user_id.
func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request openAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	sessionRole := ledger.RoleDoctor
	for _, role := range claims.GetUserRoles() {
		if strings.EqualFold(role, ledger.RoleAdmin.String()) {
			sessionRole = ledger.RoleAdmin
		}
	}
	targetUser := claims.GetUserID()
	role := sessionRole
	provisioning := strings.TrimSpace(request.UserID) != "" && strings.TrimSpace(request.UserID) != claims.GetUserID()
	if provisioning {
		sessionUserID, err := ledger.NewUserID(claims.GetUserID())
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		caller, err := handler.service.AccountForUser(ctx.Request.Context(), sessionUserID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		if caller.Role != ledger.RoleAdmin {
			handler.respondError(ctx, ledger.ErrForbidden)
			return
		}
		targetUser = request.UserID
		role = ledger.RoleDoctor
	}
	if strings.TrimSpace(request.Role) != "" {
		requested, err := ledger.ParseRole(request.Role)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		if requested == ledger.RoleAdmin && !provisioning && sessionRole != ledger.RoleAdmin {
			handler.respondError(ctx, ledger.ErrForbidden)
			return
		}
		role = requested
	}

	userID, err := ledger.NewUserID(targetUser)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.OpenAccount(ctx.Request.Context(), userID, role)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleCurrentAccount(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(currentAccount(ctx))})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	account := currentAccount(ctx)
	balance, err := handler.service.Balance(ctx.Request.Context(), account.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": account.ID.String(), "credits": balance.Int64()})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with bundle"))
		return
	}
	bundle, err := ledger.ParseBundle(request.Bundle)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	rawKey := request.IdempotencyKey
	if strings.TrimSpace(rawKey) == "" {
		rawKey = ctx.GetHeader(idempotencyKeyHeader)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	purchase := ledger.PurchaseRequest{
		Requester:      currentAccount(ctx),
		Bundle:         bundle,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	}
	// only admins buy on behalf of a doctor; anyone else's target is ignored unread
	if purchase.Requester.Role == ledger.RoleAdmin {
		targetID, err := parseTargetAccountID(request.DoctorAccountID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		purchase.TargetAccountID = targetID
	}

	receipt, err := handler.service.Purchase(ctx.Request.Context(), purchase)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	ctx.JSON(status, purchasePayload{
		Transaction: newTransactionPayload(receipt.Transaction),
		Balance:     receipt.Balance.Int64(),
		Replayed:    receipt.Replayed,
	})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	transactions, err := handler.service.ListTransactions(ctx.Request.Context(), currentAccount(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func parseTargetAccountID(raw json.RawMessage) (*ledger.AccountID, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: doctor_account_id must be a string", ledger.ErrInvalidAccountID)
	}
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	accountID, err := ledger.NewAccountID(value)
	if err != nil {
		return nil, err
	}
	return &accountID, nil
}
