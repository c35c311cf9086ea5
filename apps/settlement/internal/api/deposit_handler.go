package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/chain"
	"settlement/apps/settlement/internal/deposit"
	"settlement/apps/settlement/internal/repository"
)

// DepositService is satisfied by *deposit.Creditor.
type DepositService interface {
	Credit(ctx context.Context, req deposit.Request) (*deposit.Result, error)
}

// DepositHandler handles deposit verification
type DepositHandler struct {
	service DepositService
	logger  *zap.Logger
}

func NewDepositHandler(service DepositService, logger *zap.Logger) *DepositHandler {
	return &DepositHandler{
		service: service,
		logger:  logger,
	}
}

// VerifyDeposit handles POST /api/deposits/verify
func (h *DepositHandler) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	agentID := callerAgentID(r)
	if agentID == "" {
		writeErrorResponse(w, h.logger, http.StatusUnauthorized, "missing_agent", "Agent identity is required")
		return
	}

	var req VerifyDepositRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid JSON request body")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_amount", "Amount must be a decimal number")
		return
	}

	result, err := h.service.Credit(r.Context(), deposit.Request{
		AgentID:          agentID,
		TxHash:           req.TxHash,
		Amount:           amount,
		Currency:         req.Currency,
		RecipientAgentID: req.RecipientAgentID,
	})
	if err != nil {
		h.writeCreditError(w, agentID, req.TxHash, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, VerifyDepositResponse{
		Success:    result.Success,
		AgentID:    result.AgentID,
		NewBalance: result.NewBalance.String(),
		Message:    result.Message,
	})
}

func (h *DepositHandler) writeCreditError(w http.ResponseWriter, agentID, txHash string, err error) {
	var verificationErr *deposit.VerificationError
	switch {
	case errors.As(err, &verificationErr):
		if verificationErr.Outcome == chain.Unverifiable {
			writeErrorResponse(w, h.logger, http.StatusServiceUnavailable, "verification_unavailable",
				"Transaction could not be verified yet, retry later")
			return
		}
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "verification_failed", "Invalid transaction or amount mismatch.")
	case errors.Is(err, deposit.ErrAlreadyCredited):
		writeErrorResponse(w, h.logger, http.StatusConflict, "already_credited", "Transaction has already been credited")
	case errors.Is(err, deposit.ErrInvalidAmount):
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_amount", "Amount must be positive")
	case errors.Is(err, deposit.ErrUnsupportedCurrency):
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "unsupported_currency", "Only USDC deposits are accepted")
	case errors.Is(err, repository.ErrAgentNotFound):
		writeErrorResponse(w, h.logger, http.StatusNotFound, "agent_not_found", "Agent not found")
	default:
		h.logger.Error("Failed to credit deposit",
			zap.String("agent_id", agentID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to verify deposit")
	}
}
