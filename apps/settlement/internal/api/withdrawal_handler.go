package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/repository"
	"settlement/apps/settlement/internal/withdrawal"
)

// WithdrawalService is satisfied by *withdrawal.Engine.
type WithdrawalService interface {
	CreateRequest(ctx context.Context, agentID string, amount decimal.Decimal, recipient string) (*model.WithdrawalTransaction, error)
	GetWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error)
}

// WithdrawalHandler handles withdrawal-related API endpoints. Requests are
// accepted as pending; execution happens asynchronously.
type WithdrawalHandler struct {
	service WithdrawalService
	logger  *zap.Logger
}

func NewWithdrawalHandler(service WithdrawalService, logger *zap.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		service: service,
		logger:  logger,
	}
}

// CreateWithdrawal handles POST /api/withdrawals
func (h *WithdrawalHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	agentID := callerAgentID(r)
	if agentID == "" {
		writeErrorResponse(w, h.logger, http.StatusUnauthorized, "missing_agent", "Agent identity is required")
		return
	}

	var req CreateWithdrawalRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid JSON request body")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.AgntAmount))
	if err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, string(withdrawal.ReasonInvalidAmount), "Amount must be a decimal number")
		return
	}

	created, err := h.service.CreateRequest(r.Context(), agentID, amount, req.RecipientAddress)
	if err != nil {
		var validationErr *withdrawal.ValidationError
		switch {
		case errors.As(err, &validationErr):
			status := http.StatusBadRequest
			if validationErr.Reason == withdrawal.ReasonRateLimited {
				status = http.StatusTooManyRequests
			}
			writeErrorResponse(w, h.logger, status, string(validationErr.Reason), validationErr.Message)
		case errors.Is(err, repository.ErrAgentNotFound):
			writeErrorResponse(w, h.logger, http.StatusNotFound, "agent_not_found", "Agent not found")
		default:
			h.logger.Error("Failed to create withdrawal", zap.String("agent_id", agentID), zap.Error(err))
			writeErrorResponse(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to create withdrawal")
		}
		return
	}

	writeJSONResponse(w, h.logger, http.StatusAccepted, toWithdrawalResponse(created))
}

// GetWithdrawal handles GET /api/withdrawals/{id}. Agents only see their own
// withdrawals.
func (h *WithdrawalHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	agentID := callerAgentID(r)
	if agentID == "" {
		writeErrorResponse(w, h.logger, http.StatusUnauthorized, "missing_agent", "Agent identity is required")
		return
	}

	id := mux.Vars(r)["id"]
	found, err := h.service.GetWithdrawal(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrWithdrawalNotFound) {
			writeErrorResponse(w, h.logger, http.StatusNotFound, "withdrawal_not_found", "Withdrawal not found")
			return
		}
		h.logger.Error("Failed to get withdrawal", zap.String("withdrawal_id", id), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to retrieve withdrawal")
		return
	}
	if found.AgentID != agentID {
		writeErrorResponse(w, h.logger, http.StatusNotFound, "withdrawal_not_found", "Withdrawal not found")
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, toWithdrawalResponse(found))
}

func toWithdrawalResponse(w *model.WithdrawalTransaction) WithdrawalResponse {
	return WithdrawalResponse{
		ID:               w.ID,
		AgentID:          w.AgentID,
		Status:           string(w.Status),
		AgntAmountIn:     w.AgntAmountIn.String(),
		Fee:              w.FeeAgnt.String(),
		NetAmount:        w.NetAmount().String(),
		UsdcAmountOut:    w.UsdcAmountOut.String(),
		ExchangeRate:     w.ExchangeRate.String(),
		RecipientAddress: w.RecipientAddress,
		TransferTxHash:   w.TransferTxHash,
		ErrorMessage:     w.ErrorMessage,
		CreatedAt:        w.CreatedAt,
		CompletedAt:      w.CompletedAt,
	}
}
