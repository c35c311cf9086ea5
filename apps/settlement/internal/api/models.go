package api

import (
	"time"
)

// CreateWithdrawalRequest is the body of POST /api/withdrawals
type CreateWithdrawalRequest struct {
	AgntAmount       string `json:"agnt_amount"`
	RecipientAddress string `json:"recipient_address"`
}

// WithdrawalResponse represents the API response for a withdrawal record
type WithdrawalResponse struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agent_id"`
	Status           string     `json:"status"`
	AgntAmountIn     string     `json:"agnt_amount_in"`
	Fee              string     `json:"fee"`
	NetAmount        string     `json:"net_amount"`
	UsdcAmountOut    string     `json:"usdc_amount_out"`
	ExchangeRate     string     `json:"exchange_rate"`
	RecipientAddress string     `json:"recipient_address"`
	TransferTxHash   *string    `json:"transfer_tx_hash,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// VerifyDepositRequest is the body of POST /api/deposits/verify
type VerifyDepositRequest struct {
	TxHash           string `json:"tx_hash"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	RecipientAgentID string `json:"recipient_agent_id,omitempty"`
}

// VerifyDepositResponse represents the response for a credited deposit
type VerifyDepositResponse struct {
	Success    bool   `json:"success"`
	AgentID    string `json:"agent_id"`
	NewBalance string `json:"new_balance"`
	Message    string `json:"message"`
}

// AgentBalanceResponse combines the internal ledger balance with the
// on-chain balances of the agent's registered wallet, if any.
type AgentBalanceResponse struct {
	AgentID       string                  `json:"agent_id"`
	Balance       string                  `json:"balance"`
	TotalEarned   string                  `json:"total_earned"`
	TotalSpent    string                  `json:"total_spent"`
	WalletAddress *string                 `json:"wallet_address,omitempty"`
	OnChain       map[string]TokenBalance `json:"on_chain,omitempty"`
}

// TokenBalance represents balance information for a specific token
type TokenBalance struct {
	Balance  string `json:"balance"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
