//go:build integration

package test

import (
	"os"
	"time"
)

// Shared settings for the integration suite. It runs against a live service
// (go test -tags integration ./apps/settlement/test/...).
var (
	BaseURL = getEnv("SETTLEMENT_BASE_URL", "http://localhost:8080")

	// TestAgentID must exist in the agents table with enough balance for
	// the withdrawal tests.
	TestAgentID = getEnv("SETTLEMENT_TEST_AGENT", "integration-agent")
)

const (
	TestRecipientAddress = "0x0B8fA6F76eB75ae3a4ca28eb3020DFC4503F2136"
	TestWithdrawalAmount = "1"

	// A well-formed hash that no deposit address ever received.
	UnknownTxHash = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"

	requestTimeout = 30 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

type CreateWithdrawalRequest struct {
	AgntAmount       string `json:"agnt_amount"`
	RecipientAddress string `json:"recipient_address"`
}

type WithdrawalResponse struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agent_id"`
	Status           string     `json:"status"`
	AgntAmountIn     string     `json:"agnt_amount_in"`
	Fee              string     `json:"fee"`
	NetAmount        string     `json:"net_amount"`
	UsdcAmountOut    string     `json:"usdc_amount_out"`
	RecipientAddress string     `json:"recipient_address"`
	TransferTxHash   *string    `json:"transfer_tx_hash,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type VerifyDepositRequest struct {
	TxHash           string `json:"tx_hash"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	RecipientAgentID string `json:"recipient_agent_id,omitempty"`
}

type AgentBalanceResponse struct {
	AgentID     string `json:"agent_id"`
	Balance     string `json:"balance"`
	TotalEarned string `json:"total_earned"`
	TotalSpent  string `json:"total_spent"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
