package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

type WithdrawalTransaction struct {
	ID               string           `db:"id"`
	AgentID          string           `db:"agent_id"`
	AgntAmountIn     decimal.Decimal  `db:"agnt_amount_in"`
	FeeAgnt          decimal.Decimal  `db:"fee_agnt"`
	UsdcAmountOut    decimal.Decimal  `db:"usdc_amount_out"` // estimate until completed
	ExchangeRate     decimal.Decimal  `db:"exchange_rate"`   // 0 until completed
	RecipientAddress string           `db:"recipient_address"`
	Status           WithdrawalStatus `db:"status"`
	TransferTxHash   *string          `db:"transfer_tx_hash"`
	ErrorMessage     *string          `db:"error_message"`
	CreatedAt        time.Time        `db:"created_at"`
	CompletedAt      *time.Time       `db:"completed_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// NetAmount is the AGNT amount that is actually swapped.
func (w *WithdrawalTransaction) NetAmount() decimal.Decimal {
	return w.AgntAmountIn.Sub(w.FeeAgnt)
}
