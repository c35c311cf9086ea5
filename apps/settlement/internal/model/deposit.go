package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsumedDeposit records an on-chain transaction hash that has already been
// credited. TxHash is stored lower-cased and is globally unique.
type ConsumedDeposit struct {
	TxHash    string          `db:"tx_hash"`
	AgentID   string          `db:"agent_id"`
	Amount    decimal.Decimal `db:"amount"`
	Currency  string          `db:"currency"`
	CreatedAt time.Time       `db:"created_at"`
}
