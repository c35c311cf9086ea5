package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Agent is the balance-bearing account of a registered agent. Only the ledger
// package writes Balance, TotalEarned and TotalSpent.
type Agent struct {
	ID            string          `db:"id"`
	WalletAddress *string         `db:"wallet_address"` // nullable, unique when set
	Balance       decimal.Decimal `db:"balance"`
	TotalEarned   decimal.Decimal `db:"total_earned"`
	TotalSpent    decimal.Decimal `db:"total_spent"`
	UpdatedAt     time.Time       `db:"updated_at"`
}
