package repository

import (
	"context"
	"errors"
	"time"

	"settlement/apps/settlement/internal/model"
)

var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrDuplicateDeposit   = errors.New("deposit transaction already consumed")
)

// Store is the durable settlement state. Every mutation goes through InTx so
// that balance changes, withdrawal rows and outbox events commit together.
type Store interface {
	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	GetWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error)
	CountWithdrawalsSince(ctx context.Context, agentID string, since time.Time) (int, error)
	IsDepositConsumed(ctx context.Context, txHash string) (bool, error)

	// ListWithdrawalIDs returns up to limit ids of withdrawals in status that
	// were last updated before the given time, oldest first. A zero limit
	// returns all of them.
	ListWithdrawalIDs(ctx context.Context, status model.WithdrawalStatus, updatedBefore time.Time, limit int) ([]string, error)
}

// Tx is the set of operations available inside a transaction. Lock* methods
// hold a row lock on the returned record until the transaction ends. Callers
// lock the agent before inserting any row that references it.
type Tx interface {
	LockAgent(ctx context.Context, agentID string) (*model.Agent, error)
	UpdateAgentBalances(ctx context.Context, agent *model.Agent) error

	CountWithdrawalsSince(ctx context.Context, agentID string, since time.Time) (int, error)
	InsertWithdrawal(ctx context.Context, withdrawal *model.WithdrawalTransaction) error
	LockWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error)
	UpdateWithdrawal(ctx context.Context, withdrawal *model.WithdrawalTransaction) error

	// InsertConsumedDeposit returns ErrDuplicateDeposit when the hash was
	// already recorded.
	InsertConsumedDeposit(ctx context.Context, deposit model.ConsumedDeposit) error

	StoreOutboxEvent(ctx context.Context, event model.OutboxEvent) error
}
