package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/repository"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger is the only writer of Agent.Balance, TotalEarned and TotalSpent.
// Every mutation runs under the agent's row lock, so concurrent adjustments
// for one agent are serialized.
type Ledger struct {
	store  repository.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(store repository.Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Adjust applies delta to the agent's balance in its own transaction.
// Positive deltas are credits, negative deltas are debits.
func (l *Ledger) Adjust(ctx context.Context, agentID string, delta decimal.Decimal) (*model.Agent, error) {
	var updated *model.Agent
	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		agent, err := l.AdjustTx(ctx, tx, agentID, delta)
		if err != nil {
			return err
		}
		updated = agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AdjustTx is Adjust inside a caller-owned transaction, so the balance change
// commits or rolls back together with the caller's other writes.
func (l *Ledger) AdjustTx(ctx context.Context, tx repository.Tx, agentID string, delta decimal.Decimal) (*model.Agent, error) {
	agent, err := tx.LockAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if err := Apply(agent, delta); err != nil {
		return nil, err
	}
	agent.UpdatedAt = l.now()

	if err := tx.UpdateAgentBalances(ctx, agent); err != nil {
		return nil, err
	}

	l.logger.Info("Adjusted agent balance",
		zap.String("agent_id", agentID),
		zap.String("delta", delta.String()),
		zap.String("balance", agent.Balance.String()))
	return agent, nil
}

// RefundTx reverses an earlier debit of amount: the balance is restored and
// TotalSpent is decremented, leaving TotalEarned untouched.
func (l *Ledger) RefundTx(ctx context.Context, tx repository.Tx, agentID string, amount decimal.Decimal) (*model.Agent, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive, got %s", amount)
	}

	agent, err := tx.LockAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	agent.Balance = agent.Balance.Add(amount)
	agent.TotalSpent = agent.TotalSpent.Sub(amount)
	agent.UpdatedAt = l.now()

	if err := tx.UpdateAgentBalances(ctx, agent); err != nil {
		return nil, err
	}

	l.logger.Info("Refunded agent balance",
		zap.String("agent_id", agentID),
		zap.String("amount", amount.String()),
		zap.String("balance", agent.Balance.String()))
	return agent, nil
}

// Apply mutates agent in memory. It leaves agent unchanged when the delta
// would drive the balance negative.
func Apply(agent *model.Agent, delta decimal.Decimal) error {
	next := agent.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, agent.Balance, delta.Neg())
	}

	agent.Balance = next
	switch delta.Sign() {
	case 1:
		agent.TotalEarned = agent.TotalEarned.Add(delta)
	case -1:
		agent.TotalSpent = agent.TotalSpent.Add(delta.Neg())
	}
	return nil
}
