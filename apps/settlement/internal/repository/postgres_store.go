package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/model"
)

const uniqueViolation = "23505"

const withdrawalColumns = `id, agent_id, agnt_amount_in, fee_agnt, usdc_amount_out, exchange_rate, recipient_address,
	status, transfer_tx_hash, error_message, created_at, completed_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() // Will be ignored if tx.Commit() succeeds

	if err := fn(&postgresTx{tx: sqlTx, logger: s.logger}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	return getAgent(ctx, s.db, agentID, false)
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error) {
	return getWithdrawal(ctx, s.db, withdrawalID, false)
}

func (s *PostgresStore) CountWithdrawalsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	return countWithdrawalsSince(ctx, s.db, agentID, since)
}

func (s *PostgresStore) IsDepositConsumed(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM consumed_deposits WHERE tx_hash = $1)
	`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check consumed deposit: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListWithdrawalIDs(ctx context.Context, status model.WithdrawalStatus, updatedBefore time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM withdrawal_transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT NULLIF($3, 0)
	`, status, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type postgresTx struct {
	tx     *sql.Tx
	logger *zap.Logger
}

func (t *postgresTx) LockAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	return getAgent(ctx, t.tx, agentID, true)
}

func (t *postgresTx) UpdateAgentBalances(ctx context.Context, agent *model.Agent) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE agents
		SET balance = $1, total_earned = $2, total_spent = $3, updated_at = $4
		WHERE id = $5
	`, agent.Balance, agent.TotalEarned, agent.TotalSpent, agent.UpdatedAt, agent.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent balances: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (t *postgresTx) CountWithdrawalsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	return countWithdrawalsSince(ctx, t.tx, agentID, since)
}

func (t *postgresTx) InsertWithdrawal(ctx context.Context, w *model.WithdrawalTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO withdrawal_transactions (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, w.ID, w.AgentID, w.AgntAmountIn, w.FeeAgnt, w.UsdcAmountOut, w.ExchangeRate, w.RecipientAddress,
		w.Status, w.TransferTxHash, w.ErrorMessage, w.CreatedAt, w.CompletedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	t.logger.Info("Created withdrawal",
		zap.String("withdrawal_id", w.ID),
		zap.String("agent_id", w.AgentID),
		zap.String("status", string(w.Status)))
	return nil
}

func (t *postgresTx) LockWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error) {
	return getWithdrawal(ctx, t.tx, withdrawalID, true)
}

func (t *postgresTx) UpdateWithdrawal(ctx context.Context, w *model.WithdrawalTransaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawal_transactions
		SET usdc_amount_out = $1, exchange_rate = $2, status = $3, transfer_tx_hash = $4,
			error_message = $5, completed_at = $6, updated_at = $7
		WHERE id = $8
	`, w.UsdcAmountOut, w.ExchangeRate, w.Status, w.TransferTxHash, w.ErrorMessage, w.CompletedAt, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWithdrawalNotFound
	}

	t.logger.Info("Updated withdrawal status",
		zap.String("withdrawal_id", w.ID),
		zap.String("status", string(w.Status)))
	return nil
}

func (t *postgresTx) InsertConsumedDeposit(ctx context.Context, d model.ConsumedDeposit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO consumed_deposits (tx_hash, agent_id, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, d.TxHash, d.AgentID, d.Amount, d.Currency, d.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("failed to record consumed deposit: %w", err)
	}
	return nil
}

func (t *postgresTx) StoreOutboxEvent(ctx context.Context, event model.OutboxEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_outbox (event_type, aggregate_id, agent_id, status, event_blob, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.EventType, event.AggregateID, event.AgentID, event.Status, []byte(event.EventBlob), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}
	return nil
}

func getAgent(ctx context.Context, q queryer, agentID string, forUpdate bool) (*model.Agent, error) {
	query := `
		SELECT id, wallet_address, balance, total_earned, total_spent, updated_at
		FROM agents
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var agent model.Agent
	err := q.QueryRowContext(ctx, query, agentID).Scan(&agent.ID, &agent.WalletAddress, &agent.Balance,
		&agent.TotalEarned, &agent.TotalSpent, &agent.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func getWithdrawal(ctx context.Context, q queryer, withdrawalID string, forUpdate bool) (*model.WithdrawalTransaction, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var w model.WithdrawalTransaction
	err := q.QueryRowContext(ctx, query, withdrawalID).Scan(&w.ID, &w.AgentID, &w.AgntAmountIn, &w.FeeAgnt,
		&w.UsdcAmountOut, &w.ExchangeRate, &w.RecipientAddress, &w.Status, &w.TransferTxHash, &w.ErrorMessage,
		&w.CreatedAt, &w.CompletedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return &w, nil
}

func countWithdrawalsSince(ctx context.Context, q queryer, agentID string, since time.Time) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM withdrawal_transactions
		WHERE agent_id = $1 AND created_at >= $2
	`, agentID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent withdrawals: %w", err)
	}
	return count, nil
}
