package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/assets"
	"settlement/apps/settlement/internal/chain"
	"settlement/apps/settlement/internal/events"
	"settlement/apps/settlement/internal/ledger"
	"settlement/apps/settlement/internal/metrics"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/repository"
)

var (
	ErrVerificationFailed  = errors.New("deposit verification failed")
	ErrAlreadyCredited     = errors.New("deposit transaction already credited")
	ErrUnsupportedCurrency = errors.New("unsupported deposit currency")
	ErrInvalidAmount       = errors.New("deposit amount must be positive")
)

// VerificationError carries the chain outcome behind a rejected deposit.
// Unverifiable outcomes may succeed on a later retry.
type VerificationError struct {
	TxHash  string
	Outcome chain.Outcome
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deposit %s %s: %v", e.TxHash, e.Outcome, e.Err)
	}
	return fmt.Sprintf("deposit %s %s", e.TxHash, e.Outcome)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationFailed
}

// Verifier is satisfied by *chain.Verifier.
type Verifier interface {
	VerifyTransfer(ctx context.Context, txHash string, expectedAmount decimal.Decimal, recipientAddress string, tokenAddress *common.Address) (chain.Outcome, error)
}

type Request struct {
	// AgentID is the authenticated caller.
	AgentID  string
	TxHash   string
	Amount   decimal.Decimal
	Currency string
	// RecipientAgentID optionally selects another agent to credit.
	RecipientAgentID string
}

type Result struct {
	Success    bool
	AgentID    string
	TxHash     string
	NewBalance decimal.Decimal
	Message    string
}

// Creditor credits internal balance for on-chain payments made to the
// platform deposit address. Each transaction hash is credited at most once.
type Creditor struct {
	store          repository.Store
	ledger         *ledger.Ledger
	verifier       Verifier
	registry       *assets.AssetRegistry
	depositAddress string
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewCreditor(store repository.Store, l *ledger.Ledger, verifier Verifier, registry *assets.AssetRegistry, depositAddress string, logger *zap.Logger, m *metrics.Metrics) *Creditor {
	return &Creditor{
		store:          store,
		ledger:         l,
		verifier:       verifier,
		registry:       registry,
		depositAddress: depositAddress,
		logger:         logger,
		metrics:        m,
		now:            time.Now,
	}
}

func (c *Creditor) Credit(ctx context.Context, req Request) (*Result, error) {
	result, err := c.credit(ctx, req)

	outcome := "credited"
	var verificationErr *VerificationError
	switch {
	case errors.As(err, &verificationErr):
		outcome = verificationErr.Outcome.String()
	case errors.Is(err, ErrAlreadyCredited):
		outcome = "replay"
	case err != nil:
		outcome = "rejected"
	}
	c.metrics.RecordDeposit(outcome)
	return result, err
}

func (c *Creditor) credit(ctx context.Context, req Request) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, req.Amount)
	}

	token, ok := c.registry.GetBySymbol(req.Currency)
	if !ok || token.Symbol != assets.USDC {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, req.Currency)
	}

	target := strings.TrimSpace(req.RecipientAgentID)
	if target == "" {
		target = req.AgentID
	}
	if _, err := c.store.GetAgent(ctx, target); err != nil {
		return nil, err
	}

	txHash, err := chain.NormalizeTxHash(req.TxHash)
	if err != nil {
		return nil, &VerificationError{TxHash: req.TxHash, Outcome: chain.DoesNotMatch, Err: err}
	}

	consumed, err := c.store.IsDepositConsumed(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check deposit %s: %w", txHash, err)
	}
	if consumed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCredited, txHash)
	}

	outcome, err := c.verifier.VerifyTransfer(ctx, txHash, req.Amount, c.depositAddress, &token.Address)
	if outcome != chain.Verified {
		return nil, &VerificationError{TxHash: txHash, Outcome: outcome, Err: err}
	}

	var credited *model.Agent
	err = c.store.InTx(ctx, func(tx repository.Tx) error {
		now := c.now()

		// The agent row lock comes first; the consumed_deposits foreign key
		// would otherwise take a key-share lock that FOR UPDATE waits on.
		agent, err := c.ledger.AdjustTx(ctx, tx, target, req.Amount)
		if err != nil {
			return err
		}

		err = tx.InsertConsumedDeposit(ctx, model.ConsumedDeposit{
			TxHash:    txHash,
			AgentID:   target,
			Amount:    req.Amount,
			Currency:  token.Symbol,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		event := events.SettlementEvent{
			EventType:   events.DepositCredited,
			AggregateID: txHash,
			AgentID:     target,
			Amount:      req.Amount.String(),
			TxHash:      txHash,
			Timestamp:   now,
		}
		outboxEvent, err := event.ToOutbox()
		if err != nil {
			return err
		}
		if err := tx.StoreOutboxEvent(ctx, outboxEvent); err != nil {
			return fmt.Errorf("failed to store deposit event: %w", err)
		}

		credited = agent
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateDeposit) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCredited, txHash)
		}
		return nil, err
	}

	c.logger.Info("Deposit credited",
		zap.String("agent_id", target),
		zap.String("tx_hash", txHash),
		zap.String("amount", req.Amount.String()),
		zap.String("balance", credited.Balance.String()))

	return &Result{
		Success:    true,
		AgentID:    target,
		TxHash:     txHash,
		NewBalance: credited.Balance,
		Message:    "Payment verified and balance updated.",
	}, nil
}
