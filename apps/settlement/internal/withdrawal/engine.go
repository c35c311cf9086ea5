package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/chain"
	"settlement/apps/settlement/internal/events"
	"settlement/apps/settlement/internal/ledger"
	"settlement/apps/settlement/internal/metrics"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/quote"
	"settlement/apps/settlement/internal/repository"
	"settlement/apps/settlement/internal/swap"
)

const (
	rateLimitWindow          = time.Hour
	defaultErrorMessageLimit = 500
)

type Config struct {
	MinWithdrawal    decimal.Decimal
	FeePercent       decimal.Decimal
	RateLimitPerHour int
	// SigningKey is the hex-encoded platform wallet key. Empty disables
	// execution.
	SigningKey        string
	AGNTDecimals      int32
	ErrorMessageLimit int
}

// Engine runs the withdrawal saga: reserve funds and record a pending row in
// one transaction, execute the swap outside any lock, then either settle the
// row or fail it and return the funds.
type Engine struct {
	store    repository.Store
	ledger   *ledger.Ledger
	quotes   quote.Provider
	executor swap.Executor
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(store repository.Store, l *ledger.Ledger, quotes quote.Provider, executor swap.Executor, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.ErrorMessageLimit <= 0 {
		cfg.ErrorMessageLimit = defaultErrorMessageLimit
	}
	if cfg.AGNTDecimals == 0 {
		cfg.AGNTDecimals = 18
	}

	e := &Engine{
		store:    store,
		ledger:   l,
		quotes:   quotes,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateRequest checks a withdrawal against committed state without
// changing anything. CreateRequest repeats the check under the agent lock.
func (e *Engine) ValidateRequest(ctx context.Context, agentID string, amount decimal.Decimal, recipient string) error {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	recent, err := e.store.CountWithdrawalsSince(ctx, agentID, e.now().Add(-rateLimitWindow))
	if err != nil {
		return fmt.Errorf("failed to count recent withdrawals: %w", err)
	}

	return e.validate(agent, recent, amount, recipient)
}

func (e *Engine) validate(agent *model.Agent, recent int, amount decimal.Decimal, recipient string) error {
	if !amount.IsPositive() {
		return rejected(ReasonInvalidAmount, "amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Truncate(e.cfg.AGNTDecimals)) {
		return rejected(ReasonInvalidAmount, "amount %s has more than %d decimal places", amount, e.cfg.AGNTDecimals)
	}
	if amount.LessThan(e.cfg.MinWithdrawal) {
		return rejected(ReasonBelowMinimum, "minimum withdrawal is %s AGNT", e.cfg.MinWithdrawal)
	}
	if agent.Balance.LessThan(amount) {
		return rejected(ReasonInsufficientBalance, "balance %s AGNT is less than %s", agent.Balance, amount)
	}
	if !common.IsHexAddress(strings.TrimSpace(recipient)) {
		return rejected(ReasonInvalidAddress, "invalid recipient address %q", recipient)
	}
	if e.cfg.RateLimitPerHour > 0 && recent >= e.cfg.RateLimitPerHour {
		return rejected(ReasonRateLimited, "at most %d withdrawals per hour", e.cfg.RateLimitPerHour)
	}
	return nil
}

// Fee returns the fee withheld from amount, rounded to AGNT precision.
func (e *Engine) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(e.cfg.FeePercent).Shift(-2).Round(e.cfg.AGNTDecimals)
}

// CreateRequest reserves amount from the agent's balance and records a
// pending withdrawal. Both happen in one transaction.
func (e *Engine) CreateRequest(ctx context.Context, agentID string, amount decimal.Decimal, recipient string) (*model.WithdrawalTransaction, error) {
	if err := e.ValidateRequest(ctx, agentID, amount, recipient); err != nil {
		e.recordRejection(err)
		return nil, err
	}

	fee := e.Fee(amount)
	net := amount.Sub(fee)
	estimate := e.estimate(ctx, net)

	var created *model.WithdrawalTransaction
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		now := e.now()

		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		recent, err := tx.CountWithdrawalsSince(ctx, agentID, now.Add(-rateLimitWindow))
		if err != nil {
			return fmt.Errorf("failed to count recent withdrawals: %w", err)
		}
		if err := e.validate(agent, recent, amount, recipient); err != nil {
			return err
		}

		if _, err := e.ledger.AdjustTx(ctx, tx, agentID, amount.Neg()); err != nil {
			return err
		}

		w := &model.WithdrawalTransaction{
			ID:               uuid.New().String(),
			AgentID:          agentID,
			AgntAmountIn:     amount,
			FeeAgnt:          fee,
			UsdcAmountOut:    estimate,
			ExchangeRate:     decimal.Zero,
			RecipientAddress: common.HexToAddress(strings.TrimSpace(recipient)).Hex(),
			Status:           model.WithdrawalPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("failed to insert withdrawal: %w", err)
		}
		if err := e.recordEvent(ctx, tx, events.WithdrawalRequested, w); err != nil {
			return err
		}

		created = w
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			err = rejected(ReasonInsufficientBalance, "%v", err)
		}
		e.recordRejection(err)
		return nil, err
	}

	e.metrics.RecordWithdrawal(string(model.WithdrawalPending))
	e.logger.Info("Withdrawal requested",
		zap.String("withdrawal_id", created.ID),
		zap.String("agent_id", agentID),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
		zap.String("usdc_estimate", estimate.String()))
	return created, nil
}

// estimate is informational; quote failures become zero.
func (e *Engine) estimate(ctx context.Context, net decimal.Decimal) decimal.Decimal {
	if e.quotes == nil {
		return decimal.Zero
	}
	estimate, err := e.quotes.QuoteAGNTToUSDC(ctx, net)
	if err != nil {
		e.logger.Warn("Failed to quote withdrawal, using zero estimate",
			zap.String("net_amount", net.String()),
			zap.Error(err))
		return decimal.Zero
	}
	return estimate
}

func (e *Engine) recordRejection(err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		e.metrics.RecordWithdrawal("rejected_" + string(validationErr.Reason))
	}
}

// ExecuteWithdrawal drives a pending withdrawal to completed or failed.
//
// The row is claimed with a pending -> processing transition, so a second
// call for the same withdrawal returns ErrNotPending without touching the
// executor. On executor failure the withdrawal is failed and its full amount
// refunded, and an *ExecutionError is returned together with the failed row.
func (e *Engine) ExecuteWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error) {
	credential, credErr := e.signingCredential()

	var claimed *model.WithdrawalTransaction
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, w.ID, w.Status)
		}

		if credErr != nil {
			if err := e.failTx(ctx, tx, w, credErr); err != nil {
				return err
			}
		} else {
			if err := transition(w, model.WithdrawalProcessing, e.now()); err != nil {
				return err
			}
			if err := tx.UpdateWithdrawal(ctx, w); err != nil {
				return fmt.Errorf("failed to update withdrawal: %w", err)
			}
			if err := e.recordEvent(ctx, tx, events.WithdrawalProcessing, w); err != nil {
				return err
			}
		}

		claimed = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed.Status == model.WithdrawalFailed {
		e.metrics.RecordWithdrawal(string(model.WithdrawalFailed))
		e.logger.Error("Withdrawal refused, signing key unavailable",
			zap.String("withdrawal_id", claimed.ID),
			zap.String("agent_id", claimed.AgentID),
			zap.Error(credErr))
		return claimed, &ExecutionError{WithdrawalID: claimed.ID, Err: credErr}
	}

	// Once processing, the saga always finishes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	result, swapErr := e.executor.Execute(ctx, swap.Request{
		AmountRaw:  chain.ToRawAmount(claimed.NetAmount(), e.cfg.AGNTDecimals),
		Recipient:  claimed.RecipientAddress,
		Credential: credential,
	})
	if swapErr == nil && result == nil {
		swapErr = fmt.Errorf("%w: executor returned no result", swap.ErrMalformedResult)
	}
	if swapErr != nil {
		return e.compensate(ctx, claimed, swapErr)
	}
	return e.settle(ctx, claimed, result)
}

func (e *Engine) signingCredential() (string, error) {
	key := strings.TrimSpace(e.cfg.SigningKey)
	if key == "" {
		return "", ErrConfiguration
	}
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x")); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return key, nil
}

func (e *Engine) settle(ctx context.Context, claimed *model.WithdrawalTransaction, result *swap.Result) (*model.WithdrawalTransaction, error) {
	var settled *model.WithdrawalTransaction
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		w, err := tx.LockWithdrawal(ctx, claimed.ID)
		if err != nil {
			return err
		}

		net := w.NetAmount()
		w.UsdcAmountOut = result.SettlementAmount
		w.ExchangeRate = decimal.Zero
		if !net.IsZero() {
			w.ExchangeRate = result.SettlementAmount.Div(net)
		}
		txHash := result.TxHash
		w.TransferTxHash = &txHash

		if err := transition(w, model.WithdrawalCompleted, e.now()); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("failed to update withdrawal: %w", err)
		}
		if err := e.recordEvent(ctx, tx, events.WithdrawalCompleted, w); err != nil {
			return err
		}

		settled = w
		return nil
	})
	if err != nil {
		// The swap went out but the ledger still says processing. Refunding
		// here would pay the agent twice.
		return claimed, e.reconciliationFailure(claimed, "settle", err,
			zap.String("transfer_tx_hash", result.TxHash),
			zap.String("usdc_amount", result.SettlementAmount.String()))
	}

	e.metrics.RecordWithdrawal(string(model.WithdrawalCompleted))
	e.logger.Info("Withdrawal completed",
		zap.String("withdrawal_id", settled.ID),
		zap.String("agent_id", settled.AgentID),
		zap.String("transfer_tx_hash", result.TxHash),
		zap.String("usdc_amount", settled.UsdcAmountOut.String()),
		zap.String("exchange_rate", settled.ExchangeRate.String()))
	return settled, nil
}

func (e *Engine) compensate(ctx context.Context, claimed *model.WithdrawalTransaction, cause error) (*model.WithdrawalTransaction, error) {
	var failed *model.WithdrawalTransaction
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		w, err := tx.LockWithdrawal(ctx, claimed.ID)
		if err != nil {
			return err
		}
		if err := e.failTx(ctx, tx, w, cause); err != nil {
			return err
		}
		failed = w
		return nil
	})
	if err != nil {
		return claimed, e.reconciliationFailure(claimed, "compensate", err, zap.NamedError("execution_error", cause))
	}

	e.metrics.RecordWithdrawal(string(model.WithdrawalFailed))
	e.logger.Error("Withdrawal failed, funds returned",
		zap.String("withdrawal_id", failed.ID),
		zap.String("agent_id", failed.AgentID),
		zap.String("refunded", failed.AgntAmountIn.String()),
		zap.Error(cause))
	return failed, &ExecutionError{WithdrawalID: failed.ID, Err: cause}
}

// failTx moves w to failed and refunds the full reserved amount inside tx.
func (e *Engine) failTx(ctx context.Context, tx repository.Tx, w *model.WithdrawalTransaction, cause error) error {
	if err := transition(w, model.WithdrawalFailed, e.now()); err != nil {
		return err
	}
	message := truncate(cause.Error(), e.cfg.ErrorMessageLimit)
	w.ErrorMessage = &message

	if _, err := e.ledger.RefundTx(ctx, tx, w.AgentID, w.AgntAmountIn); err != nil {
		return fmt.Errorf("failed to refund withdrawal: %w", err)
	}
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	return e.recordEvent(ctx, tx, events.WithdrawalFailed, w)
}

func (e *Engine) reconciliationFailure(w *model.WithdrawalTransaction, stage string, err error, fields ...zap.Field) error {
	e.metrics.RecordReconciliationFailure(stage)

	fields = append([]zap.Field{
		zap.String("alert", "reconciliation_failure"),
		zap.String("stage", stage),
		zap.String("withdrawal_id", w.ID),
		zap.String("agent_id", w.AgentID),
		zap.String("amount", w.AgntAmountIn.String()),
		zap.Error(err),
	}, fields...)
	e.logger.DPanic("Withdrawal requires manual reconciliation", fields...)

	return &ReconciliationError{
		WithdrawalID: w.ID,
		AgentID:      w.AgentID,
		Amount:       w.AgntAmountIn,
		Stage:        stage,
		Err:          err,
	}
}

type withdrawalEventData struct {
	FeeAgnt          string `json:"fee_agnt"`
	NetAmount        string `json:"net_amount"`
	UsdcAmountOut    string `json:"usdc_amount_out"`
	RecipientAddress string `json:"recipient_address"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

func (e *Engine) recordEvent(ctx context.Context, tx repository.Tx, eventType string, w *model.WithdrawalTransaction) error {
	data := withdrawalEventData{
		FeeAgnt:          w.FeeAgnt.String(),
		NetAmount:        w.NetAmount().String(),
		UsdcAmountOut:    w.UsdcAmountOut.String(),
		RecipientAddress: w.RecipientAddress,
	}
	if w.ErrorMessage != nil {
		data.ErrorMessage = *w.ErrorMessage
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal withdrawal event data: %w", err)
	}

	event := events.SettlementEvent{
		EventType:   eventType,
		AggregateID: w.ID,
		AgentID:     w.AgentID,
		Amount:      w.AgntAmountIn.String(),
		Status:      string(w.Status),
		EventData:   blob,
		Timestamp:   e.now(),
	}
	if w.TransferTxHash != nil {
		event.TxHash = *w.TransferTxHash
	}

	outboxEvent, err := event.ToOutbox()
	if err != nil {
		return err
	}
	if err := tx.StoreOutboxEvent(ctx, outboxEvent); err != nil {
		return fmt.Errorf("failed to store %s event: %w", eventType, err)
	}
	return nil
}

// GetWithdrawal returns the current state of a withdrawal.
func (e *Engine) GetWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error) {
	return e.store.GetWithdrawal(ctx, withdrawalID)
}
