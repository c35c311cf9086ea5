package withdrawal

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation = errors.New("withdrawal validation failed")

	// ErrConfiguration means no usable platform signing key is configured.
	// Requests still validate and reserve funds, but execution is refused.
	ErrConfiguration = errors.New("platform signing key not configured")

	// ErrNotPending is returned when execution is requested for a withdrawal
	// that another worker already claimed or finished.
	ErrNotPending = errors.New("withdrawal is not pending")

	ErrInvalidTransition = errors.New("invalid withdrawal status transition")
	ErrReconciliationGap = errors.New("ledger and chain diverged")
)

type Reason string

const (
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonBelowMinimum        Reason = "below_minimum"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonInvalidAddress      Reason = "invalid_address"
	ReasonRateLimited         Reason = "rate_limited"
)

// ValidationError is a user-correctable rejection. No state was changed.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func rejected(reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ExecutionError reports a withdrawal that ended in failed. The reserved
// funds were returned to the agent.
type ExecutionError struct {
	WithdrawalID string
	Err          error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("withdrawal %s failed, funds returned: %v", e.WithdrawalID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ReconciliationError reports a state the engine could not repair on its
// own. The withdrawal row is left in processing for manual review.
type ReconciliationError struct {
	WithdrawalID string
	AgentID      string
	Amount       decimal.Decimal
	Stage        string
	Err          error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failure during %s of withdrawal %s (agent %s, amount %s): %v",
		e.Stage, e.WithdrawalID, e.AgentID, e.Amount, e.Err)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrReconciliationGap, e.Err}
}
