package swap

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrSwapFailed means the venue reported failure or the executor could not
	// be run. No funds are assumed to have moved.
	ErrSwapFailed = errors.New("swap failed")
	ErrTimeout    = errors.New("swap timed out")
	// ErrMalformedResult means the executor finished but its result could not
	// be interpreted.
	ErrMalformedResult = errors.New("malformed swap result")
)

// Request describes one swap-and-transfer. AmountRaw is in the input token's
// smallest unit.
type Request struct {
	AmountRaw  *big.Int
	Recipient  string
	Credential string
}

type Result struct {
	TxHash           string
	SettlementAmount decimal.Decimal
}

// Executor converts AGNT to USDC and delivers it to the recipient. It is not
// idempotent; callers must make sure a request is executed at most once.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// FuncExecutor adapts a callback to the Executor interface.
type FuncExecutor func(ctx context.Context, req Request) (*Result, error)

func (f FuncExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if f == nil {
		return nil, ErrSwapFailed
	}
	return f(ctx, req)
}
