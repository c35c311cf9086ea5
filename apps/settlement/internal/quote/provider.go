package quote

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/assets"
	"settlement/apps/settlement/internal/chain"
)

// Provider estimates how much USDC a given AGNT amount swaps for. Estimates
// are informational; the executed amount is whatever the swap returns.
type Provider interface {
	QuoteAGNTToUSDC(ctx context.Context, agntAmount decimal.Decimal) (decimal.Decimal, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, agntAmount decimal.Decimal) (decimal.Decimal, error)

func (f ProviderFunc) QuoteAGNTToUSDC(ctx context.Context, agntAmount decimal.Decimal) (decimal.Decimal, error) {
	return f(ctx, agntAmount)
}

// QuoterV2ABI is the subset of the Uniswap V3 QuoterV2 contract used for
// single-pool exact-input quotes.
const QuoterV2ABI = `[
	{
		"inputs": [
			{
				"components": [
					{"name": "tokenIn", "type": "address"},
					{"name": "tokenOut", "type": "address"},
					{"name": "amountIn", "type": "uint256"},
					{"name": "fee", "type": "uint24"},
					{"name": "sqrtPriceLimitX96", "type": "uint160"}
				],
				"name": "params",
				"type": "tuple"
			}
		],
		"name": "quoteExactInputSingle",
		"outputs": [
			{"name": "amountOut", "type": "uint256"},
			{"name": "sqrtPriceX96After", "type": "uint160"},
			{"name": "initializedTicksCrossed", "type": "uint32"},
			{"name": "gasEstimate", "type": "uint256"}
		],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// quoteParams mirrors the QuoterV2 tuple; field names must match the ABI
// component names in camel case.
type quoteParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Caller is the eth_call subset of ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainQuoter asks the on-chain quoter contract for a price. It simulates the
// swap through eth_call and never sends a transaction.
type ChainQuoter struct {
	caller   Caller
	quoter   common.Address
	agnt     *assets.Asset
	usdc     *assets.Asset
	poolFee  *big.Int
	timeout  time.Duration
	quoteABI abi.ABI
	logger   *zap.Logger
}

func NewChainQuoter(caller Caller, quoterAddress common.Address, agnt, usdc *assets.Asset, poolFee uint64, timeout time.Duration, logger *zap.Logger) (*ChainQuoter, error) {
	parsedABI, err := abi.JSON(strings.NewReader(QuoterV2ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse quoter ABI: %w", err)
	}

	return &ChainQuoter{
		caller:   caller,
		quoter:   quoterAddress,
		agnt:     agnt,
		usdc:     usdc,
		poolFee:  new(big.Int).SetUint64(poolFee),
		timeout:  timeout,
		quoteABI: parsedABI,
		logger:   logger,
	}, nil
}

func (q *ChainQuoter) QuoteAGNTToUSDC(ctx context.Context, agntAmount decimal.Decimal) (decimal.Decimal, error) {
	if !agntAmount.IsPositive() {
		return decimal.Zero, nil
	}

	amountIn := chain.ToRawAmount(agntAmount, q.agnt.Decimals)
	if amountIn.Sign() == 0 {
		return decimal.Zero, nil
	}

	data, err := q.quoteABI.Pack("quoteExactInputSingle", quoteParams{
		TokenIn:           q.agnt.Address,
		TokenOut:          q.usdc.Address,
		AmountIn:          amountIn,
		Fee:               q.poolFee,
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack quote call: %w", err)
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	result, err := q.caller.CallContract(ctx, ethereum.CallMsg{To: &q.quoter, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call quoter: %w", err)
	}

	values, err := q.quoteABI.Unpack("quoteExactInputSingle", result)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to unpack quote result: %w", err)
	}
	amountOut, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected amountOut type %T", values[0])
	}

	quoted := chain.ToDecimalAmount(amountOut, uint8(q.usdc.Decimals))
	q.logger.Debug("Quoted AGNT to USDC",
		zap.String("agnt_amount", agntAmount.String()),
		zap.String("usdc_amount", quoted.String()))
	return quoted, nil
}
