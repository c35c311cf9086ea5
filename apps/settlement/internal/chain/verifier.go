package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/metrics"
)

// ERC20 ABI for the Transfer event and decimals function
const ERC20ABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"type": "function"
	}
]`

// Outcome is the result of a transfer verification.
type Outcome int

const (
	// Unverifiable means the chain could not be read or decoded. It is
	// transient; the same input may verify later.
	Unverifiable Outcome = iota
	// DoesNotMatch means the receipt was read and contains no matching transfer.
	DoesNotMatch
	Verified
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case DoesNotMatch:
		return "does_not_match"
	default:
		return "unverifiable"
	}
}

// Backend is the read-only subset of ethclient.Client the verifier needs.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Verifier checks that a transaction moved an exact token amount to a
// recipient. It never mutates chain or ledger state.
type Verifier struct {
	backend      Backend
	erc20ABI     abi.ABI
	defaultToken common.Address
	timeout      time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	decimalsMu sync.Mutex
	decimals   map[common.Address]uint8
}

// NewVerifier creates a verifier. defaultToken is used when Verify is called
// without an explicit token address.
func NewVerifier(backend Backend, defaultToken common.Address, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*Verifier, error) {
	parsedABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	return &Verifier{
		backend:      backend,
		erc20ABI:     parsedABI,
		defaultToken: defaultToken,
		timeout:      timeout,
		logger:       logger,
		metrics:      m,
		decimals:     make(map[common.Address]uint8),
	}, nil
}

// Verify reports whether txHash contains a transfer of exactly expectedAmount
// to recipientAddress. Any uncertainty is reported as false.
func (v *Verifier) Verify(ctx context.Context, txHash string, expectedAmount decimal.Decimal, recipientAddress string, tokenAddress *common.Address) bool {
	outcome, _ := v.VerifyTransfer(ctx, txHash, expectedAmount, recipientAddress, tokenAddress)
	return outcome == Verified
}

// VerifyTransfer is Verify with a typed outcome. The returned error, when not
// nil, explains an Unverifiable or DoesNotMatch outcome and is never a reason
// to abort the caller.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash string, expectedAmount decimal.Decimal, recipientAddress string, tokenAddress *common.Address) (Outcome, error) {
	outcome, err := v.verify(ctx, txHash, expectedAmount, recipientAddress, tokenAddress)
	v.metrics.RecordVerification(outcome.String())

	if err != nil {
		v.logger.Warn("Transaction not verified",
			zap.String("tx_hash", txHash),
			zap.String("outcome", outcome.String()),
			zap.Error(err))
	}
	return outcome, err
}

func (v *Verifier) verify(ctx context.Context, txHash string, expectedAmount decimal.Decimal, recipientAddress string, tokenAddress *common.Address) (Outcome, error) {
	hashBytes, err := decodeTxHash(txHash)
	if err != nil {
		return DoesNotMatch, err
	}
	if !common.IsHexAddress(recipientAddress) {
		return DoesNotMatch, fmt.Errorf("invalid recipient address: %s", recipientAddress)
	}
	recipient := common.HexToAddress(recipientAddress)

	token := v.defaultToken
	if tokenAddress != nil {
		token = *tokenAddress
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	receipt, err := v.backend.TransactionReceipt(ctx, common.BytesToHash(hashBytes))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Unverifiable, fmt.Errorf("receipt not found: %w", err)
		}
		return Unverifiable, fmt.Errorf("failed to get transaction receipt: %w", err)
	}
	if receipt == nil {
		return Unverifiable, errors.New("receipt not found")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return DoesNotMatch, errors.New("transaction reverted")
	}

	transferEvent := v.erc20ABI.Events["Transfer"]
	for _, eventLog := range receipt.Logs {
		if eventLog == nil || eventLog.Address != token {
			continue
		}
		if len(eventLog.Topics) != 3 || eventLog.Topics[0] != transferEvent.ID {
			continue
		}

		// Topics[1] is from, Topics[2] is to
		to := common.BytesToAddress(eventLog.Topics[2].Bytes())
		if to != recipient {
			continue
		}

		values, err := v.erc20ABI.Unpack("Transfer", eventLog.Data)
		if err != nil {
			return Unverifiable, fmt.Errorf("failed to unpack Transfer event data: %w", err)
		}
		value, ok := values[0].(*big.Int)
		if !ok {
			return Unverifiable, fmt.Errorf("unexpected Transfer value type %T", values[0])
		}

		decimals, err := v.tokenDecimals(ctx, token)
		if err != nil {
			return Unverifiable, err
		}

		if ToDecimalAmount(value, decimals).Equal(expectedAmount) {
			return Verified, nil
		}
	}

	return DoesNotMatch, nil
}

// tokenDecimals reads decimals() once per token; the value is immutable.
func (v *Verifier) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	v.decimalsMu.Lock()
	cached, ok := v.decimals[token]
	v.decimalsMu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := v.erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to pack decimals call: %w", err)
	}

	result, err := v.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call decimals: %w", err)
	}

	values, err := v.erc20ABI.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals result: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}

	v.decimalsMu.Lock()
	v.decimals[token] = decimals
	v.decimalsMu.Unlock()
	return decimals, nil
}

// ToDecimalAmount converts a raw token amount to its human-readable value
func ToDecimalAmount(amount *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// ToRawAmount converts a human-readable amount to raw token units, truncating
// anything below the token's smallest unit.
func ToRawAmount(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// NormalizeTxHash validates a 32-byte 0x-prefixed hash and returns it
// lower-cased.
func NormalizeTxHash(txHash string) (string, error) {
	hashBytes, err := decodeTxHash(txHash)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(hashBytes), nil
}

func decodeTxHash(txHash string) ([]byte, error) {
	hashBytes, err := hexutil.Decode(strings.TrimSpace(txHash))
	if err != nil || len(hashBytes) != common.HashLength {
		return nil, fmt.Errorf("invalid transaction hash: %s", txHash)
	}
	return hashBytes, nil
}
