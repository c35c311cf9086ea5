package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	otherToken    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testRecipient = common.HexToAddress("0xABCDEFabcdefABCDEFabcdefABCDEFabcdef0123")
	testSender    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTxHash    = "0x" + strings.Repeat("ab", 32)
	transferSig   = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

type fakeBackend struct {
	receipt      *types.Receipt
	receiptErr   error
	decimals     uint8
	decimalsErr  error
	decimalCalls int
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.decimalCalls++
	if f.decimalsErr != nil {
		return nil, f.decimalsErr
	}
	return common.LeftPadBytes([]byte{f.decimals}, 32), nil
}

func transferLog(token, from, to common.Address, value int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func successReceipt(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: logs}
}

func newTestVerifier(t *testing.T, backend Backend) *Verifier {
	t.Helper()
	v, err := NewVerifier(backend, testToken, 0, zap.NewNop(), nil)
	require.NoError(t, err)
	return v
}

func TestVerifyTransfer(t *testing.T) {
	lowerRecipient := strings.ToLower(testRecipient.Hex())

	tests := []struct {
		name      string
		backend   *fakeBackend
		txHash    string
		expected  string
		recipient string
		want      Outcome
	}{
		{
			name:      "ExactMatchCaseInsensitiveRecipient",
			backend:   &fakeBackend{receipt: successReceipt(transferLog(testToken, testSender, testRecipient, 10_500_000)), decimals: 6},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      Verified,
		},
		{
			name:      "OffByOneRawUnit",
			backend:   &fakeBackend{receipt: successReceipt(transferLog(testToken, testSender, testRecipient, 10_500_001)), decimals: 6},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      DoesNotMatch,
		},
		{
			name:      "WrongRecipient",
			backend:   &fakeBackend{receipt: successReceipt(transferLog(testToken, testSender, testSender, 10_500_000)), decimals: 6},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      DoesNotMatch,
		},
		{
			name:      "OtherTokenIgnored",
			backend:   &fakeBackend{receipt: successReceipt(transferLog(otherToken, testSender, testRecipient, 10_500_000)), decimals: 6},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      DoesNotMatch,
		},
		{
			name: "SecondEventMatches",
			backend: &fakeBackend{receipt: successReceipt(
				transferLog(testToken, testSender, testRecipient, 1),
				transferLog(testToken, testSender, testRecipient, 10_500_000),
			), decimals: 6},
			expected:  "10.5",
			recipient: testRecipient.Hex(),
			want:      Verified,
		},
		{
			name:      "RevertedTransaction",
			backend:   &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}, decimals: 6},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      DoesNotMatch,
		},
		{
			name:      "ReceiptNotFound",
			backend:   &fakeBackend{receiptErr: ethereum.NotFound},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      Unverifiable,
		},
		{
			name:      "RPCFailure",
			backend:   &fakeBackend{receiptErr: errors.New("connection refused")},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      Unverifiable,
		},
		{
			name:      "DecimalsCallFailure",
			backend:   &fakeBackend{receipt: successReceipt(transferLog(testToken, testSender, testRecipient, 10_500_000)), decimalsErr: errors.New("execution reverted")},
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      Unverifiable,
		},
		{
			name:      "MalformedHash",
			backend:   &fakeBackend{},
			txHash:    "0x1234",
			expected:  "10.5",
			recipient: lowerRecipient,
			want:      DoesNotMatch,
		},
		{
			name:      "MalformedRecipient",
			backend:   &fakeBackend{},
			expected:  "10.5",
			recipient: "not-an-address",
			want:      DoesNotMatch,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v := newTestVerifier(t, test.backend)
			txHash := test.txHash
			if txHash == "" {
				txHash = testTxHash
			}

			outcome, _ := v.VerifyTransfer(context.Background(), txHash, decimal.RequireFromString(test.expected), test.recipient, nil)
			require.Equal(t, test.want, outcome)
			require.Equal(t, test.want == Verified, v.Verify(context.Background(), txHash, decimal.RequireFromString(test.expected), test.recipient, nil))
		})
	}
}

func TestVerifyExplicitTokenAddress(t *testing.T) {
	backend := &fakeBackend{receipt: successReceipt(transferLog(otherToken, testSender, testRecipient, 2_000_000_000_000_000_000)), decimals: 18}
	v := newTestVerifier(t, backend)

	ok := v.Verify(context.Background(), testTxHash, decimal.NewFromInt(2), testRecipient.Hex(), &otherToken)
	require.True(t, ok)
}

func TestDecimalsAreCachedPerToken(t *testing.T) {
	backend := &fakeBackend{receipt: successReceipt(transferLog(testToken, testSender, testRecipient, 10_500_000)), decimals: 6}
	v := newTestVerifier(t, backend)

	for i := 0; i < 3; i++ {
		require.True(t, v.Verify(context.Background(), testTxHash, decimal.RequireFromString("10.5"), testRecipient.Hex(), nil))
	}
	require.Equal(t, 1, backend.decimalCalls)
}

func TestAmountConversion(t *testing.T) {
	require.Equal(t, "10.5", ToDecimalAmount(big.NewInt(10_500_000), 6).String())
	require.Equal(t, "0.000001", ToDecimalAmount(big.NewInt(1), 6).String())

	raw := ToRawAmount(decimal.RequireFromString("9.9"), 18)
	require.Equal(t, "9900000000000000000", raw.String())

	truncated := ToRawAmount(decimal.RequireFromString("1.0000005"), 6)
	require.Equal(t, "1000000", truncated.String())
}

func TestNormalizeTxHash(t *testing.T) {
	upper := "0x" + strings.Repeat("AB", 32)
	normalized, err := NormalizeTxHash(upper)
	require.NoError(t, err)
	require.Equal(t, testTxHash, normalized)

	_, err = NormalizeTxHash("abcd")
	require.Error(t, err)
}
