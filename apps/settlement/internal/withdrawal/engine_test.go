package withdrawal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/events"
	"settlement/apps/settlement/internal/ledger"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/quote"
	"settlement/apps/settlement/internal/repository"
	"settlement/apps/settlement/internal/swap"
)

const (
	testAgent     = "agent-1"
	testRecipient = "0x2222222222222222222222222222222222222222"
	testKey       = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

type recordingExecutor struct {
	mu       sync.Mutex
	requests []swap.Request
	result   *swap.Result
	err      error
}

func (r *recordingExecutor) Execute(_ context.Context, req swap.Request) (*swap.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.result, r.err
}

func (r *recordingExecutor) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// flakyStore fails every InTx call after the first failAfter calls.
type flakyStore struct {
	*repository.MemoryStore
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls > s.failAfter
	s.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return s.MemoryStore.InTx(ctx, fn)
}

type fixture struct {
	store    *repository.MemoryStore
	executor *recordingExecutor
	engine   *Engine
	now      time.Time
}

func defaultConfig() Config {
	return Config{
		MinWithdrawal:    decimal.NewFromInt(1),
		FeePercent:       decimal.NewFromInt(1),
		RateLimitPerHour: 6,
		SigningKey:       testKey,
	}
}

func newFixture(t *testing.T, balance string, opts ...func(*fixture, *Config, *repository.Store)) *fixture {
	t.Helper()
	f := &fixture{
		store:    repository.NewMemoryStore(),
		executor: &recordingExecutor{result: &swap.Result{TxHash: "0xfeed", SettlementAmount: decimal.RequireFromString("4.95")}},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.PutAgent(model.Agent{ID: testAgent, Balance: decimal.RequireFromString(balance)})

	cfg := defaultConfig()
	var store repository.Store = f.store
	for _, opt := range opts {
		opt(f, &cfg, &store)
	}

	halfQuote := quote.ProviderFunc(func(_ context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
		return amount.Div(decimal.NewFromInt(2)), nil
	})
	f.engine = NewEngine(store, ledger.NewLedger(store, zap.NewNop()), halfQuote, f.executor, cfg, zap.NewNop(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) agent(t *testing.T) *model.Agent {
	t.Helper()
	agent, err := f.store.GetAgent(context.Background(), testAgent)
	require.NoError(t, err)
	return agent
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func eventTypes(store *repository.MemoryStore) []string {
	var types []string
	for _, event := range store.OutboxEvents() {
		types = append(types, event.EventType)
	}
	return types
}

func TestCreateRequestReservesFullAmount(t *testing.T) {
	f := newFixture(t, "100")

	w, err := f.engine.CreateRequest(context.Background(), testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	require.Equal(t, model.WithdrawalPending, w.Status)
	requireDecimal(t, "0.1", w.FeeAgnt)
	requireDecimal(t, "9.9", w.NetAmount())
	requireDecimal(t, "4.95", w.UsdcAmountOut)
	require.True(t, w.ExchangeRate.IsZero())
	require.Equal(t, testRecipient, w.RecipientAddress)

	agent := f.agent(t)
	requireDecimal(t, "90", agent.Balance)
	requireDecimal(t, "10", agent.TotalSpent)

	stored, err := f.store.GetWithdrawal(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalPending, stored.Status)
	require.Equal(t, []string{events.WithdrawalRequested}, eventTypes(f.store))
}

func TestCreateRequestSurvivesQuoteFailure(t *testing.T) {
	f := newFixture(t, "100")
	f.engine.quotes = quote.ProviderFunc(func(context.Context, decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("quoter reverted")
	})

	w, err := f.engine.CreateRequest(context.Background(), testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)
	require.True(t, w.UsdcAmountOut.IsZero())
	requireDecimal(t, "90", f.agent(t).Balance)
}

func TestExecuteSuccessDebitsExactlyAmountIn(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	w, err := f.engine.ExecuteWithdrawal(ctx, created.ID)
	require.NoError(t, err)

	require.Equal(t, model.WithdrawalCompleted, w.Status)
	require.NotNil(t, w.CompletedAt)
	require.Equal(t, "0xfeed", *w.TransferTxHash)
	requireDecimal(t, "4.95", w.UsdcAmountOut)
	requireDecimal(t, "0.5", w.ExchangeRate)

	agent := f.agent(t)
	requireDecimal(t, "90", agent.Balance)
	requireDecimal(t, "10", agent.TotalSpent)

	require.Equal(t, 1, f.executor.calls())
	req := f.executor.requests[0]
	require.Equal(t, "9900000000000000000", req.AmountRaw.String())
	require.Equal(t, testRecipient, req.Recipient)
	require.Equal(t, testKey, req.Credential)

	require.Equal(t, []string{
		events.WithdrawalRequested,
		events.WithdrawalProcessing,
		events.WithdrawalCompleted,
	}, eventTypes(f.store))
}

func TestExecuteFailureRestoresBalanceAndTotalSpent(t *testing.T) {
	f := newFixture(t, "100")
	f.executor.result = nil
	f.executor.err = errors.Join(swap.ErrSwapFailed, errors.New("pool has no liquidity"))
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	w, err := f.engine.ExecuteWithdrawal(ctx, created.ID)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, swap.ErrSwapFailed)
	require.Equal(t, created.ID, execErr.WithdrawalID)

	require.Equal(t, model.WithdrawalFailed, w.Status)
	require.NotNil(t, w.CompletedAt)
	require.Contains(t, *w.ErrorMessage, "pool has no liquidity")

	agent := f.agent(t)
	requireDecimal(t, "100", agent.Balance)
	require.True(t, agent.TotalSpent.IsZero())
	require.True(t, agent.TotalEarned.IsZero())

	require.Equal(t, []string{
		events.WithdrawalRequested,
		events.WithdrawalProcessing,
		events.WithdrawalFailed,
	}, eventTypes(f.store))
}

func TestExecuteTreatsTimeoutAsFailure(t *testing.T) {
	f := newFixture(t, "20")
	f.executor.result = nil
	f.executor.err = swap.ErrTimeout
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(20), testRecipient)
	require.NoError(t, err)

	w, err := f.engine.ExecuteWithdrawal(ctx, created.ID)
	require.ErrorIs(t, err, swap.ErrTimeout)
	require.Equal(t, model.WithdrawalFailed, w.Status)
	requireDecimal(t, "20", f.agent(t).Balance)
}

func TestExecuteTreatsMissingResultAsFailure(t *testing.T) {
	f := newFixture(t, "20")
	f.executor.result = nil
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(5), testRecipient)
	require.NoError(t, err)

	w, err := f.engine.ExecuteWithdrawal(ctx, created.ID)
	require.ErrorIs(t, err, swap.ErrMalformedResult)
	require.Equal(t, model.WithdrawalFailed, w.Status)
	requireDecimal(t, "20", f.agent(t).Balance)
}

func TestExecuteBoundsErrorMessage(t *testing.T) {
	f := newFixture(t, "100")
	f.executor.result = nil
	f.executor.err = errors.New(strings.Repeat("x", 2000))
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	w, err := f.engine.ExecuteWithdrawal(ctx, created.ID)
	require.Error(t, err)
	require.Len(t, []rune(*w.ErrorMessage), 500)
}

func TestExecuteWithoutSigningKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "Missing", key: ""},
		{name: "Malformed", key: "0xnot-a-key"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, "100", func(_ *fixture, cfg *Config, _ *repository.Store) {
				cfg.SigningKey = test.key
			})
			ctx := context.Background()

			created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
			require.NoError(t, err)
			requireDecimal(t, "90", f.agent(t).Balance)

			w, err := f.engine.ExecuteWithdrawal(ctx, created.ID)
			require.ErrorIs(t, err, ErrConfiguration)
			var execErr *ExecutionError
			require.ErrorAs(t, err, &execErr)

			require.Equal(t, model.WithdrawalFailed, w.Status)
			require.Zero(t, f.executor.calls())

			agent := f.agent(t)
			requireDecimal(t, "100", agent.Balance)
			require.True(t, agent.TotalSpent.IsZero())
			require.Equal(t, []string{events.WithdrawalRequested, events.WithdrawalFailed}, eventTypes(f.store))
		})
	}
}

func TestExecuteRedeliveryRunsExecutorOnce(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	_, err = f.engine.ExecuteWithdrawal(ctx, created.ID)
	require.NoError(t, err)

	_, err = f.engine.ExecuteWithdrawal(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotPending)
	require.Equal(t, 1, f.executor.calls())
	requireDecimal(t, "90", f.agent(t).Balance)
}

func TestExecuteUnknownWithdrawal(t *testing.T) {
	f := newFixture(t, "100")

	_, err := f.engine.ExecuteWithdrawal(context.Background(), "missing")
	require.ErrorIs(t, err, repository.ErrWithdrawalNotFound)
}

func TestCompensationFailureIsReconciliationError(t *testing.T) {
	f := newFixture(t, "100", func(f *fixture, _ *Config, store *repository.Store) {
		// create, claim, then the refund transaction fails
		*store = &flakyStore{MemoryStore: f.store, failAfter: 2}
	})
	f.executor.result = nil
	f.executor.err = swap.ErrSwapFailed
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	_, err = f.engine.ExecuteWithdrawal(ctx, created.ID)
	var reconErr *ReconciliationError
	require.ErrorAs(t, err, &reconErr)
	require.ErrorIs(t, err, ErrReconciliationGap)
	require.Equal(t, "compensate", reconErr.Stage)
	require.Equal(t, created.ID, reconErr.WithdrawalID)
	requireDecimal(t, "10", reconErr.Amount)

	stored, err := f.store.GetWithdrawal(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalProcessing, stored.Status)
	requireDecimal(t, "90", f.agent(t).Balance)
}

func TestSettleFailureDoesNotRefund(t *testing.T) {
	f := newFixture(t, "100", func(f *fixture, _ *Config, store *repository.Store) {
		*store = &flakyStore{MemoryStore: f.store, failAfter: 2}
	})
	ctx := context.Background()

	created, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(10), testRecipient)
	require.NoError(t, err)

	_, err = f.engine.ExecuteWithdrawal(ctx, created.ID)
	var reconErr *ReconciliationError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, "settle", reconErr.Stage)

	stored, err := f.store.GetWithdrawal(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalProcessing, stored.Status)
	requireDecimal(t, "90", f.agent(t).Balance)
	require.Equal(t, 1, f.executor.calls())
}

func TestConcurrentRequestsAboveHalfBalance(t *testing.T) {
	f := newFixture(t, "10")
	amount := decimal.RequireFromString("5.01")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.CreateRequest(context.Background(), testAgent, amount, testRecipient)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Equal(t, ReasonInsufficientBalance, validationErr.Reason)
	}
	require.Equal(t, 1, succeeded)
	requireDecimal(t, "4.99", f.agent(t).Balance)
	require.Len(t, f.store.Withdrawals(), 1)
}

func TestBelowMinimumIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, "100")

	_, err := f.engine.CreateRequest(context.Background(), testAgent, decimal.RequireFromString("0.5"), testRecipient)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, ReasonBelowMinimum, validationErr.Reason)

	agent := f.agent(t)
	requireDecimal(t, "100", agent.Balance)
	require.True(t, agent.TotalSpent.IsZero())
	require.Empty(t, f.store.Withdrawals())
	require.Empty(t, f.store.OutboxEvents())
}

func TestSubWeiAmountIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, "10")

	_, err := f.engine.CreateRequest(context.Background(), testAgent, decimal.RequireFromString("1.0000000000000000000001"), testRecipient)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, ReasonInvalidAmount, validationErr.Reason)

	requireDecimal(t, "10", f.agent(t).Balance)
	require.Empty(t, f.store.Withdrawals())
	require.Empty(t, f.store.OutboxEvents())
}

func TestSeventhRequestWithinAnHourIsRateLimited(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	start := f.now

	for i := 0; i < 6; i++ {
		f.now = start.Add(time.Duration(i) * 5 * time.Minute)
		_, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(2), testRecipient)
		require.NoError(t, err)
	}

	f.now = start.Add(59 * time.Minute)
	_, err := f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(2), testRecipient)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, ReasonRateLimited, validationErr.Reason)
	requireDecimal(t, "88", f.agent(t).Balance)
	require.Len(t, f.store.Withdrawals(), 6)

	// the first request has left the trailing window
	f.now = start.Add(61 * time.Minute)
	_, err = f.engine.CreateRequest(ctx, testAgent, decimal.NewFromInt(2), testRecipient)
	require.NoError(t, err)
	requireDecimal(t, "86", f.agent(t).Balance)
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name      string
		amount    string
		recipient string
		want      Reason
	}{
		{name: "Valid", amount: "5", recipient: testRecipient},
		{name: "ExactBalance", amount: "50", recipient: testRecipient},
		{name: "ExactMinimum", amount: "1", recipient: testRecipient},
		{name: "Zero", amount: "0", recipient: testRecipient, want: ReasonInvalidAmount},
		{name: "Negative", amount: "-3", recipient: testRecipient, want: ReasonInvalidAmount},
		{name: "BelowMinimum", amount: "0.99", recipient: testRecipient, want: ReasonBelowMinimum},
		{name: "FullPrecision", amount: "1.000000000000000001", recipient: testRecipient},
		{name: "TrailingZerosBeyondPrecision", amount: "2.50000000000000000000", recipient: testRecipient},
		{name: "BeyondPrecision", amount: "1.0000000000000000005", recipient: testRecipient, want: ReasonInvalidAmount},
		{name: "InsufficientBalance", amount: "50.000001", recipient: testRecipient, want: ReasonInsufficientBalance},
		{name: "ShortAddress", amount: "5", recipient: "0x1234", want: ReasonInvalidAddress},
		{name: "NotHex", amount: "5", recipient: "agent.eth", want: ReasonInvalidAddress},
	}

	f := newFixture(t, "50")
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := f.engine.ValidateRequest(context.Background(), testAgent, decimal.RequireFromString(test.amount), test.recipient)
			if test.want == "" {
				require.NoError(t, err)
				return
			}
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			require.Equal(t, test.want, validationErr.Reason)
		})
	}
}

func TestValidateRequestUnknownAgent(t *testing.T) {
	f := newFixture(t, "50")

	err := f.engine.ValidateRequest(context.Background(), "missing", decimal.NewFromInt(5), testRecipient)
	require.ErrorIs(t, err, repository.ErrAgentNotFound)
}

func TestTransitions(t *testing.T) {
	now := time.Now()
	tests := []struct {
		from model.WithdrawalStatus
		to   model.WithdrawalStatus
		ok   bool
	}{
		{model.WithdrawalPending, model.WithdrawalProcessing, true},
		{model.WithdrawalPending, model.WithdrawalFailed, true},
		{model.WithdrawalPending, model.WithdrawalCompleted, false},
		{model.WithdrawalProcessing, model.WithdrawalCompleted, true},
		{model.WithdrawalProcessing, model.WithdrawalFailed, true},
		{model.WithdrawalCompleted, model.WithdrawalFailed, false},
		{model.WithdrawalFailed, model.WithdrawalProcessing, false},
	}

	for _, test := range tests {
		w := &model.WithdrawalTransaction{Status: test.from}
		err := transition(w, test.to, now)
		if test.ok {
			require.NoError(t, err, "%s -> %s", test.from, test.to)
			require.Equal(t, test.to, w.Status)
			require.Equal(t, test.to.IsTerminal(), w.CompletedAt != nil)
		} else {
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", test.from, test.to)
			require.Equal(t, test.from, w.Status)
		}
	}
}
