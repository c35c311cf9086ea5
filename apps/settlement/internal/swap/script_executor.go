package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/metrics"
)

// CredentialEnv is the environment variable the swap script reads the
// signing key from. Keys never appear in argv.
const CredentialEnv = "PLATFORM_WALLET_PRIVATE_KEY"

// ScriptExecutor runs an external swap script:
//
//	<command...> <amount_raw> <recipient>
//
// The script prints progress on stderr and exactly one JSON object on stdout:
//
//	{"success": true, "txHash": "0x...", "usdcAmount": "4.95", "error": ""}
type ScriptExecutor struct {
	command []string
	dir     string
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewScriptExecutor(command []string, dir string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*ScriptExecutor, error) {
	if len(command) == 0 {
		return nil, errors.New("swap command is empty")
	}
	return &ScriptExecutor{
		command: command,
		dir:     dir,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}, nil
}

type scriptResult struct {
	Success    bool             `json:"success"`
	TxHash     string           `json:"txHash"`
	UsdcAmount *decimal.Decimal `json:"usdcAmount"`
	Error      string           `json:"error"`
}

func (e *ScriptExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	result, err := e.run(ctx, req)

	outcome := "success"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failure"
	}
	e.metrics.ObserveSwap(outcome, time.Since(started))
	return result, err
}

func (e *ScriptExecutor) run(ctx context.Context, req Request) (*Result, error) {
	if req.AmountRaw == nil || req.AmountRaw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrSwapFailed)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.command[1:]...), req.AmountRaw.String(), req.Recipient)
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	if e.dir != "" {
		cmd.Dir = e.dir
	}
	cmd.Env = append(os.Environ(), CredentialEnv+"="+req.Credential)
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	progress := &lineLogger{logger: e.logger.With(zap.String("source", "swap-script"))}
	cmd.Stdout = &stdout
	cmd.Stderr = progress

	e.logger.Info("Executing swap",
		zap.String("amount_raw", req.AmountRaw.String()),
		zap.String("recipient", req.Recipient))

	runErr := cmd.Run()
	progress.Flush()

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}

	line := lastLine(stdout.String())
	if line == "" {
		if runErr != nil {
			return nil, fmt.Errorf("%w: script produced no output: %v", ErrSwapFailed, runErr)
		}
		return nil, fmt.Errorf("%w: script produced no output", ErrSwapFailed)
	}

	var parsed scriptResult
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	if !parsed.Success {
		reason := parsed.Error
		if reason == "" {
			reason = "unknown error"
		}
		return nil, fmt.Errorf("%w: %s", ErrSwapFailed, reason)
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: script reported %s but exited with %v", ErrSwapFailed, parsed.TxHash, runErr)
	}
	if parsed.TxHash == "" {
		return nil, fmt.Errorf("%w: missing txHash", ErrMalformedResult)
	}
	if parsed.UsdcAmount == nil || !parsed.UsdcAmount.IsPositive() {
		return nil, fmt.Errorf("%w: missing or non-positive usdcAmount", ErrMalformedResult)
	}

	e.logger.Info("Swap executed",
		zap.String("tx_hash", parsed.TxHash),
		zap.String("usdc_amount", parsed.UsdcAmount.String()))

	return &Result{TxHash: parsed.TxHash, SettlementAmount: *parsed.UsdcAmount}, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// lineLogger writes each complete line it receives as an info log entry.
type lineLogger struct {
	mu      sync.Mutex
	logger  *zap.Logger
	pending []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, p...)
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			break
		}
		l.emit(l.pending[:idx])
		l.pending = l.pending[idx+1:]
	}
	return len(p), nil
}

// Flush logs a trailing line that had no newline.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit(l.pending)
	l.pending = nil
}

func (l *lineLogger) emit(line []byte) {
	text := strings.TrimSpace(string(line))
	if text != "" {
		l.logger.Info(text)
	}
}
