package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/assets"
	"settlement/apps/settlement/internal/chain"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/repository"
)

// ERC20 ABI for balanceOf function
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	}
]`

// AgentReader is satisfied by repository.Store.
type AgentReader interface {
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
}

// ContractCaller is the eth_call subset of ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BalanceHandler handles balance-related API endpoints
type BalanceHandler struct {
	agents        AgentReader
	client        ContractCaller
	logger        *zap.Logger
	erc20ABI      abi.ABI
	assetRegistry *assets.AssetRegistry
	timeout       time.Duration
}

// NewBalanceHandler creates a new BalanceHandler. client may be nil, in which
// case only the internal balance is reported.
func NewBalanceHandler(agents AgentReader, client ContractCaller, registry *assets.AssetRegistry, timeout time.Duration, logger *zap.Logger) (*BalanceHandler, error) {
	parsedABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	return &BalanceHandler{
		agents:        agents,
		client:        client,
		logger:        logger,
		erc20ABI:      parsedABI,
		assetRegistry: registry,
		timeout:       timeout,
	}, nil
}

// GetAgentBalance handles GET /api/agents/{agent_id}/balance
func (h *BalanceHandler) GetAgentBalance(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	if caller := callerAgentID(r); caller == "" || caller != agentID {
		writeErrorResponse(w, h.logger, http.StatusForbidden, "forbidden", "Agents may only read their own balance")
		return
	}

	agent, err := h.agents.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, repository.ErrAgentNotFound) {
			writeErrorResponse(w, h.logger, http.StatusNotFound, "agent_not_found", "Agent not found")
			return
		}
		h.logger.Error("Failed to load agent", zap.String("agent_id", agentID), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "internal_error", "Failed to retrieve balance")
		return
	}

	response := AgentBalanceResponse{
		AgentID:       agent.ID,
		Balance:       agent.Balance.String(),
		TotalEarned:   agent.TotalEarned.String(),
		TotalSpent:    agent.TotalSpent.String(),
		WalletAddress: agent.WalletAddress,
	}

	if agent.WalletAddress != nil && h.client != nil && common.IsHexAddress(*agent.WalletAddress) {
		response.OnChain = h.walletBalances(r.Context(), common.HexToAddress(*agent.WalletAddress))
	}

	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

// walletBalances reads every supported token balance of the wallet. A failed
// read is reported as zero rather than failing the request.
func (h *BalanceHandler) walletBalances(ctx context.Context, wallet common.Address) map[string]TokenBalance {
	balances := make(map[string]TokenBalance)

	for symbol, asset := range h.assetRegistry.GetAll() {
		balance, err := h.getTokenBalance(ctx, wallet, asset)
		if err != nil {
			h.logger.Warn("Failed to get token balance",
				zap.String("token", asset.Symbol),
				zap.String("address", wallet.Hex()),
				zap.Error(err))
			balance = "0"
		}

		balances[symbol] = TokenBalance{
			Balance:  balance,
			Symbol:   asset.Symbol,
			Address:  asset.Address.Hex(),
			Decimals: asset.Decimals,
		}
	}

	return balances
}

// getTokenBalance retrieves the balance for a specific ERC20 token
func (h *BalanceHandler) getTokenBalance(ctx context.Context, wallet common.Address, asset *assets.Asset) (string, error) {
	tokenAddress := asset.Address

	data, err := h.erc20ABI.Pack("balanceOf", wallet)
	if err != nil {
		return "", fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.client.CallContract(ctx, ethereum.CallMsg{
		To:   &tokenAddress,
		Data: data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call balanceOf: %w", err)
	}

	var balance *big.Int
	if err := h.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return "", fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}

	return chain.ToDecimalAmount(balance, uint8(asset.Decimals)).String(), nil
}
