package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/api"
	"settlement/apps/settlement/internal/assets"
	"settlement/apps/settlement/internal/chain"
	"settlement/apps/settlement/internal/config"
	"settlement/apps/settlement/internal/deposit"
	"settlement/apps/settlement/internal/event_publisher"
	"settlement/apps/settlement/internal/ledger"
	"settlement/apps/settlement/internal/metrics"
	"settlement/apps/settlement/internal/quote"
	"settlement/apps/settlement/internal/repository"
	"settlement/apps/settlement/internal/swap"
	"settlement/apps/settlement/internal/withdrawal"
	"settlement/apps/settlement/internal/withdrawal_dispatcher"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting settlement service with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Bool("quote_cache", cfg.RedisURL != ""),
		zap.Bool("execution_enabled", cfg.PlatformPrivateKey != ""),
		zap.String("withdrawal_min_amount", cfg.WithdrawalMinAmount.String()),
		zap.String("withdrawal_fee_percent", cfg.WithdrawalFeePercent.String()),
		zap.Int("withdrawal_rate_limit_per_hour", cfg.WithdrawalRateLimitPerHour),
		zap.Int("api_port", cfg.APIPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// One RPC connection serves verification, quoting and balance reads
	ethClient, err := ethclient.Dial(cfg.RpcURL)
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum client", zap.Error(err))
	}
	defer ethClient.Close()

	m := metrics.Settlement()
	registry := assets.NewSettlementRegistry(cfg.AGNTAddress, cfg.USDCAddress)
	agnt, _ := registry.GetBySymbol(assets.AGNT)
	usdc, _ := registry.GetBySymbol(assets.USDC)

	store := repository.NewPostgresStore(db, logger)
	outboxRepository := repository.NewOutboxRepository(db, logger)
	balanceLedger := ledger.NewLedger(store, logger)

	verifier, err := chain.NewVerifier(ethClient, usdc.Address, cfg.ChainTimeout, logger, m)
	if err != nil {
		logger.Fatal("Failed to create chain verifier", zap.Error(err))
	}

	var quotes quote.Provider
	chainQuoter, err := quote.NewChainQuoter(ethClient, common.HexToAddress(cfg.QuoterAddress), agnt, usdc, cfg.PoolFee, cfg.ChainTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to create quoter", zap.Error(err))
	}
	quotes = chainQuoter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, quotes will bypass the cache until it recovers", zap.Error(err))
		}
		quotes = quote.NewCachedProvider(chainQuoter, quote.NewRedisCache(redisClient), cfg.QuoteCacheTTL, logger)
	}

	swapExecutor, err := swap.NewScriptExecutor(cfg.SwapCommand, cfg.SwapDir, cfg.SwapTimeout, logger, m)
	if err != nil {
		logger.Fatal("Failed to create swap executor", zap.Error(err))
	}

	engine := withdrawal.NewEngine(store, balanceLedger, quotes, swapExecutor, withdrawal.Config{
		MinWithdrawal:    cfg.WithdrawalMinAmount,
		FeePercent:       cfg.WithdrawalFeePercent,
		RateLimitPerHour: cfg.WithdrawalRateLimitPerHour,
		SigningKey:       cfg.PlatformPrivateKey,
		AGNTDecimals:     agnt.Decimals,
	}, logger, withdrawal.WithMetrics(m))

	creditor := deposit.NewCreditor(store, balanceLedger, verifier, registry, cfg.PlatformDepositAddress, logger, m)

	// Events left in processing by a previous run go back to unsent
	if reset, err := outboxRepository.ResetStuckEvents(); err != nil {
		logger.Error("Failed to reset stuck outbox events", zap.Error(err))
	} else if reset > 0 {
		logger.Info("Reset stuck outbox events", zap.Int64("count", reset))
	}

	// Create event publisher
	eventPublisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logger, outboxRepository)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()

	// Start event publisher in background
	go eventPublisher.StartPublishing(ctx)

	// Create withdrawal dispatcher
	dispatcher, err := withdrawal_dispatcher.NewWithdrawalDispatcher(cfg.KafkaBroker, cfg.KafkaTopic, logger, engine, store)
	if err != nil {
		logger.Fatal("Failed to create withdrawal dispatcher", zap.Error(err))
	}
	defer dispatcher.Close()

	// Start withdrawal dispatcher in background
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := dispatcher.Start(ctx); err != nil {
			logger.Fatal("Withdrawal dispatcher failed", zap.Error(err))
		}
	}()

	// Create and start API server
	balanceHandler, err := api.NewBalanceHandler(store, ethClient, registry, cfg.ChainTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to create balance handler", zap.Error(err))
	}
	apiServer := api.NewServer(cfg.APIPort,
		api.NewWithdrawalHandler(engine, logger),
		api.NewDepositHandler(creditor, logger),
		balanceHandler,
		api.NewAgentThrottle(cfg.APIRequestsPerMinute, cfg.APIBurst, logger),
		logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	// A swap already handed to the executor must be settled or compensated
	// before exit, otherwise the row stays in processing.
	select {
	case <-dispatcherDone:
	case <-time.After(cfg.SwapTimeout + 30*time.Second):
		logger.Error("Withdrawal dispatcher did not stop in time, processing rows need review")
	}

	logger.Info("Application shutdown complete")
}
