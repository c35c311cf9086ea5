package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	RpcURL      string
	DbURL       string
	KafkaBroker string
	KafkaTopic  string
	RedisURL    string
	APIPort     int

	// Per-agent throttle on mutating API calls
	APIRequestsPerMinute float64
	APIBurst             int

	AGNTAddress            string
	USDCAddress            string
	QuoterAddress          string
	PoolFee                uint64
	PlatformDepositAddress string
	// PlatformPrivateKey is optional. When empty, withdrawals are still
	// validated and debited but execution fails with a configuration error.
	PlatformPrivateKey string

	WithdrawalMinAmount        decimal.Decimal
	WithdrawalFeePercent       decimal.Decimal
	WithdrawalRateLimitPerHour int

	SwapCommand   []string
	SwapDir       string
	SwapTimeout   time.Duration
	ChainTimeout  time.Duration
	QuoteCacheTTL time.Duration
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	return &Config{
		RpcURL:      getEnvOrFatal("RPC_URL"),
		DbURL:       getEnvOrFatal("DB_URL"),
		KafkaBroker: getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:  getEnvOrFatal("KAFKA_TOPIC"),
		RedisURL:    os.Getenv("REDIS_URL"),
		APIPort:     getEnvInt("API_PORT", 8080),

		APIRequestsPerMinute: getEnvFloat("API_REQUESTS_PER_MINUTE", 30),
		APIBurst:             getEnvInt("API_BURST", 10),

		AGNTAddress:            getEnvOrFatal("AGNT_ADDRESS"),
		USDCAddress:            getEnvString("USDC_ADDRESS", "0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		QuoterAddress:          getEnvOrFatal("QUOTER_ADDRESS"),
		PoolFee:                getEnvUint64("POOL_FEE", 3000),
		PlatformDepositAddress: getEnvOrFatal("PLATFORM_DEPOSIT_ADDRESS"),
		PlatformPrivateKey:     os.Getenv("PLATFORM_WALLET_PRIVATE_KEY"),

		WithdrawalMinAmount:        getEnvDecimal("WITHDRAWAL_MIN_AMOUNT", decimal.NewFromInt(1)),
		WithdrawalFeePercent:       getEnvDecimal("WITHDRAWAL_FEE_PERCENT", decimal.NewFromInt(1)),
		WithdrawalRateLimitPerHour: getEnvInt("WITHDRAWAL_RATE_LIMIT_PER_HOUR", 6),

		SwapCommand:   strings.Fields(getEnvString("SWAP_COMMAND", "node scripts/swap_agnt_to_usdc.js")),
		SwapDir:       os.Getenv("SWAP_DIR"),
		SwapTimeout:   getEnvDuration("SWAP_TIMEOUT", 180*time.Second),
		ChainTimeout:  getEnvDuration("CHAIN_TIMEOUT", 15*time.Second),
		QuoteCacheTTL: getEnvDuration("QUOTE_CACHE_TTL", 30*time.Second),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("environment variable %s not set", key)

	return ""
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if parsed, err := decimal.NewFromString(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
