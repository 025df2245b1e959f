package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the pipeline.
type Config struct {
	Port string

	// Database
	DBPath string

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// API message language ("en" or "es")
	Language string

	// Execution
	LotSize int64

	// Queues
	DedupHorizon      time.Duration
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	PollInterval      time.Duration
	RetryDelay        time.Duration // lease of a failed item before redelivery

	OrderBatchSize        int
	OrderMaxConcurrency   int
	HistoryBatchSize      int
	HistoryMaxConcurrency int
	FanoutBatchSize       int

	// Market data
	MarketSource     string // "mock" or "kafka"
	KafkaBrokers     []string
	KafkaMarketTopic string
	KafkaGroupID     string
	MockUsers        []string
	MockSymbols      []string
	MockInterval     time.Duration
	MockCash         decimal.Decimal // seeded CASH per mock user

	// Signal estimators
	EstimatorsPath string

	// Real-time channel
	RealtimeChannel string
	AppSyncAPIURL   string
	AppSyncAPIKey   string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/hft.db"),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "text")),
		Language:              strings.ToLower(getEnv("LANGUAGE", "en")),
		LotSize:               int64(getEnvInt("LOT_SIZE", 10)),
		DedupHorizon:          getEnvDuration("DEDUP_HORIZON", 5*time.Minute),
		VisibilityTimeout:     getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		MaxReceiveCount:       getEnvInt("MAX_RECEIVE_COUNT", 5),
		PollInterval:          getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		RetryDelay:            getEnvDuration("RETRY_DELAY", time.Second),
		OrderBatchSize:        getEnvInt("ORDER_BATCH_SIZE", 10),
		OrderMaxConcurrency:   getEnvInt("ORDER_MAX_CONCURRENCY", 2),
		HistoryBatchSize:      getEnvInt("HISTORY_BATCH_SIZE", 5),
		HistoryMaxConcurrency: getEnvInt("HISTORY_MAX_CONCURRENCY", 2),
		FanoutBatchSize:       getEnvInt("FANOUT_BATCH_SIZE", 25),
		MarketSource:          strings.ToLower(getEnv("MARKET_SOURCE", "mock")),
		KafkaBrokers:          splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaMarketTopic:      getEnv("KAFKA_MARKET_TOPIC", "market-data"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "signal-generator"),
		MockUsers:             splitAndTrim(getEnv("MOCK_USERS", "demo-user")),
		MockSymbols:           splitAndTrim(getEnv("MOCK_SYMBOLS", "AAPL,MSFT,BTC")),
		MockInterval:          getEnvDuration("MOCK_INTERVAL", 2*time.Second),
		MockCash:              getEnvDecimal("MOCK_INITIAL_BALANCE", decimal.NewFromInt(10000)),
		EstimatorsPath:        getEnv("ESTIMATORS_PATH", "./estimators.yaml"),
		RealtimeChannel:       getEnv("REALTIME_CHANNEL", "operations"),
		AppSyncAPIURL:         os.Getenv("APPSYNC_API_URL"),
		AppSyncAPIKey:         os.Getenv("APPSYNC_API_KEY"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int64{
		"LOT_SIZE":                c.LotSize,
		"MAX_RECEIVE_COUNT":       int64(c.MaxReceiveCount),
		"ORDER_BATCH_SIZE":        int64(c.OrderBatchSize),
		"ORDER_MAX_CONCURRENCY":   int64(c.OrderMaxConcurrency),
		"HISTORY_BATCH_SIZE":      int64(c.HistoryBatchSize),
		"HISTORY_MAX_CONCURRENCY": int64(c.HistoryMaxConcurrency),
		"FANOUT_BATCH_SIZE":       int64(c.FanoutBatchSize),
	}
	for key, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, v))
		}
	}
	for key, d := range map[string]time.Duration{
		"DEDUP_HORIZON":      c.DedupHorizon,
		"VISIBILITY_TIMEOUT": c.VisibilityTimeout,
		"POLL_INTERVAL":      c.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DELAY must not be negative, got %s", c.RetryDelay))
	}
	switch c.MarketSource {
	case "mock":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when MARKET_SOURCE=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("MARKET_SOURCE must be mock or kafka, got %q", c.MarketSource))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("750ms") or a plain number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(s * float64(time.Second))
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
