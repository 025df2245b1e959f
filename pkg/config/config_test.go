package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir()) // no .env here

	cfg, err := Load()
	require.NoError(t, err)
	assert.EqualValues(t, 10, cfg.LotSize)
	assert.Equal(t, 5*time.Minute, cfg.DedupHorizon)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 5, cfg.HistoryBatchSize)
	assert.Equal(t, 2, cfg.HistoryMaxConcurrency)
	assert.Equal(t, 2, cfg.OrderMaxConcurrency)
	assert.Equal(t, "operations", cfg.RealtimeChannel)
	assert.Equal(t, "mock", cfg.MarketSource)
	assert.Equal(t, "en", cfg.Language)
	assert.True(t, cfg.MockCash.Equal(decimal.NewFromInt(10000)))
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LOT_SIZE", "25")
	t.Setenv("VISIBILITY_TIMEOUT", "45")
	t.Setenv("DEDUP_HORIZON", "90s")
	t.Setenv("MOCK_SYMBOLS", " AAPL , ,TSLA ")
	t.Setenv("MARKET_SOURCE", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MOCK_INITIAL_BALANCE", "2500.50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.EqualValues(t, 25, cfg.LotSize)
	assert.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 90*time.Second, cfg.DedupHorizon)
	assert.Equal(t, []string{"AAPL", "TSLA"}, cfg.MockSymbols)
	assert.Equal(t, "kafka", cfg.MarketSource)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "2500.5", cfg.MockCash.String())
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	t.Run("non-positive sizes", func(t *testing.T) {
		t.Setenv("LOT_SIZE", "0")
		t.Setenv("HISTORY_BATCH_SIZE", "-1")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LOT_SIZE")
		assert.Contains(t, err.Error(), "HISTORY_BATCH_SIZE")
	})

	t.Run("unknown market source", func(t *testing.T) {
		t.Setenv("MARKET_SOURCE", "yahoo")
		_, err := Load()
		require.Error(t, err)
	})
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
