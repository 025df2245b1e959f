package balance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft-core/pkg/db"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	t.Cleanup(func() { d.Close() })
	return NewLedger(d, func() time.Time { return time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC) })
}

func TestCreateIfAbsentIsIdempotentGuard(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.CreateIfAbsent(ctx, "U", decimal.NewFromInt(1000)))
	err := l.CreateIfAbsent(ctx, "U", decimal.NewFromInt(50))
	require.ErrorIs(t, err, ErrAlreadyExists)

	s, err := l.Summary(ctx, "U")
	require.NoError(t, err)
	assert.True(t, s.AvailableBalance.Equal(decimal.NewFromInt(1000)))

	require.ErrorIs(t, l.CreateIfAbsent(ctx, "V", decimal.NewFromInt(-1)), ErrInvalidAmount)
}

func TestAddHolding(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.NoError(t, l.AddHolding(ctx, "U", "aapl", 5))
	require.ErrorIs(t, l.AddHolding(ctx, "U", "AAPL", 7), ErrAlreadyExists)
	require.ErrorIs(t, l.AddHolding(ctx, "U", "MSFT", 0), ErrInvalidAmount)
	require.ErrorIs(t, l.AddHolding(ctx, "U", "cash", 1), ErrInvalidSymbol)
	require.ErrorIs(t, l.AddHolding(ctx, "U", " ", 1), ErrInvalidSymbol)

	p, err := l.GetPosition(ctx, "U", "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 5, p.Quantity)
}

func TestUpsertQuantity(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	require.ErrorIs(t, l.UpsertQuantity(ctx, "U", "AAPL", -10), ErrNegativeQuantity)
	require.NoError(t, l.UpsertQuantity(ctx, "U", "AAPL", 10))
	require.NoError(t, l.UpsertQuantity(ctx, "U", "AAPL", 0))

	p, err := l.GetPosition(ctx, "U", "AAPL")
	require.NoError(t, err)
	assert.Zero(t, p.Quantity)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Summary(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.AddHolding(ctx, "U", "TSLA", 3))
	_, err = l.Summary(ctx, "U")
	require.ErrorIs(t, err, ErrNoCashRow)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.CreateIfAbsent(ctx, "U", decimal.RequireFromString("250.75")))
	require.NoError(t, l.UpsertQuantity(ctx, "U", "AAPL", 20))
	s, err := l.Summary(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"AAPL": 20, "TSLA": 3}, s.Holdings)
	assert.Equal(t, "250.75", s.AvailableBalance.String())

	positions, err := l.GetPositions(ctx, "U")
	require.NoError(t, err)
	assert.Len(t, positions, 3)
}

func TestApplyTrade(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	trade := db.Trade{
		DedupeKey:         "U-1",
		Record:            db.ExecutionRecord{UserID: "U", Symbol: "aapl", Action: "buy", Quantity: 10, ExecutedAt: time.Now()},
		ResultingQuantity: 10,
	}

	applied, err := l.ApplyTrade(ctx, trade)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = l.ApplyTrade(ctx, trade)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := l.GetTrade(ctx, "U-1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Record.Symbol)

	trade.DedupeKey = "U-2"
	trade.ResultingQuantity = -10
	_, err = l.ApplyTrade(ctx, trade)
	require.ErrorIs(t, err, ErrNegativeQuantity)

	trade.DedupeKey = "U-3"
	trade.ResultingQuantity = 10
	trade.Record.Symbol = "cash"
	_, err = l.ApplyTrade(ctx, trade)
	require.ErrorIs(t, err, ErrInvalidSymbol)
	_, err = l.GetTrade(ctx, "U-3")
	require.ErrorIs(t, err, ErrNotFound)
}
