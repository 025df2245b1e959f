package venue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockAcceptsAndRecords(t *testing.T) {
	m := NewMock()
	res, err := m.Execute(context.Background(), Order{UserID: "u1", Symbol: "AAPL", Action: "buy", Quantity: 10})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Len(t, res.OrderID, 8)
	assert.Equal(t, "Order for 10 shares of AAPL to buy has been processed.", res.Message)
	assert.Len(t, m.Orders(), 1)
}

func TestMockHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMock().Execute(ctx, Order{})
	require.ErrorIs(t, err, context.Canceled)
}
