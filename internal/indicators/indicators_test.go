package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	assert.Zero(t, SMA([]float64{1, 2}, 3))
	assert.InDelta(t, 3.0, SMA([]float64{1, 2, 3, 4}, 3), 1e-9)
}

func TestRSI(t *testing.T) {
	assert.Zero(t, RSI([]float64{1, 2, 3}, 3))
	assert.Equal(t, 100.0, RSI([]float64{1, 2, 3, 4}, 3))
	// gains 2, losses 1 -> rs 2 -> 66.67
	assert.InDelta(t, 66.666, RSI([]float64{10, 12, 11, 11}, 3), 0.01)
}

func TestEngineKeepsWindowsPerKey(t *testing.T) {
	e := NewEngine(2, 3, 2, 3)
	e.Update("AAPL", 1)
	e.Update("AAPL", 2)
	v := e.Update("AAPL", 3)
	assert.Equal(t, 3, v.Samples)
	assert.InDelta(t, 2.5, v.SMAShort, 1e-9)
	assert.InDelta(t, 2.0, v.SMALong, 1e-9)
	assert.Equal(t, 100.0, v.RSI)

	v = e.Update("AAPL", 10)
	assert.Equal(t, 3, v.Samples, "window is capped")
	assert.InDelta(t, 5.0, v.SMALong, 1e-9)

	other := e.Update("MSFT", 50)
	assert.Equal(t, 1, other.Samples)
	assert.Zero(t, other.SMAShort)
}
