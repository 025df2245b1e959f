// Package indicators keeps per-instrument price windows and derives the
// moving-average and RSI values the trend estimators trade on.
package indicators

import "hft-core/pkg/cache"

// Values are the indicators computed after one observation. A zero field
// means its window is not full yet.
type Values struct {
	SMAShort float64
	SMALong  float64
	RSI      float64
	Samples  int
}

// Engine maintains per-key price windows.
type Engine struct {
	windows *cache.Sharded[[]float64]
	window  int
	shortMA int
	longMA  int
	rsi     int
}

// NewEngine builds an indicator engine. window is raised to fit the longest period.
func NewEngine(shortMA, longMA, rsiPeriod, window int) *Engine {
	window = max(window, longMA, shortMA, rsiPeriod+1)
	return &Engine{
		windows: cache.NewSharded[[]float64](nil),
		window:  window,
		shortMA: shortMA,
		longMA:  longMA,
		rsi:     rsiPeriod,
	}
}

// Update appends price to key's window and returns the latest values.
func (e *Engine) Update(key string, price float64) Values {
	var v Values
	e.windows.Update(key, func(arr []float64, _ bool) []float64 {
		arr = append(arr, price)
		if len(arr) > e.window {
			arr = append(arr[:0:0], arr[len(arr)-e.window:]...)
		}
		v = Values{
			SMAShort: SMA(arr, e.shortMA),
			SMALong:  SMA(arr, e.longMA),
			RSI:      RSI(arr, e.rsi),
			Samples:  len(arr),
		}
		return arr
	})
	return v
}
