package indicators

// RSI is the unsmoothed Relative Strength Index over the last period changes,
// or 0 when the window is too short. A window with no losses reads 100.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	var gain, loss float64
	tail := values[len(values)-period-1:]
	for i := 1; i < len(tail); i++ {
		switch change := tail[i] - tail[i-1]; {
		case change > 0:
			gain += change
		case change < 0:
			loss -= change
		}
	}
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}
