package signal

import (
	"context"
	"fmt"

	"hft-core/internal/indicators"
	"hft-core/internal/market"
)

func windowKey(ev market.Event) string {
	return ev.UserID + "/" + ev.Symbol
}

// CrossoverEstimator buys while the short moving average sits above the long
// one by more than Band (a fraction of the long average) and sells below it.
// It holds until the long window is full.
type CrossoverEstimator struct {
	name   string
	Band   float64
	engine *indicators.Engine
}

func NewCrossoverEstimator(name string, short, long int, band float64) (*CrossoverEstimator, error) {
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("estimator %s: need 0 < short < long, got %d/%d", name, short, long)
	}
	return &CrossoverEstimator{name: name, Band: band, engine: indicators.NewEngine(short, long, 1, long)}, nil
}

func (c *CrossoverEstimator) Name() string { return c.name }

func (c *CrossoverEstimator) Predict(_ context.Context, ev market.Event) (Prediction, error) {
	v := c.engine.Update(windowKey(ev), ev.Price.InexactFloat64())
	if v.SMALong == 0 {
		return Hold, nil
	}
	switch diff := (v.SMAShort - v.SMALong) / v.SMALong; {
	case diff > c.Band:
		return Buy, nil
	case diff < -c.Band:
		return Sell, nil
	default:
		return Hold, nil
	}
}

// RSIEstimator buys oversold and sells overbought instruments.
type RSIEstimator struct {
	name       string
	period     int
	Oversold   float64
	Overbought float64
	engine     *indicators.Engine
}

func NewRSIEstimator(name string, period int, oversold, overbought float64) (*RSIEstimator, error) {
	if period <= 0 || oversold >= overbought {
		return nil, fmt.Errorf("estimator %s: need period > 0 and oversold < overbought", name)
	}
	return &RSIEstimator{
		name:       name,
		period:     period,
		Oversold:   oversold,
		Overbought: overbought,
		engine:     indicators.NewEngine(1, 1, period, period+1),
	}, nil
}

func (r *RSIEstimator) Name() string { return r.name }

func (r *RSIEstimator) Predict(_ context.Context, ev market.Event) (Prediction, error) {
	v := r.engine.Update(windowKey(ev), ev.Price.InexactFloat64())
	if v.Samples <= r.period {
		return Hold, nil
	}
	switch {
	case v.RSI >= r.Overbought:
		return Sell, nil
	case v.RSI <= r.Oversold:
		return Buy, nil
	default:
		return Hold, nil
	}
}
