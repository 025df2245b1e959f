// Package signal turns market events into order intents by combining two
// independent estimators conservatively.
package signal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"hft-core/internal/market"
	"hft-core/internal/order"
)

// Prediction is an estimator opinion: -1 sell, 0 no opinion, 1 buy.
type Prediction int8

const (
	Sell Prediction = -1
	Hold Prediction = 0
	Buy  Prediction = 1
)

// Valid reports whether p is one of the three allowed values.
func (p Prediction) Valid() bool {
	return p >= Sell && p <= Buy
}

// Action maps a prediction onto an order action.
func (p Prediction) Action() order.Action {
	switch p {
	case Buy:
		return order.ActionBuy
	case Sell:
		return order.ActionSell
	default:
		return order.ActionHold
	}
}

func (p Prediction) String() string {
	return string(p.Action())
}

// Estimator is a pluggable predictor.
type Estimator interface {
	Name() string
	Predict(ctx context.Context, ev market.Event) (Prediction, error)
}

// Combine returns the shared opinion when both agree and Hold otherwise.
func Combine(a, b Prediction) Prediction {
	if a == b {
		return a
	}
	return Hold
}

// RandomEstimator draws uniformly from {-1, 0, 1}.
type RandomEstimator struct {
	name string
	mu   sync.Mutex
	rng  *rand.Rand
}

func NewRandomEstimator(name string, seed int64) *RandomEstimator {
	return &RandomEstimator{name: name, rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomEstimator) Name() string { return r.name }

func (r *RandomEstimator) Predict(_ context.Context, _ market.Event) (Prediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Prediction(r.rng.Intn(3) - 1), nil
}

// MomentumEstimator follows the 24h change once it exceeds Threshold percent.
type MomentumEstimator struct {
	name      string
	Threshold decimal.Decimal
}

func NewMomentumEstimator(name string, threshold decimal.Decimal) *MomentumEstimator {
	return &MomentumEstimator{name: name, Threshold: threshold.Abs()}
}

func (m *MomentumEstimator) Name() string { return m.name }

func (m *MomentumEstimator) Predict(_ context.Context, ev market.Event) (Prediction, error) {
	switch {
	case ev.Change24h.GreaterThan(m.Threshold):
		return Buy, nil
	case ev.Change24h.LessThan(m.Threshold.Neg()):
		return Sell, nil
	default:
		return Hold, nil
	}
}

// Fixed always returns the same prediction.
type Fixed struct {
	Label string
	Value Prediction
}

func (f Fixed) Name() string { return f.Label }

func (f Fixed) Predict(context.Context, market.Event) (Prediction, error) {
	if !f.Value.Valid() {
		return Hold, fmt.Errorf("fixed estimator %s: invalid prediction %d", f.Label, f.Value)
	}
	return f.Value, nil
}
