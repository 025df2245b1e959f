package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
	"hft-core/internal/events"
	"hft-core/internal/market"
	"hft-core/internal/order"
	"hft-core/internal/queue"
)

// ErrNeedTwoEstimators is returned when a generator is built without both estimators.
var ErrNeedTwoEstimators = errors.New("signal generator needs two estimators")

// Submitter accepts routable intents.
type Submitter interface {
	Submit(ctx context.Context, i order.Intent) (queue.SendResult, error)
}

// Decision captures both opinions and the combined result for one event.
type Decision struct {
	First  Prediction
	Second Prediction
	Final  Prediction
}

// Generator derives intents from market events.
type Generator struct {
	first    Estimator
	second   Estimator
	router   Submitter
	bus      *events.Bus
	logger   *logrus.Logger
	observer batch.Observer
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// Option customizes a Generator.
type Option func(*Generator)

// WithClock overrides the submission clock.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithBus publishes submitted and held intents on the bus.
func WithBus(bus *events.Bus) Option {
	return func(g *Generator) { g.bus = bus }
}

// WithObserver reports batch statistics.
func WithObserver(o batch.Observer) Option {
	return func(g *Generator) { g.observer = o }
}

func NewGenerator(first, second Estimator, router Submitter, logger *logrus.Logger, opts ...Option) (*Generator, error) {
	if first == nil || second == nil {
		return nil, ErrNeedTwoEstimators
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := &Generator{first: first, second: second, router: router, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate runs both estimators and builds the intent for ev.
func (g *Generator) Generate(ctx context.Context, ev market.Event) (order.Intent, Decision, error) {
	a, err := g.first.Predict(ctx, ev)
	if err != nil {
		return order.Intent{}, Decision{}, fmt.Errorf("estimator %s: %w", g.first.Name(), err)
	}
	b, err := g.second.Predict(ctx, ev)
	if err != nil {
		return order.Intent{}, Decision{}, fmt.Errorf("estimator %s: %w", g.second.Name(), err)
	}
	if !a.Valid() || !b.Valid() {
		return order.Intent{}, Decision{}, fmt.Errorf("estimator returned out-of-range prediction (%d, %d)", a, b)
	}
	d := Decision{First: a, Second: b, Final: Combine(a, b)}
	return order.NewIntent(ev.UserID, ev.Symbol, d.Final.Action(), g.stamp()), d, nil
}

// stamp returns a strictly increasing millisecond timestamp so two intents from
// one generator never share a dedupe key.
func (g *Generator) stamp() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.now().UTC().Truncate(time.Millisecond)
	if !t.After(g.last) {
		t = g.last.Add(time.Millisecond)
	}
	g.last = t
	return t
}

// Process handles one market event payload. Hold intents end here.
func (g *Generator) Process(ctx context.Context, body []byte) (order.Intent, error) {
	ev, err := market.Decode(body, g.now())
	if err != nil {
		return order.Intent{}, err
	}
	intent, d, err := g.Generate(ctx, ev)
	if err != nil {
		return order.Intent{}, err
	}

	log := g.logger.WithFields(logrus.Fields{
		"userId": ev.UserID,
		"symbol": ev.Symbol,
		"first":  d.First,
		"second": d.Second,
		"final":  d.Final,
	})
	if intent.Action == order.ActionHold {
		log.Debug("hold; nothing submitted")
		g.publish(events.EventIntentHeld, intent)
		return intent, nil
	}
	if g.router == nil {
		return order.Intent{}, errors.New("no order router configured")
	}
	if _, err := g.router.Submit(ctx, intent); err != nil {
		return order.Intent{}, fmt.Errorf("submit intent: %w", err)
	}
	log.WithField("dedupeKey", intent.DedupeKey).Info("intent submitted")
	g.publish(events.EventIntentSubmitted, intent)
	return intent, nil
}

// HandleBatch processes market events; each failing event is reported on its own.
func (g *Generator) HandleBatch(ctx context.Context, items []batch.Item) batch.Outcome {
	start := time.Now()
	out := batch.Each(ctx, items, func(ctx context.Context, it batch.Item) error {
		_, err := g.Process(ctx, it.Body)
		if err != nil {
			g.logger.WithError(err).WithField("item", it.ID).Warn("market event failed")
			g.publish(events.EventItemFailed, events.ItemFailure{Stage: "signal", ItemID: it.ID, Error: err.Error()})
		}
		return err
	})
	if g.observer != nil {
		g.observer.ObserveBatch("signal", len(items), len(out.Failed), time.Since(start))
	}
	return out
}

func (g *Generator) publish(e events.Event, payload any) {
	if g.bus != nil {
		g.bus.Publish(e, payload)
	}
}
