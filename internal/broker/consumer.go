package broker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
	"hft-core/internal/events"
	"hft-core/internal/order"
)

// Consumer adapts the engine to order-queue batches. Intents of one user run in
// batch order; distinct users run on up to concurrency goroutines.
type Consumer struct {
	engine      *Engine
	concurrency int
	logger      *logrus.Logger
	observer    batch.Observer
	bus         *events.Bus
}

func NewConsumer(engine *Engine, concurrency int, logger *logrus.Logger, observer batch.Observer, bus *events.Bus) *Consumer {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consumer{engine: engine, concurrency: concurrency, logger: logger, observer: observer, bus: bus}
}

// HandleBatch executes every intent. Rejections, transient failures and
// malformed payloads all fail their item; the channel's receive limit bounds
// how often a rejected intent comes back.
func (c *Consumer) HandleBatch(ctx context.Context, items []batch.Item) batch.Outcome {
	start := time.Now()
	out := batch.RunOrdered(ctx, items, c.concurrency, func(ctx context.Context, it batch.Item) error {
		in, err := order.Decode(it.Body)
		if err == nil {
			_, err = c.engine.Execute(ctx, in)
		}
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"item":      it.ID,
				"userId":    in.UserID,
				"retryable": IsRetryable(err),
			}).Warn("order item failed")
			if c.bus != nil {
				c.bus.Publish(events.EventItemFailed, events.ItemFailure{Stage: "broker", ItemID: it.ID, Error: err.Error()})
			}
		}
		return err
	})
	if c.observer != nil {
		c.observer.ObserveBatch("broker", len(items), len(out.Failed), time.Since(start))
	}
	return out
}
