package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
)

// ConsumerConfig tunes the competing-consumer poller.
type ConsumerConfig struct {
	Stage          string        // name used in logs and metrics
	BatchSize      int           // messages per receive
	MaxConcurrency int           // parallel pollers
	PollInterval   time.Duration // wait after an empty receive

	// RetryDelay, when positive, shortens the lease of failed messages so they
	// are redelivered sooner than the visibility timeout.
	RetryDelay time.Duration
}

// Consumer polls a queue and hands batches to a batch.Handler. Acknowledged
// items are deleted; failed ones stay leased and are redelivered.
type Consumer struct {
	q        *Queue
	handler  batch.Handler
	cfg      ConsumerConfig
	logger   *logrus.Logger
	observer batch.Observer
}

// NewConsumer creates a consumer; observer may be nil.
func NewConsumer(q *Queue, handler batch.Handler, cfg ConsumerConfig, logger *logrus.Logger, observer batch.Observer) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Stage == "" {
		cfg.Stage = q.Name()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consumer{q: q, handler: handler, cfg: cfg, logger: logger, observer: observer}
}

// Run starts MaxConcurrency pollers and blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.WithFields(logrus.Fields{
		"stage":       c.cfg.Stage,
		"queue":       c.q.Name(),
		"batch_size":  c.cfg.BatchSize,
		"concurrency": c.cfg.MaxConcurrency,
	}).Info("consumer started")

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.poll(ctx)
		}()
	}
	wg.Wait()
	c.logger.WithField("stage", c.cfg.Stage).Info("consumer stopped")
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		n, err := c.PollOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).WithField("stage", c.cfg.Stage).Error("poll failed")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// PollOnce receives one batch, processes it and acknowledges the successful items.
// It returns the number of messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deliveries, err := c.q.Receive(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	start := time.Now()
	items := make([]batch.Item, len(deliveries))
	for i, d := range deliveries {
		items[i] = batch.Item{ID: d.MessageID, Key: d.GroupID, Body: d.Body}
	}
	out := c.handler.HandleBatch(ctx, items)

	for _, d := range deliveries {
		log := c.logger.WithFields(logrus.Fields{
			"stage":      c.cfg.Stage,
			"message_id": d.MessageID,
			"group_id":   d.GroupID,
		})
		if out.IsFailed(d.MessageID) {
			log.WithError(out.Errors[d.MessageID]).WithField("receive_count", d.ReceiveCount).Warn("item failed; left for redelivery")
			if c.cfg.RetryDelay > 0 {
				if err := c.q.Retry(ctx, d.Receipt, c.cfg.RetryDelay); err != nil {
					log.WithError(err).Warn("shorten lease failed")
				}
			}
			continue
		}
		if err := c.q.Delete(ctx, d.Receipt); err != nil {
			// Lease expired mid-batch; the message will be redelivered.
			log.WithError(err).Warn("acknowledge failed")
		}
	}

	if c.observer != nil {
		c.observer.ObserveBatch(c.cfg.Stage, len(items), len(out.Failed), time.Since(start))
	}
	return len(deliveries), nil
}
