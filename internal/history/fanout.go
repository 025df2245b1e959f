package history

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
	"hft-core/internal/events"
	"hft-core/internal/realtime"
	"hft-core/pkg/db"
)

// FanoutConfig tunes the change-feed reader.
type FanoutConfig struct {
	Name         string // checkpoint name
	Channel      string
	BatchSize    int
	PollInterval time.Duration
}

// Fanout republishes newly recorded executions on a real-time channel. It reads
// the change feed in sequence order from a durable checkpoint and never writes
// the history itself.
type Fanout struct {
	db        *db.Database
	publisher realtime.Publisher
	cfg       FanoutConfig
	now       func() time.Time
	logger    *logrus.Logger
	observer  batch.Observer
	bus       *events.Bus
}

func NewFanout(database *db.Database, publisher realtime.Publisher, cfg FanoutConfig, logger *logrus.Logger, observer batch.Observer, bus *events.Bus) *Fanout {
	if cfg.Name == "" {
		cfg.Name = "fanout"
	}
	if cfg.Channel == "" {
		cfg.Channel = "operations"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fanout{
		db:        database,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
		observer:  observer,
		bus:       bus,
	}
}

// Run polls the change feed until ctx is canceled.
func (f *Fanout) Run(ctx context.Context) {
	f.logger.WithFields(logrus.Fields{"channel": f.cfg.Channel, "checkpoint": f.cfg.Name}).Info("fanout started")
	t := time.NewTicker(f.cfg.PollInterval)
	defer t.Stop()
	for {
		out, n, err := f.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			f.logger.WithError(err).Error("fanout poll failed")
		}
		if n > 0 && err == nil && len(out.Failed) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			f.logger.Info("fanout stopped")
			return
		case <-t.C:
		}
	}
}

// Poll publishes one batch of changes and advances the checkpoint past the
// published prefix. The first failing change and everything after it are
// reported failed and retried on the next poll. It returns the number of
// changes read.
func (f *Fanout) Poll(ctx context.Context) (batch.Outcome, int, error) {
	var out batch.Outcome
	after, err := f.db.GetCheckpoint(ctx, f.cfg.Name)
	if err != nil {
		return out, 0, err
	}
	changes, err := f.db.ReadChanges(ctx, after, f.cfg.BatchSize)
	if err != nil || len(changes) == 0 {
		return out, 0, err
	}

	start := time.Now()
	last := after
	for i, c := range changes {
		id := strconv.FormatInt(c.Seq, 10)
		if len(out.Failed) > 0 {
			out.Fail(id, batch.ErrPredecessorFailed)
			continue
		}
		if err := f.publisher.Publish(ctx, f.cfg.Channel, c.Record); err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"seq":    c.Seq,
				"userId": c.Record.UserID,
				"behind": len(changes) - i,
			}).Warn("realtime publish failed")
			if f.bus != nil {
				f.bus.Publish(events.EventItemFailed, events.ItemFailure{Stage: "fanout", ItemID: id, Error: err.Error()})
			}
			out.Fail(id, err)
			continue
		}
		last = c.Seq
	}

	if last != after {
		if err := f.db.SaveCheckpoint(ctx, f.cfg.Name, last, f.now()); err != nil {
			return out, len(changes), err
		}
	}
	if f.observer != nil {
		f.observer.ObserveBatch("fanout", len(changes), len(out.Failed), time.Since(start))
	}
	return out, len(changes), nil
}
