// Package history persists execution records and fans them out to real-time
// subscribers from the durable change feed.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
	"hft-core/internal/events"
	"hft-core/pkg/db"
)

var ErrInvalidRecord = errors.New("invalid execution record")

// Sink is the append-only execution history store.
type Sink struct {
	db  *db.Database
	now func() time.Time
}

func NewSink(database *db.Database, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{db: database, now: now}
}

// Record stores rec once; re-recording its (userId, executedAt) key is a no-op
// reporting inserted=false.
func (s *Sink) Record(ctx context.Context, rec db.ExecutionRecord) (bool, error) {
	if rec.UserID == "" || rec.ExecutedAt.IsZero() {
		return false, fmt.Errorf("%w: userId and timestamp are required", ErrInvalidRecord)
	}
	return s.db.InsertExecution(ctx, rec, s.now())
}

// ListByUser returns a user's records ordered by execution time.
func (s *Sink) ListByUser(ctx context.Context, userID string) ([]db.ExecutionRecord, error) {
	return s.db.ListExecutionsByUser(ctx, userID)
}

// Processor consumes the history queue.
type Processor struct {
	sink     *Sink
	logger   *logrus.Logger
	observer batch.Observer
	bus      *events.Bus
}

func NewProcessor(sink *Sink, logger *logrus.Logger, observer batch.Observer, bus *events.Bus) *Processor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Processor{sink: sink, logger: logger, observer: observer, bus: bus}
}

// HandleBatch records every item; failures are reported per item.
func (p *Processor) HandleBatch(ctx context.Context, items []batch.Item) batch.Outcome {
	start := time.Now()
	out := batch.Each(ctx, items, func(ctx context.Context, it batch.Item) error {
		var rec db.ExecutionRecord
		if err := json.Unmarshal(it.Body, &rec); err != nil {
			return p.fail(it, fmt.Errorf("%w: %v", ErrInvalidRecord, err))
		}
		inserted, err := p.sink.Record(ctx, rec)
		if err != nil {
			return p.fail(it, err)
		}
		p.logger.WithFields(logrus.Fields{
			"userId":   rec.UserID,
			"symbol":   rec.Symbol,
			"inserted": inserted,
		}).Debug("execution recorded")
		if inserted && p.bus != nil {
			p.bus.Publish(events.EventHistoryRecorded, rec)
		}
		return nil
	})
	if p.observer != nil {
		p.observer.ObserveBatch("history", len(items), len(out.Failed), time.Since(start))
	}
	return out
}

func (p *Processor) fail(it batch.Item, err error) error {
	p.logger.WithError(err).WithField("item", it.ID).Warn("history item failed")
	if p.bus != nil {
		p.bus.Publish(events.EventItemFailed, events.ItemFailure{Stage: "history", ItemID: it.ID, Error: err.Error()})
	}
	return err
}
