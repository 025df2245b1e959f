// Package broker validates order intents against holdings, executes them on the
// venue, updates the ledger and hands execution records to the history queue.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/events"
	"hft-core/internal/order"
	"hft-core/internal/queue"
	"hft-core/internal/venue"
	"hft-core/pkg/db"
)

// Business rejections.
var (
	ErrNoPosition           = errors.New("no position to sell")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrInvalidAction        = errors.New("invalid action")
	ErrInvalidSymbol        = errors.New("invalid symbol")
)

// Transient failures; redelivery may succeed.
var (
	ErrVenueUnavailable     = errors.New("venue unavailable")
	ErrLedgerReadFailed     = errors.New("ledger read failed")
	ErrLedgerWriteFailed    = errors.New("ledger write failed")
	ErrHistoryEnqueueFailed = errors.New("history enqueue failed")
)

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVenueUnavailable) ||
		errors.Is(err, ErrLedgerReadFailed) ||
		errors.Is(err, ErrLedgerWriteFailed) ||
		errors.Is(err, ErrHistoryEnqueueFailed)
}

// DefaultLotSize is the constant quantity traded per accepted order.
const DefaultLotSize int64 = 10

// Ledger is the position store the engine reads and writes.
type Ledger interface {
	GetPosition(ctx context.Context, userID, symbol string) (db.Position, error)
	ApplyTrade(ctx context.Context, t db.Trade) (bool, error)
	GetTrade(ctx context.Context, dedupeKey string) (db.Trade, error)
}

// HistoryQueue receives execution records.
type HistoryQueue interface {
	Send(ctx context.Context, m queue.Message) (queue.SendResult, error)
}

// Engine executes one intent at a time; callers serialize intents per user.
type Engine struct {
	ledger  Ledger
	venue   venue.Venue
	history HistoryQueue
	lotSize int64
	now     func() time.Time
	bus     *events.Bus
	logger  *logrus.Logger
}

// Config carries engine settings.
type Config struct {
	LotSize int64
	Now     func() time.Time
	Bus     *events.Bus
}

func NewEngine(ledger Ledger, v venue.Venue, history HistoryQueue, cfg Config, logger *logrus.Logger) *Engine {
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultLotSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		ledger:  ledger,
		venue:   v,
		history: history,
		lotSize: cfg.LotSize,
		now:     cfg.Now,
		bus:     cfg.Bus,
		logger:  logger,
	}
}

// LotSize returns the configured lot size.
func (e *Engine) LotSize() int64 { return e.lotSize }

// Execute validates, trades and records one intent.
//
// An intent whose dedupe key was already applied is not traded again; its
// journaled record is re-sent to history so an earlier enqueue failure heals
// on redelivery.
func (e *Engine) Execute(ctx context.Context, in order.Intent) (db.ExecutionRecord, error) {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	log := e.logger.WithFields(logrus.Fields{
		"userId":    in.UserID,
		"symbol":    in.Symbol,
		"action":    in.Action,
		"dedupeKey": in.DedupeKey,
	})

	if !in.Action.Tradable() {
		return e.reject(in, fmt.Errorf("%w: %q", ErrInvalidAction, in.Action))
	}
	if in.Symbol == "" || in.Symbol == db.CashSymbol {
		return e.reject(in, fmt.Errorf("%w: %q is not tradable", ErrInvalidSymbol, in.Symbol))
	}

	if prev, err := e.ledger.GetTrade(ctx, in.DedupeKey); err == nil {
		log.Info("intent already applied; re-recording history")
		return prev.Record, e.enqueueHistory(ctx, in, prev.Record)
	} else if !errors.Is(err, db.ErrNotFound) {
		return db.ExecutionRecord{}, fmt.Errorf("%w: %v", ErrLedgerReadFailed, err)
	}

	// 1. current position; absent counts as zero only for buys
	var current int64
	pos, err := e.ledger.GetPosition(ctx, in.UserID, in.Symbol)
	switch {
	case err == nil:
		current = pos.Quantity
	case errors.Is(err, db.ErrNotFound):
		if in.Action == order.ActionSell {
			return e.reject(in, fmt.Errorf("%w: %s has no %s", ErrNoPosition, in.UserID, in.Symbol))
		}
	default:
		return db.ExecutionRecord{}, fmt.Errorf("%w: %v", ErrLedgerReadFailed, err)
	}

	// 2-3. fixed lot; sells never partially fill
	next := current + e.lotSize
	if in.Action == order.ActionSell {
		if current < e.lotSize {
			return e.reject(in, fmt.Errorf("%w: holding %d, lot %d", ErrInsufficientPosition, current, e.lotSize))
		}
		next = current - e.lotSize
	}

	// 4. venue
	res, err := e.venue.Execute(ctx, venue.Order{
		UserID:   in.UserID,
		Symbol:   in.Symbol,
		Action:   string(in.Action),
		Quantity: e.lotSize,
	})
	if err != nil {
		return db.ExecutionRecord{}, fmt.Errorf("%w: %v", ErrVenueUnavailable, err)
	}
	if !res.Accepted {
		return db.ExecutionRecord{}, fmt.Errorf("%w: %s", ErrVenueUnavailable, res.Message)
	}

	// 5. overwrite quantity, journaled under the dedupe key
	rec := db.ExecutionRecord{
		UserID:     in.UserID,
		Symbol:     in.Symbol,
		Action:     string(in.Action),
		Quantity:   e.lotSize,
		ExecutedAt: e.now().UTC(),
	}
	applied, err := e.ledger.ApplyTrade(ctx, db.Trade{
		DedupeKey:         in.DedupeKey,
		Record:            rec,
		ResultingQuantity: next,
		VenueOrderID:      res.OrderID,
	})
	if err != nil {
		return db.ExecutionRecord{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	if !applied {
		// Another delivery journaled this key first; history gets its record.
		prev, err := e.ledger.GetTrade(ctx, in.DedupeKey)
		if err != nil {
			return db.ExecutionRecord{}, fmt.Errorf("%w: %v", ErrLedgerReadFailed, err)
		}
		log.WithField("orderId", res.OrderID).Warn("intent journaled concurrently; keeping first record")
		return prev.Record, e.enqueueHistory(ctx, in, prev.Record)
	}
	log.WithFields(logrus.Fields{"orderId": res.OrderID, "quantity": next}).Info("order executed")
	if e.bus != nil {
		e.bus.Publish(events.EventExecutionAccepted, rec)
	}

	// 6. history
	return rec, e.enqueueHistory(ctx, in, rec)
}

func (e *Engine) enqueueHistory(ctx context.Context, in order.Intent, rec db.ExecutionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryEnqueueFailed, err)
	}
	if _, err := e.history.Send(ctx, queue.Message{GroupID: rec.UserID, DedupID: in.DedupeKey, Body: body}); err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryEnqueueFailed, err)
	}
	return nil
}

func (e *Engine) reject(in order.Intent, err error) (db.ExecutionRecord, error) {
	if e.bus != nil {
		e.bus.Publish(events.EventExecutionRejected, events.Rejection{
			UserID: in.UserID,
			Symbol: in.Symbol,
			Action: string(in.Action),
			Reason: err.Error(),
		})
	}
	return db.ExecutionRecord{}, err
}
