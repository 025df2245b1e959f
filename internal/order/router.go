// Package order defines order intents and routes them onto the per-user FIFO channel.
package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"hft-core/internal/queue"
)

// ErrHoldNotRoutable is returned for hold intents; they never reach the channel.
var ErrHoldNotRoutable = errors.New("hold intents are not routable")

// Router submits intents to the order channel with the user id as ordering key
// and the dedupe key as deduplication id.
type Router struct {
	q      *queue.Queue
	logger *logrus.Logger
}

func NewRouter(q *queue.Queue, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{q: q, logger: logger}
}

// Submit enqueues a buy or sell intent.
func (r *Router) Submit(ctx context.Context, i Intent) (queue.SendResult, error) {
	if i.Action == ActionHold {
		return queue.SendResult{}, ErrHoldNotRoutable
	}
	if !i.Action.Tradable() {
		return queue.SendResult{}, fmt.Errorf("%w: %q", ErrInvalidAction, i.Action)
	}
	if err := i.Validate(); err != nil {
		return queue.SendResult{}, err
	}

	body, err := Encode(i)
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("encode intent: %w", err)
	}
	res, err := r.q.Send(ctx, queue.Message{GroupID: i.UserID, DedupID: i.DedupeKey, Body: body})
	if err != nil {
		return queue.SendResult{}, err
	}

	log := r.logger.WithFields(logrus.Fields{
		"userId":     i.UserID,
		"symbol":     i.Symbol,
		"action":     i.Action,
		"dedupeKey":  i.DedupeKey,
		"message_id": res.MessageID,
	})
	if res.Duplicate {
		log.Info("duplicate intent suppressed")
	} else {
		log.Debug("intent submitted")
	}
	return res, nil
}
