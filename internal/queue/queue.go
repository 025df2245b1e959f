// Package queue is a durable, at-least-once message channel backed by SQLite.
// In FIFO mode messages sharing a group id are delivered in send order and a
// group is leased to one consumer at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hft-core/pkg/db"
)

var (
	ErrGroupRequired = errors.New("queue: group id is required in FIFO mode")
	ErrEmptyBody     = errors.New("queue: message body is empty")
)

// ErrReceiptNotFound is returned by Delete when the lease already expired.
var ErrReceiptNotFound = db.ErrReceiptNotFound

// Options configures a queue.
type Options struct {
	Name              string
	FIFO              bool
	DedupHorizon      time.Duration
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	Now               func() time.Time
}

// DefaultOptions mirrors SQS FIFO defaults.
func DefaultOptions(name string) Options {
	return Options{
		Name:              name,
		FIFO:              true,
		DedupHorizon:      5 * time.Minute,
		VisibilityTimeout: 30 * time.Second,
		MaxReceiveCount:   5,
	}
}

// Message is what producers send.
type Message struct {
	GroupID string
	DedupID string
	Body    []byte
}

// SendResult reports the stored message id; Duplicate is true when the send was suppressed.
type SendResult struct {
	MessageID string
	Duplicate bool
}

// Delivery is a leased message.
type Delivery struct {
	MessageID    string
	GroupID      string
	DedupID      string
	Body         []byte
	Receipt      string
	ReceiveCount int
	SentAt       time.Time
}

// Queue is a named queue over the shared database.
type Queue struct {
	db   *db.Database
	opts Options
}

// New creates a queue handle. Zero option values fall back to DefaultOptions.
func New(database *db.Database, opts Options) *Queue {
	def := DefaultOptions(opts.Name)
	if opts.DedupHorizon <= 0 {
		opts.DedupHorizon = def.DedupHorizon
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = def.VisibilityTimeout
	}
	if opts.MaxReceiveCount < 0 {
		opts.MaxReceiveCount = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: database, opts: opts}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.opts.Name }

// Send stores a message. A DedupID seen within the dedup horizon is suppressed.
func (q *Queue) Send(ctx context.Context, m Message) (SendResult, error) {
	if len(m.Body) == 0 {
		return SendResult{}, ErrEmptyBody
	}
	if q.opts.FIFO && m.GroupID == "" {
		return SendResult{}, ErrGroupRequired
	}
	id, dup, err := q.db.SendMessage(ctx, db.SendParams{
		Queue:        q.opts.Name,
		GroupID:      m.GroupID,
		DedupID:      m.DedupID,
		Body:         m.Body,
		DedupHorizon: q.opts.DedupHorizon,
	}, q.opts.Now())
	if err != nil {
		return SendResult{}, fmt.Errorf("send to %s: %w", q.opts.Name, err)
	}
	return SendResult{MessageID: id, Duplicate: dup}, nil
}

// Receive leases up to max messages for the visibility timeout.
func (q *Queue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	msgs, err := q.db.ReceiveMessages(ctx, db.ReceiveParams{
		Queue:             q.opts.Name,
		Max:               max,
		VisibilityTimeout: q.opts.VisibilityTimeout,
		FIFO:              q.opts.FIFO,
		MaxReceiveCount:   q.opts.MaxReceiveCount,
	}, q.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.opts.Name, err)
	}
	out := make([]Delivery, len(msgs))
	for i, m := range msgs {
		out[i] = Delivery{
			MessageID:    m.ID,
			GroupID:      m.GroupID,
			DedupID:      m.DedupID,
			Body:         m.Body,
			Receipt:      m.Receipt,
			ReceiveCount: m.ReceiveCount,
			SentAt:       m.SentAt,
		}
	}
	return out, nil
}

// Delete acknowledges a delivery.
func (q *Queue) Delete(ctx context.Context, receipt string) error {
	return q.db.DeleteMessage(ctx, q.opts.Name, receipt)
}

// Retry makes a leased delivery visible again after delay instead of the full visibility timeout.
func (q *Queue) Retry(ctx context.Context, receipt string, delay time.Duration) error {
	return q.db.ChangeVisibility(ctx, q.opts.Name, receipt, delay, q.opts.Now())
}

// Depth reports visible, in-flight and dead-lettered counts.
func (q *Queue) Depth(ctx context.Context) (db.QueueDepth, error) {
	return q.db.QueueDepth(ctx, q.opts.Name, q.opts.Now())
}

// DeadLetters lists messages that exceeded MaxReceiveCount.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]db.DeadLetter, error) {
	return q.db.ListDeadLetters(ctx, q.opts.Name, limit)
}
