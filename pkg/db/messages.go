package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrReceiptNotFound is returned when a receipt no longer identifies an in-flight message,
// typically because its visibility timeout expired and the message was received again.
var ErrReceiptNotFound = errors.New("receipt not found")

// SendParams describes one message to store.
type SendParams struct {
	Queue        string
	GroupID      string
	DedupID      string
	Body         []byte
	DedupHorizon time.Duration
}

// SendMessage stores a message unless its DedupID was sent to the same queue within the
// dedup horizon, in which case the earlier message id is returned with duplicate=true.
func (d *Database) SendMessage(ctx context.Context, p SendParams, now time.Time) (id string, duplicate bool, err error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nowNs := now.UnixNano()
	if p.DedupID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_dedup WHERE queue = ? AND expires_at <= ?`, p.Queue, nowNs); err != nil {
			return "", false, fmt.Errorf("purge dedup: %w", err)
		}
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT message_id FROM queue_dedup WHERE queue = ? AND dedup_id = ? AND expires_at > ?
		`, p.Queue, p.DedupID, nowNs).Scan(&existing)
		switch {
		case err == nil:
			return existing, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", false, fmt.Errorf("query dedup: %w", err)
		}
	}

	id = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, id, group_id, dedup_id, body, sent_at, visible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Queue, id, p.GroupID, p.DedupID, p.Body, nowNs, nowNs); err != nil {
		return "", false, fmt.Errorf("insert message: %w", err)
	}

	if p.DedupID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_dedup (queue, dedup_id, message_id, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(queue, dedup_id) DO UPDATE SET message_id = excluded.message_id, expires_at = excluded.expires_at
		`, p.Queue, p.DedupID, id, now.Add(p.DedupHorizon).UnixNano()); err != nil {
			return "", false, fmt.Errorf("insert dedup: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit message: %w", err)
	}
	return id, false, nil
}

// ReceiveParams controls one receive call.
type ReceiveParams struct {
	Queue             string
	Max               int
	VisibilityTimeout time.Duration
	// FIFO skips every group that still has an in-flight message.
	FIFO bool
	// MaxReceiveCount moves messages received this many times to the dead-letter table (0 disables).
	MaxReceiveCount int
}

// ReceiveMessages leases up to Max visible messages in send order and hides them for the
// visibility timeout. Each leased message gets a fresh receipt.
func (d *Database) ReceiveMessages(ctx context.Context, p ReceiveParams, now time.Time) ([]QueueMessage, error) {
	if p.Max <= 0 {
		p.Max = 10
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nowNs := now.UnixNano()
	if p.MaxReceiveCount > 0 {
		if err := redrive(ctx, tx, p.Queue, p.MaxReceiveCount, nowNs); err != nil {
			return nil, err
		}
	}

	fifo := 0
	if p.FIFO {
		fifo = 1
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT m.seq, m.id, m.group_id, m.dedup_id, m.body, m.sent_at, m.receive_count
		FROM queue_messages m
		WHERE m.queue = ? AND m.visible_at <= ?
		  AND (? = 0 OR NOT EXISTS (
			SELECT 1 FROM queue_messages p
			WHERE p.queue = m.queue AND p.group_id = m.group_id
			  AND p.receive_count > 0 AND p.visible_at > ?
		  ))
		ORDER BY m.seq ASC
		LIMIT ?
	`, p.Queue, nowNs, fifo, nowNs, p.Max)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	var msgs []QueueMessage
	for rows.Next() {
		var (
			m      QueueMessage
			sentAt int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.GroupID, &m.DedupID, &m.Body, &sentAt, &m.ReceiveCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Queue = p.Queue
		m.SentAt = time.Unix(0, sentAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	rows.Close()

	visibleAt := now.Add(p.VisibilityTimeout).UnixNano()
	for i := range msgs {
		msgs[i].Receipt = uuid.NewString()
		msgs[i].ReceiveCount++
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET visible_at = ?, receive_count = receive_count + 1, receipt = ?
			WHERE seq = ?
		`, visibleAt, msgs[i].Receipt, msgs[i].Seq); err != nil {
			return nil, fmt.Errorf("lease message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit receive: %w", err)
	}
	return msgs, nil
}

func redrive(ctx context.Context, tx *sql.Tx, queue string, maxReceive int, nowNs int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_dead_letters (seq, queue, id, group_id, body, receive_count, sent_at, moved_at)
		SELECT seq, queue, id, group_id, body, receive_count, sent_at, ?
		FROM queue_messages
		WHERE queue = ? AND visible_at <= ? AND receive_count >= ?
	`, nowNs, queue, nowNs, maxReceive); err != nil {
		return fmt.Errorf("move dead letters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE queue = ? AND visible_at <= ? AND receive_count >= ?
	`, queue, nowNs, maxReceive); err != nil {
		return fmt.Errorf("delete dead letters: %w", err)
	}
	return nil
}

// DeleteMessage acknowledges an in-flight message by receipt.
func (d *Database) DeleteMessage(ctx context.Context, queue, receipt string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM queue_messages WHERE queue = ? AND receipt = ?`, queue, receipt)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// ChangeVisibility moves an in-flight message's visibility deadline to now+timeout.
func (d *Database) ChangeVisibility(ctx context.Context, queue, receipt string, timeout time.Duration, now time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = ? WHERE queue = ? AND receipt = ?
	`, now.Add(timeout).UnixNano(), queue, receipt)
	if err != nil {
		return fmt.Errorf("change visibility: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("change visibility: %w", err)
	}
	if n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// QueueDepth counts visible, in-flight and dead-lettered messages of a queue.
func (d *Database) QueueDepth(ctx context.Context, queue string, now time.Time) (QueueDepth, error) {
	depth := QueueDepth{Queue: queue}
	nowNs := now.UnixNano()
	err := d.DB.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END), 0)
		FROM queue_messages WHERE queue = ?
	`, nowNs, nowNs, queue).Scan(&depth.Visible, &depth.InFlight)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("query depth: %w", err)
	}
	if err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_dead_letters WHERE queue = ?
	`, queue).Scan(&depth.DeadLetters); err != nil {
		return QueueDepth{}, fmt.Errorf("query dead letters: %w", err)
	}
	return depth, nil
}

// ListDeadLetters returns dead-lettered messages of a queue, oldest first.
func (d *Database) ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, queue, id, group_id, body, receive_count, sent_at, moved_at
		FROM queue_dead_letters
		WHERE queue = ?
		ORDER BY seq ASC
		LIMIT ?
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl            DeadLetter
			sentAt, moved int64
		)
		if err := rows.Scan(&dl.Seq, &dl.Queue, &dl.ID, &dl.GroupID, &dl.Body, &dl.ReceiveCount, &sentAt, &moved); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.SentAt = time.Unix(0, sentAt)
		dl.MovedAt = time.Unix(0, moved)
		out = append(out, dl)
	}
	return out, rows.Err()
}
