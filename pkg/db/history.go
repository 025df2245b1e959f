package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ----------------------------------------
// Execution History Queries
// ----------------------------------------

// InsertExecution appends a record and its change-feed entry in one transaction.
// A record whose (user, executed_at) key already exists is left as is and reports inserted=false.
func (d *Database) InsertExecution(ctx context.Context, rec ExecutionRecord, now time.Time) (bool, error) {
	if rec.UserID == "" {
		return false, ErrUserIDRequired
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	executedAt := formatTime(rec.ExecutedAt)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO execution_history (user_id, executed_at, symbol, action, quantity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, executed_at) DO NOTHING
	`, rec.UserID, executedAt, rec.Symbol, rec.Action, rec.Quantity)
	if err != nil {
		return false, fmt.Errorf("insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert execution: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history_changes (user_id, executed_at, created_at) VALUES (?, ?, ?)
	`, rec.UserID, executedAt, now.UnixNano()); err != nil {
		return false, fmt.Errorf("append change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit execution: %w", err)
	}
	return true, nil
}

// GetExecution returns one record by key or ErrNotFound.
func (d *Database) GetExecution(ctx context.Context, userID string, executedAt time.Time) (ExecutionRecord, error) {
	if userID == "" {
		return ExecutionRecord{}, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, executed_at, symbol, action, quantity
		FROM execution_history
		WHERE user_id = ? AND executed_at = ?
	`, userID, formatTime(executedAt))
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("query execution: %w", err)
	}
	return rec, nil
}

// ListExecutionsByUser returns a user's records in chronological order.
func (d *Database) ListExecutionsByUser(ctx context.Context, userID string) ([]ExecutionRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id, executed_at, symbol, action, quantity
		FROM execution_history
		WHERE user_id = ?
		ORDER BY executed_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanExecution(s rowScanner) (ExecutionRecord, error) {
	var (
		rec        ExecutionRecord
		executedAt string
	)
	if err := s.Scan(&rec.UserID, &executedAt, &rec.Symbol, &rec.Action, &rec.Quantity); err != nil {
		return ExecutionRecord{}, err
	}
	t, err := parseTime(executedAt)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse executed_at %q: %w", executedAt, err)
	}
	rec.ExecutedAt = t
	return rec, nil
}

// ----------------------------------------
// Change Feed
// ----------------------------------------

// ReadChanges returns up to limit feed entries with seq > afterSeq, oldest first.
func (d *Database) ReadChanges(ctx context.Context, afterSeq int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT c.seq, c.created_at, h.user_id, h.executed_at, h.symbol, h.action, h.quantity
		FROM history_changes c
		JOIN execution_history h ON h.user_id = c.user_id AND h.executed_at = c.executed_at
		WHERE c.seq > ?
		ORDER BY c.seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c          Change
			createdAt  int64
			executedAt string
		)
		if err := rows.Scan(&c.Seq, &createdAt, &c.Record.UserID, &executedAt, &c.Record.Symbol, &c.Record.Action, &c.Record.Quantity); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if c.Record.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, fmt.Errorf("parse executed_at %q: %w", executedAt, err)
		}
		c.CreatedAt = time.Unix(0, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the last acknowledged feed seq for a consumer (0 when none).
func (d *Database) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := d.DB.QueryRowContext(ctx, `SELECT seq FROM feed_checkpoints WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query checkpoint: %w", err)
	}
	return seq, nil
}

// SaveCheckpoint stores the last acknowledged feed seq for a consumer.
func (d *Database) SaveCheckpoint(ctx context.Context, name string, seq int64, now time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO feed_checkpoints (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
	`, name, seq, now.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
