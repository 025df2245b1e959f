package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Trade is a journaled execution: the record plus the state it left behind.
type Trade struct {
	DedupeKey         string
	Record            ExecutionRecord
	ResultingQuantity int64
	VenueOrderID      string
}

// ApplyTrade journals a trade and overwrites the position quantity in one
// transaction. A dedupe key that was already journaled leaves both tables
// untouched and reports applied=false.
func (d *Database) ApplyTrade(ctx context.Context, t Trade) (bool, error) {
	if t.Record.UserID == "" {
		return false, ErrUserIDRequired
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	executedAt := formatTime(t.Record.ExecutedAt)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trade_journal (dedupe_key, user_id, symbol, action, quantity, resulting_quantity, venue_order_id, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING
	`, t.DedupeKey, t.Record.UserID, t.Record.Symbol, t.Record.Action, t.Record.Quantity, t.ResultingQuantity, t.VenueOrderID, executedAt)
	if err != nil {
		return false, fmt.Errorf("journal trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("journal trade: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, symbol, quantity, cash_balance, last_mutated_at)
		VALUES (?, ?, ?, '0', ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			last_mutated_at = excluded.last_mutated_at
	`, t.Record.UserID, t.Record.Symbol, t.ResultingQuantity, executedAt); err != nil {
		return false, fmt.Errorf("upsert quantity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit trade: %w", err)
	}
	return true, nil
}

// GetTrade returns the journaled trade for a dedupe key or ErrNotFound.
func (d *Database) GetTrade(ctx context.Context, dedupeKey string) (Trade, error) {
	var (
		t          Trade
		executedAt string
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT dedupe_key, user_id, symbol, action, quantity, resulting_quantity, venue_order_id, executed_at
		FROM trade_journal
		WHERE dedupe_key = ?
	`, dedupeKey).Scan(&t.DedupeKey, &t.Record.UserID, &t.Record.Symbol, &t.Record.Action, &t.Record.Quantity,
		&t.ResultingQuantity, &t.VenueOrderID, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	if err != nil {
		return Trade{}, fmt.Errorf("query trade: %w", err)
	}
	if t.Record.ExecutedAt, err = parseTime(executedAt); err != nil {
		return Trade{}, fmt.Errorf("parse executed_at %q: %w", executedAt, err)
	}
	return t, nil
}
