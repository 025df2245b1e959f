package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------
// Ledger Queries
// ----------------------------------------

// InsertCashIfAbsent creates the CASH row for a user. The insert is conditional on the
// key being absent; an existing row yields ErrAlreadyExists and is left untouched.
func (d *Database) InsertCashIfAbsent(ctx context.Context, userID string, cash decimal.Decimal, now time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	return d.insertIfAbsent(ctx, Position{
		UserID:        userID,
		Symbol:        CashSymbol,
		Quantity:      0,
		CashBalance:   cash,
		LastMutatedAt: now,
	})
}

// InsertHoldingIfAbsent registers a holding once; an existing (user, symbol) row yields ErrAlreadyExists.
func (d *Database) InsertHoldingIfAbsent(ctx context.Context, userID, symbol string, qty int64, now time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	return d.insertIfAbsent(ctx, Position{
		UserID:        userID,
		Symbol:        symbol,
		Quantity:      qty,
		CashBalance:   decimal.Zero,
		LastMutatedAt: now,
	})
}

func (d *Database) insertIfAbsent(ctx context.Context, p Position) error {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, symbol, quantity, cash_balance, last_mutated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol) DO NOTHING
	`, p.UserID, p.Symbol, p.Quantity, p.CashBalance.String(), formatTime(p.LastMutatedAt))
	if err != nil {
		return fmt.Errorf("insert balance row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert balance row: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// UpsertQuantity overwrites the quantity of (user, symbol), creating the row if needed.
// Last write wins; callers serialize writes per user.
func (d *Database) UpsertQuantity(ctx context.Context, userID, symbol string, qty int64, now time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, symbol, quantity, cash_balance, last_mutated_at)
		VALUES (?, ?, ?, '0', ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			last_mutated_at = excluded.last_mutated_at
	`, userID, symbol, qty, formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert quantity: %w", err)
	}
	return nil
}

// GetPosition returns the row for (user, symbol) or ErrNotFound.
func (d *Database) GetPosition(ctx context.Context, userID, symbol string) (Position, error) {
	if userID == "" {
		return Position{}, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, symbol, quantity, cash_balance, last_mutated_at
		FROM user_balances
		WHERE user_id = ? AND symbol = ?
	`, userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// GetPositionsByUser returns all rows of a user ordered by symbol.
func (d *Database) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id, symbol, quantity, cash_balance, last_mutated_at
		FROM user_balances
		WHERE user_id = ?
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(s rowScanner) (Position, error) {
	var (
		p         Position
		cash      string
		mutatedAt string
	)
	if err := s.Scan(&p.UserID, &p.Symbol, &p.Quantity, &cash, &mutatedAt); err != nil {
		return Position{}, err
	}
	c, err := decimal.NewFromString(cash)
	if err != nil {
		return Position{}, fmt.Errorf("parse cash_balance %q: %w", cash, err)
	}
	p.CashBalance = c
	if p.LastMutatedAt, err = parseTime(mutatedAt); err != nil {
		return Position{}, fmt.Errorf("parse last_mutated_at %q: %w", mutatedAt, err)
	}
	return p, nil
}
