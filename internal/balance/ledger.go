// Package balance is the per-user, per-instrument position ledger.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hft-core/pkg/db"
)

var (
	ErrNotFound         = db.ErrNotFound
	ErrAlreadyExists    = db.ErrAlreadyExists
	ErrNegativeQuantity = errors.New("quantity must not be negative")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidSymbol    = errors.New("instrument symbol is required")
	ErrNoCashRow        = fmt.Errorf("%w: user has no cash balance", db.ErrNotFound)
)

// Summary is the read model of a user's balance: cash plus instrument holdings.
type Summary struct {
	UserID           string           `json:"userId"`
	AvailableBalance decimal.Decimal  `json:"availableBalance"`
	Holdings         map[string]int64 `json:"holdings"`
}

// Ledger guards writes with conditional inserts; trade updates overwrite.
type Ledger struct {
	db  *db.Database
	now func() time.Time
}

// NewLedger creates a ledger. now may be nil.
func NewLedger(database *db.Database, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: database, now: now}
}

// CreateIfAbsent creates the user's CASH row once. A second call fails with
// ErrAlreadyExists and leaves the first balance in place.
func (l *Ledger) CreateIfAbsent(ctx context.Context, userID string, initialCash decimal.Decimal) error {
	if initialCash.IsNegative() {
		return ErrInvalidAmount
	}
	return l.db.InsertCashIfAbsent(ctx, userID, initialCash, l.now())
}

// GetPositions returns every row of a user, ordered by symbol.
func (l *Ledger) GetPositions(ctx context.Context, userID string) ([]db.Position, error) {
	return l.db.GetPositionsByUser(ctx, userID)
}

// GetPosition returns one row or ErrNotFound.
func (l *Ledger) GetPosition(ctx context.Context, userID, symbol string) (db.Position, error) {
	return l.db.GetPosition(ctx, userID, normalizeSymbol(symbol))
}

// UpsertQuantity overwrites the quantity of an instrument row (last write wins).
func (l *Ledger) UpsertQuantity(ctx context.Context, userID, symbol string, qty int64) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return ErrInvalidSymbol
	}
	if qty < 0 {
		return ErrNegativeQuantity
	}
	return l.db.UpsertQuantity(ctx, userID, symbol, qty, l.now())
}

// ApplyTrade journals an executed intent and overwrites its position quantity atomically.
// A dedupe key applied before is a no-op reporting applied=false.
func (l *Ledger) ApplyTrade(ctx context.Context, t db.Trade) (bool, error) {
	t.Record.Symbol = normalizeSymbol(t.Record.Symbol)
	switch t.Record.Symbol {
	case "":
		return false, ErrInvalidSymbol
	case db.CashSymbol:
		return false, fmt.Errorf("%w: cash is not tradable", ErrInvalidSymbol)
	}
	if t.ResultingQuantity < 0 {
		return false, ErrNegativeQuantity
	}
	return l.db.ApplyTrade(ctx, t)
}

// GetTrade looks up an applied intent by dedupe key.
func (l *Ledger) GetTrade(ctx context.Context, dedupeKey string) (db.Trade, error) {
	return l.db.GetTrade(ctx, dedupeKey)
}

// AddHolding registers an instrument once; an existing row yields ErrAlreadyExists.
func (l *Ledger) AddHolding(ctx context.Context, userID, symbol string, qty int64) error {
	symbol = normalizeSymbol(symbol)
	switch {
	case symbol == "":
		return ErrInvalidSymbol
	case symbol == db.CashSymbol:
		return fmt.Errorf("%w: use CreateIfAbsent for cash", ErrInvalidSymbol)
	case qty <= 0:
		return ErrInvalidAmount
	}
	return l.db.InsertHoldingIfAbsent(ctx, userID, symbol, qty, l.now())
}

// Summary folds a user's rows into cash and holdings.
func (l *Ledger) Summary(ctx context.Context, userID string) (Summary, error) {
	rows, err := l.db.GetPositionsByUser(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if len(rows) == 0 {
		return Summary{}, ErrNotFound
	}
	s := Summary{UserID: userID, Holdings: make(map[string]int64)}
	hasCash := false
	for _, p := range rows {
		if p.IsCash() {
			s.AvailableBalance = p.CashBalance
			hasCash = true
			continue
		}
		s.Holdings[p.Symbol] = p.Quantity
	}
	if !hasCash {
		return Summary{}, ErrNoCashRow
	}
	return s, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
