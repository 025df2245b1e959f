// Package market models market-data events and the ingress paths that feed
// them to the signal generator.
package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedEvent = errors.New("malformed market event")
	ErrMissingUser    = errors.New("market event has no userId")
	ErrMissingSymbol  = errors.New("market event has no instrument symbol")
)

// Event is one immutable market observation addressed to a user.
type Event struct {
	UserID     string          `json:"userId"`
	Symbol     string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Change24h  decimal.Decimal `json:"variation24h"`
	MarketCap  decimal.Decimal `json:"marketCap"`
	ObservedAt time.Time       `json:"observedAt"`
}

// wireEvent accepts both the collector field names and the descriptive aliases.
type wireEvent struct {
	UserID           string           `json:"userId"`
	Name             string           `json:"name"`
	InstrumentSymbol string           `json:"instrumentSymbol"`
	Price            *decimal.Decimal `json:"price"`
	Variation24h     *decimal.Decimal `json:"variation24h"`
	Change24h        *decimal.Decimal `json:"change24h"`
	MarketCap        *decimal.Decimal `json:"marketCap"`
	ObservedAt       *time.Time       `json:"observedAt"`
}

// Decode parses a JSON payload. receivedAt stamps events that carry no observedAt.
func Decode(data []byte, receivedAt time.Time) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{
		UserID:     strings.TrimSpace(w.UserID),
		Symbol:     strings.TrimSpace(w.Name),
		ObservedAt: receivedAt.UTC(),
	}
	if ev.Symbol == "" {
		ev.Symbol = strings.TrimSpace(w.InstrumentSymbol)
	}
	if ev.UserID == "" {
		return Event{}, ErrMissingUser
	}
	if ev.Symbol == "" {
		return Event{}, ErrMissingSymbol
	}
	if w.Price != nil {
		ev.Price = *w.Price
	}
	switch {
	case w.Variation24h != nil:
		ev.Change24h = *w.Variation24h
	case w.Change24h != nil:
		ev.Change24h = *w.Change24h
	}
	if w.MarketCap != nil {
		ev.MarketCap = *w.MarketCap
	}
	if w.ObservedAt != nil && !w.ObservedAt.IsZero() {
		ev.ObservedAt = w.ObservedAt.UTC()
	}
	return ev, nil
}

// Encode renders an event in the collector wire format.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
