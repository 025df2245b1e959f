package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is the trading decision carried by an intent.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidIntent = errors.New("invalid intent")
)

// ParseAction normalizes a wire action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionHold:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// Tradable reports whether the action places an order.
func (a Action) Tradable() bool {
	return a == ActionBuy || a == ActionSell
}

// Intent is a proposed trade awaiting execution.
type Intent struct {
	UserID      string    `json:"userId"`
	Symbol      string    `json:"activeSymbol"`
	Action      Action    `json:"action"`
	SubmittedAt time.Time `json:"submittedAt"`
	DedupeKey   string    `json:"dedupeKey"`
}

// NewIntent stamps an intent with its submission time and dedupe key.
func NewIntent(userID, symbol string, action Action, submittedAt time.Time) Intent {
	return Intent{
		UserID:      userID,
		Symbol:      symbol,
		Action:      action,
		SubmittedAt: submittedAt.UTC(),
		DedupeKey:   DedupeKey(userID, submittedAt),
	}
}

// DedupeKey is unique per logical submission: user id plus submission unix millis.
func DedupeKey(userID string, submittedAt time.Time) string {
	return userID + "-" + strconv.FormatInt(submittedAt.UnixMilli(), 10)
}

// Validate checks required fields.
func (i Intent) Validate() error {
	switch {
	case i.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidIntent)
	case i.Symbol == "":
		return fmt.Errorf("%w: activeSymbol is required", ErrInvalidIntent)
	case i.DedupeKey == "":
		return fmt.Errorf("%w: dedupeKey is required", ErrInvalidIntent)
	}
	return nil
}

// Encode serializes an intent for the order channel.
func Encode(i Intent) ([]byte, error) {
	return json.Marshal(i)
}

// Decode parses an intent from the order channel. The action is kept verbatim
// so the broker can reject unknown actions explicitly.
func Decode(body []byte) (Intent, error) {
	var i Intent
	if err := json.Unmarshal(body, &i); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	i.Action = Action(strings.ToLower(strings.TrimSpace(string(i.Action))))
	if err := i.Validate(); err != nil {
		return Intent{}, err
	}
	return i, nil
}
