package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashSymbol is the sentinel instrument holding a user's cash balance.
const CashSymbol = "CASH"

// Position is one ledger row per (user, instrument).
type Position struct {
	UserID        string
	Symbol        string
	Quantity      int64
	CashBalance   decimal.Decimal // only meaningful for the CASH row
	LastMutatedAt time.Time
}

// IsCash reports whether p is the user's cash row.
func (p Position) IsCash() bool {
	return p.Symbol == CashSymbol
}

// ExecutionRecord is an immutable trade execution keyed by (UserID, ExecutedAt).
type ExecutionRecord struct {
	UserID     string    `json:"userId"`
	Symbol     string    `json:"activeSymbol"`
	Action     string    `json:"action"`
	Quantity   int64     `json:"quantity"`
	ExecutedAt time.Time `json:"timestamp"`
}

// Change is one entry of the execution history change feed.
type Change struct {
	Seq       int64
	Record    ExecutionRecord
	CreatedAt time.Time
}

// QueueMessage is a message stored in a durable queue.
type QueueMessage struct {
	Seq          int64
	Queue        string
	ID           string
	GroupID      string
	DedupID      string
	Body         []byte
	SentAt       time.Time
	ReceiveCount int
	Receipt      string
}

// DeadLetter is a message that exceeded its queue's receive limit.
type DeadLetter struct {
	Seq          int64
	Queue        string
	ID           string
	GroupID      string
	Body         []byte
	ReceiveCount int
	SentAt       time.Time
	MovedAt      time.Time
}

// QueueDepth summarizes a queue's message states.
type QueueDepth struct {
	Queue       string `json:"queue"`
	Visible     int    `json:"visible"`
	InFlight    int    `json:"in_flight"`
	DeadLetters int    `json:"dead_letters"`
}
