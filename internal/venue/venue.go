// Package venue models the external execution venue the broker trades through.
package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrRejected is wrapped by venues that refuse an order.
var ErrRejected = errors.New("order rejected by venue")

// Order is the synchronous request sent to the venue.
type Order struct {
	UserID   string
	Symbol   string
	Action   string
	Quantity int64
}

// Result is the venue response.
type Result struct {
	Accepted bool
	OrderID  string
	Message  string
}

// Venue executes orders synchronously. Duplicate calls are the venue's concern.
type Venue interface {
	Execute(ctx context.Context, o Order) (Result, error)
}

// Func adapts a function to Venue.
type Func func(ctx context.Context, o Order) (Result, error)

func (f Func) Execute(ctx context.Context, o Order) (Result, error) { return f(ctx, o) }

// Mock accepts every order, like a paper-trading broker.
type Mock struct {
	mu     sync.Mutex
	orders []Order
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Execute(ctx context.Context, o Order) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.orders = append(m.orders, o)
	m.mu.Unlock()
	return Result{
		Accepted: true,
		OrderID:  uuid.NewString()[:8],
		Message:  fmt.Sprintf("Order for %d shares of %s to %s has been processed.", o.Quantity, o.Symbol, o.Action),
	}, nil
}

// Orders returns a copy of the orders seen so far.
func (m *Mock) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.orders...)
}
