package market

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
)

// MockFeed generates synthetic events for local development, one per user and
// symbol per tick.
type MockFeed struct {
	Users      []string
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
	Logger     *logrus.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	seq    int64
}

// NewMockFeed creates a feed with a seeded random walk.
func NewMockFeed(users, symbols []string, interval time.Duration, seed int64, logger *logrus.Logger) *MockFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MockFeed{
		Users:    users,
		Symbols:  symbols,
		Interval: interval,
		Logger:   logger,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Next produces one tick of events.
func (m *MockFeed) Next(now time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(now.UnixNano()))
	}
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	users, symbols := m.Users, m.Symbols
	if len(users) == 0 {
		users = []string{"demo-user"}
	}
	if len(symbols) == 0 {
		symbols = []string{"BTC"}
	}
	start, step := m.StartPrice, m.Step
	if start == 0 {
		start = 100.0
	}
	if step == 0 {
		step = 0.5
	}

	out := make([]Event, 0, len(users)*len(symbols))
	for _, sym := range symbols {
		prev, ok := m.prices[sym]
		if !ok {
			prev = start
		}
		// simple random walk
		price := prev + (m.rng.Float64()*2-1)*step
		if price <= 0 {
			price = step
		}
		m.prices[sym] = price
		change := (price - start) / start * 100

		for _, user := range users {
			out = append(out, Event{
				UserID:     user,
				Symbol:     sym,
				Price:      decimal.NewFromFloat(price).Round(4),
				Change24h:  decimal.NewFromFloat(change).Round(4),
				MarketCap:  decimal.NewFromFloat(price * 1e6).Round(0),
				ObservedAt: now.UTC(),
			})
		}
	}
	return out
}

// Items turns events into a batch with sequential ids.
func (m *MockFeed) Items(evs []Event) []batch.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]batch.Item, 0, len(evs))
	for _, ev := range evs {
		body, err := Encode(ev)
		if err != nil {
			continue
		}
		m.seq++
		items = append(items, batch.Item{ID: "mock-" + strconv.FormatInt(m.seq, 10), Key: ev.UserID, Body: body})
	}
	return items
}

// Run feeds a batch to handler on every tick until ctx is canceled.
func (m *MockFeed) Run(ctx context.Context, handler batch.Handler) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			items := m.Items(m.Next(now))
			out := handler.HandleBatch(ctx, items)
			if len(out.Failed) > 0 {
				m.Logger.WithField("failed", len(out.Failed)).Warn("mock feed batch had failures")
			}
		}
	}
}
