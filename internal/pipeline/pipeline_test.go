package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft-core/internal/market"
	"hft-core/internal/signal"
	"hft-core/internal/venue"
	"hft-core/pkg/config"
	"hft-core/pkg/db"
)

// tickingClock advances a millisecond on every read; Advance jumps further.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *tickingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// switchable returns whatever prediction was set last.
type switchable struct {
	name string
	mu   sync.Mutex
	next signal.Prediction
}

func (s *switchable) Name() string { return s.name }

func (s *switchable) Predict(context.Context, market.Event) (signal.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, nil
}

func (s *switchable) Set(p signal.Prediction) {
	s.mu.Lock()
	s.next = p
	s.mu.Unlock()
}

type recordingPublisher struct {
	mu      sync.Mutex
	failing bool
	records []db.ExecutionRecord
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("realtime endpoint down")
	}
	p.records = append(p.records, payload.(db.ExecutionRecord))
	return nil
}

func (p *recordingPublisher) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func testConfig() *config.Config {
	return &config.Config{
		LotSize:               10,
		DedupHorizon:          5 * time.Minute,
		VisibilityTimeout:     30 * time.Second,
		MaxReceiveCount:       3,
		PollInterval:          10 * time.Millisecond,
		RetryDelay:            time.Second,
		OrderBatchSize:        10,
		OrderMaxConcurrency:   2,
		HistoryBatchSize:      5,
		HistoryMaxConcurrency: 2,
		FanoutBatchSize:       25,
		MarketSource:          "mock",
		MockUsers:             []string{"demo"},
		MockSymbols:           []string{"AAPL"},
		MockInterval:          10 * time.Millisecond,
		RealtimeChannel:       "operations",
		EstimatorsPath:        "does-not-exist.yaml",
	}
}

type harness struct {
	p      *Pipeline
	clock  *tickingClock
	first  *switchable
	second *switchable
	pub    *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	t.Cleanup(func() { d.Close() })

	h := &harness{
		clock:  &tickingClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)},
		first:  &switchable{name: "svm"},
		second: &switchable{name: "lstm"},
		pub:    &recordingPublisher{},
	}
	logger, _ := test.NewNullLogger()
	h.p, err = New(testConfig(), d, logger, Deps{
		First:     h.first,
		Second:    h.second,
		Publisher: h.pub,
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.p.Close() })
	return h
}

func (h *harness) predict(a, b signal.Prediction) {
	h.first.Set(a)
	h.second.Set(b)
}

func event(user, symbol string) market.Event {
	return market.Event{UserID: user, Symbol: symbol, Price: decimal.NewFromInt(190)}
}

func (h *harness) quantity(t *testing.T, user, symbol string) int64 {
	t.Helper()
	p, err := h.p.Ledger.GetPosition(context.Background(), user, symbol)
	require.NoError(t, err)
	return p.Quantity
}

func TestBuyFlowsToHistoryAndChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.p.Ledger.UpsertQuantity(ctx, "u1", "AAPL", 0))

	h.predict(signal.Buy, signal.Buy)
	out := h.p.Ingest(ctx, event("u1", "AAPL"))
	require.Empty(t, out.Failed)
	require.NoError(t, h.p.Drain(ctx))

	assert.EqualValues(t, 10, h.quantity(t, "u1", "AAPL"))
	recs, err := h.p.Sink.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "buy", recs[0].Action)
	assert.EqualValues(t, 10, recs[0].Quantity)

	require.Equal(t, 1, h.pub.count())
	assert.Equal(t, recs[0], h.pub.records[0])

	for _, q := range h.p.Queues() {
		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth.Visible+depth.InFlight+depth.DeadLetters, q.Name())
	}
}

func TestDisagreementHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.predict(signal.Buy, signal.Hold)
	require.Empty(t, h.p.Ingest(ctx, event("u1", "AAPL")).Failed)
	h.predict(signal.Buy, signal.Sell)
	require.Empty(t, h.p.Ingest(ctx, event("u1", "AAPL")).Failed)
	require.NoError(t, h.p.Drain(ctx))

	depth, err := h.p.Orders.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Visible+depth.InFlight)
	recs, err := h.p.Sink.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRejectedSellIsRetriedThenDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.p.Ledger.UpsertQuantity(ctx, "u1", "AAPL", 5))

	h.predict(signal.Sell, signal.Sell)
	require.Empty(t, h.p.Ingest(ctx, event("u1", "AAPL")).Failed)

	for i := 0; i < 4; i++ {
		require.NoError(t, h.p.Drain(ctx))
		h.clock.Advance(2 * time.Second)
	}

	assert.EqualValues(t, 5, h.quantity(t, "u1", "AAPL"))
	recs, err := h.p.Sink.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	depth, err := h.p.Orders.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth.DeadLetters)
	assert.Zero(t, depth.Visible+depth.InFlight)
}

func TestSameUserIntentsApplyInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.predict(signal.Buy, signal.Buy)
	require.Empty(t, h.p.Ingest(ctx, event("u1", "AAPL"), event("u1", "AAPL")).Failed)
	h.predict(signal.Sell, signal.Sell)
	require.Empty(t, h.p.Ingest(ctx, event("u1", "AAPL")).Failed)
	h.predict(signal.Buy, signal.Buy)
	require.Empty(t, h.p.Ingest(ctx, event("u2", "MSFT")).Failed)
	require.NoError(t, h.p.Drain(ctx))

	assert.EqualValues(t, 10, h.quantity(t, "u1", "AAPL"))
	assert.EqualValues(t, 10, h.quantity(t, "u2", "MSFT"))

	recs, err := h.p.Sink.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"buy", "buy", "sell"}, []string{recs[0].Action, recs[1].Action, recs[2].Action})
}

func TestPublishFailureKeepsDurableHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pub.setFailing(true)

	h.predict(signal.Buy, signal.Buy)
	require.Empty(t, h.p.Ingest(ctx, event("u1", "AAPL")).Failed)
	require.NoError(t, h.p.Drain(ctx))

	recs, err := h.p.Sink.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Zero(t, h.pub.count())
	assert.NotZero(t, h.p.Metrics.Snapshot().Stages["fanout"].Failed)

	h.pub.setFailing(false)
	require.NoError(t, h.p.Drain(ctx))
	assert.Equal(t, 1, h.pub.count())

	recs, err = h.p.Sink.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSeedUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.p.SeedUsers(ctx, []string{"a", "b"}, decimal.NewFromInt(1000)))
	require.NoError(t, h.p.SeedUsers(ctx, []string{"a"}, decimal.NewFromInt(5)))

	sum, err := h.p.Ledger.Summary(ctx, "a")
	require.NoError(t, err)
	assert.True(t, sum.AvailableBalance.Equal(decimal.NewFromInt(1000)))
}

func TestRunWithMockFeed(t *testing.T) {
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	defer d.Close()

	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	p, err := New(testConfig(), d, logger, Deps{
		First:     signal.Fixed{Label: "a", Value: signal.Buy},
		Second:    signal.Fixed{Label: "b", Value: signal.Buy},
		Publisher: pub,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	pos, err := p.Ledger.GetPosition(context.Background(), "demo", "AAPL")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pos.Quantity, int64(20))
	assert.Equal(t, []string{"a", "b"}, p.Estimators())
}

func TestOrderExecutionsRespectConcurrencyCap(t *testing.T) {
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	defer d.Close()

	var inFlight, peak, calls atomic.Int64
	slow := venue.Func(func(context.Context, venue.Order) (venue.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
		return venue.Result{Accepted: true, OrderID: "v"}, nil
	})

	cfg := testConfig()
	logger, _ := test.NewNullLogger()
	p, err := New(cfg, d, logger, Deps{
		First:     signal.Fixed{Label: "a", Value: signal.Buy},
		Second:    signal.Fixed{Label: "b", Value: signal.Buy},
		Venue:     slow,
		Publisher: &recordingPublisher{},
	})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	const users = 8
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("u%d", i)
		require.NoError(t, p.Ledger.UpsertQuantity(ctx, user, "AAPL", 0))
		require.Empty(t, p.Ingest(ctx, event(user, "AAPL")).Failed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.OrderConsumer.Run(runCtx)
	}()
	require.Eventually(t, func() bool { return calls.Load() == users }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.LessOrEqual(t, peak.Load(), int64(cfg.OrderMaxConcurrency))
	assert.GreaterOrEqual(t, peak.Load(), int64(1))
}
