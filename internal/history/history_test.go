package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft-core/internal/batch"
	"hft-core/internal/events"
	"hft-core/pkg/db"
)

var base = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	t.Cleanup(func() { d.Close() })
	return d
}

func record(user string, offset time.Duration) db.ExecutionRecord {
	return db.ExecutionRecord{UserID: user, Symbol: "AAPL", Action: "buy", Quantity: 10, ExecutedAt: base.Add(offset)}
}

func item(t *testing.T, id string, rec db.ExecutionRecord) batch.Item {
	t.Helper()
	body, err := json.Marshal(rec)
	require.NoError(t, err)
	return batch.Item{ID: id, Key: rec.UserID, Body: body}
}

// scriptedPublisher fails while failing is set and records what it delivered.
type scriptedPublisher struct {
	mu        sync.Mutex
	failing   bool
	delivered []db.ExecutionRecord
	channels  []string
}

func (p *scriptedPublisher) Publish(_ context.Context, channel string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("appsync unavailable")
	}
	p.delivered = append(p.delivered, payload.(db.ExecutionRecord))
	p.channels = append(p.channels, channel)
	return nil
}

func TestSink(t *testing.T) {
	ctx := context.Background()
	s := NewSink(newTestDB(t), nil)

	inserted, err := s.Record(ctx, record("u1", time.Second))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Record(ctx, record("u1", time.Second))
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = s.Record(ctx, db.ExecutionRecord{UserID: "u1"})
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = s.Record(ctx, record("u1", 0))
	require.NoError(t, err)
	list, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].ExecutedAt.Before(list[1].ExecutedAt))
}

func TestProcessorHandleBatch(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	logger, _ := test.NewNullLogger()
	bus := events.NewBus()
	recorded, unsub := bus.Subscribe(events.EventHistoryRecorded, 10)
	defer unsub()
	p := NewProcessor(NewSink(d, nil), logger, nil, bus)

	out := p.HandleBatch(ctx, []batch.Item{
		item(t, "m1", record("u1", 0)),
		{ID: "m2", Body: []byte("nope")},
		item(t, "m3", record("u2", 0)),
		item(t, "m4", record("u1", 0)), // redelivered duplicate
	})
	assert.Equal(t, []string{"m2"}, out.Failed)
	require.ErrorIs(t, out.Errors["m2"], ErrInvalidRecord)
	assert.Len(t, recorded, 2)

	changes, err := d.ReadChanges(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

func TestFanoutPublishesInOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewSink(d, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, record("u1", time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	logger, _ := test.NewNullLogger()
	pub := &scriptedPublisher{}
	f := NewFanout(d, pub, FanoutConfig{Channel: "operations", BatchSize: 2}, logger, nil, nil)

	out, n, err := f.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, out.Failed)

	_, n, err = f.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, n, err = f.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, pub.delivered, 3)
	for i, rec := range pub.delivered {
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), rec.ExecutedAt)
	}
	assert.Equal(t, []string{"operations", "operations", "operations"}, pub.channels)
}

func TestFanoutFailureKeepsDurableRecord(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewSink(d, nil)
	rec := record("u1", 0)
	_, err := s.Record(ctx, rec)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	pub := &scriptedPublisher{failing: true}
	f := NewFanout(d, pub, FanoutConfig{}, logger, nil, nil)

	out, _, err := f.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, out.Failed, 1)

	got, err := d.GetExecution(ctx, "u1", rec.ExecutedAt)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	seq, err := d.GetCheckpoint(ctx, "fanout")
	require.NoError(t, err)
	assert.Zero(t, seq)

	pub.failing = false
	out, n, err := f.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, out.Failed)
	require.Len(t, pub.delivered, 1)

	list, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFanoutStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	s := NewSink(d, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, record("u1", time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	logger, _ := test.NewNullLogger()
	calls := 0
	pub := publishFunc(func(context.Context, string, any) error {
		calls++
		if calls == 2 {
			return errors.New("timeout")
		}
		return nil
	})
	f := NewFanout(d, pub, FanoutConfig{}, logger, nil, nil)

	out, n, err := f.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"2", "3"}, out.Failed)
	require.ErrorIs(t, out.Errors["3"], batch.ErrPredecessorFailed)
	assert.Equal(t, 2, calls)

	seq, err := d.GetCheckpoint(ctx, "fanout")
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)
}

type publishFunc func(ctx context.Context, channel string, payload any) error

func (f publishFunc) Publish(ctx context.Context, channel string, payload any) error {
	return f(ctx, channel, payload)
}

func TestFanoutRunStopsOnCancel(t *testing.T) {
	d := newTestDB(t)
	logger, _ := test.NewNullLogger()
	f := NewFanout(d, &scriptedPublisher{}, FanoutConfig{PollInterval: 5 * time.Millisecond}, logger, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fanout did not stop")
	}
}
