package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft-core/internal/batch"
	"hft-core/pkg/db"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *fakeClock) {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	t.Cleanup(func() { d.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	opts.Now = clock.Now
	return New(d, opts), clock
}

func TestSendValidation(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions("orders"))
	ctx := context.Background()

	_, err := q.Send(ctx, Message{GroupID: "u1"})
	require.ErrorIs(t, err, ErrEmptyBody)
	_, err = q.Send(ctx, Message{Body: []byte("x")})
	require.ErrorIs(t, err, ErrGroupRequired)
}

func TestDedupHorizon(t *testing.T) {
	q, clock := newTestQueue(t, DefaultOptions("orders"))
	ctx := context.Background()
	msg := Message{GroupID: "u1", DedupID: "u1-1700000000000", Body: []byte(`{"action":"buy"}`)}

	first, err := q.Send(ctx, msg)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	clock.Advance(4 * time.Minute)
	again, err := q.Send(ctx, msg)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.MessageID, again.MessageID)

	clock.Advance(2 * time.Minute)
	late, err := q.Send(ctx, msg)
	require.NoError(t, err)
	assert.False(t, late.Duplicate)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth.Visible)
}

func TestPerGroupOrderAcrossRedelivery(t *testing.T) {
	q, clock := newTestQueue(t, DefaultOptions("orders"))
	ctx := context.Background()
	for _, body := range []string{"a1", "a2", "a3"} {
		_, err := q.Send(ctx, Message{GroupID: "a", DedupID: body, Body: []byte(body)})
		require.NoError(t, err)
	}

	got, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", string(got[0].Body))

	// a1 is in flight: nothing else from group a may be delivered.
	none, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	clock.Advance(31 * time.Second)
	redelivered, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 3)
	assert.Equal(t, []string{"a1", "a2", "a3"}, bodies(redelivered))
	assert.Equal(t, 2, redelivered[0].ReceiveCount)
}

func TestRetryShortensLease(t *testing.T) {
	q, clock := newTestQueue(t, DefaultOptions("orders"))
	ctx := context.Background()
	_, err := q.Send(ctx, Message{GroupID: "a", Body: []byte("x")})
	require.NoError(t, err)

	got, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, got[0].Receipt, time.Second))

	clock.Advance(2 * time.Second)
	again, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
	calls int
}

func (h *recordingHandler) HandleBatch(_ context.Context, items []batch.Item) batch.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	var out batch.Outcome
	for _, it := range items {
		h.seen = append(h.seen, string(it.Body))
		if h.fail[string(it.Body)] {
			out.Fail(it.ID, errors.New("rejected"))
		}
	}
	return out
}

func TestConsumerAcknowledgesOnlySuccesses(t *testing.T) {
	q, clock := newTestQueue(t, DefaultOptions("history"))
	ctx := context.Background()
	for _, body := range []string{"ok1", "bad", "ok2"} {
		_, err := q.Send(ctx, Message{GroupID: body, Body: []byte(body)})
		require.NoError(t, err)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := &recordingHandler{fail: map[string]bool{"bad": true}}
	c := NewConsumer(q, h, ConsumerConfig{Stage: "history", BatchSize: 5}, logger, nil)

	n, err := c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth.InFlight)
	assert.Equal(t, 0, depth.Visible)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	clock.Advance(time.Minute)
	h.fail = nil
	n, err = c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ok1", "bad", "ok2", "bad"}, h.seen)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth.Visible+depth.InFlight)
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions("orders"))
	logger, _ := test.NewNullLogger()
	h := &recordingHandler{}
	c := NewConsumer(q, h, ConsumerConfig{PollInterval: 5 * time.Millisecond}, logger, nil)

	_, err := q.Send(context.Background(), Message{GroupID: "u1", Body: []byte("m")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.seen) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func bodies(ds []Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Body)
	}
	return out
}
