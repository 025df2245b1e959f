package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyHistogramRing(t *testing.T) {
	h := NewLatencyHistogram(4)
	assert.Equal(t, LatencyStats{}, h.Stats())

	for _, v := range []float64{1, 2, 3, 4, 100, 200} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 3.0, s.Min)
	assert.Equal(t, 200.0, s.Max)
	assert.InDelta(t, 76.75, s.Avg, 1e-9)
	assert.Equal(t, s, h.Stats())
}

func TestPipelineMetrics(t *testing.T) {
	m := NewPipelineMetrics()
	m.ObserveBatch("broker", 10, 2, 5*time.Millisecond)
	m.ObserveBatch("broker", 10, 0, 15*time.Millisecond)
	m.ObserveBatch("history", 5, 0, time.Millisecond)
	m.IncrementRejections()

	snap := m.Snapshot()
	require.Contains(t, snap.Stages, "broker")
	b := snap.Stages["broker"]
	assert.EqualValues(t, 2, b.Batches)
	assert.EqualValues(t, 20, b.Items)
	assert.EqualValues(t, 2, b.Failed)
	assert.InDelta(t, 0.1, b.FailureRate, 1e-9)
	assert.Equal(t, 2, b.Latency.Count)
	assert.EqualValues(t, 1, snap.Rejections)
	assert.Len(t, snap.Stages, 2)
}

func TestPipelineMetricsConcurrentStages(t *testing.T) {
	m := NewPipelineMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.ObserveBatch("signal", 1, 0, time.Microsecond)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 800, m.Snapshot().Stages["signal"].Items)
}

type recordingSink struct{ msgs []string }

func (s *recordingSink) Send(msg string) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestMonitorAlertsOncePerEpisode(t *testing.T) {
	m := NewPipelineMetrics()
	sink := &recordingSink{}
	logger, hook := test.NewNullLogger()
	mon := &Monitor{
		Metrics: m,
		Rules:   []Rule{FailureRatio{Stage: "fanout", Threshold: 0.5, MinItems: 4}},
		Sink:    sink,
		Logger:  logger,
	}

	m.ObserveBatch("fanout", 2, 2, time.Millisecond)
	mon.Evaluate()
	assert.Empty(t, sink.msgs, "below MinItems")

	m.ObserveBatch("fanout", 2, 2, time.Millisecond)
	mon.Evaluate()
	mon.Evaluate()
	require.Len(t, sink.msgs, 1)
	assert.Contains(t, sink.msgs[0], "stage fanout failing 100.0% of items (4/4)")

	m.ObserveBatch("fanout", 20, 0, time.Millisecond)
	mon.Evaluate()
	assert.Len(t, sink.msgs, 1)
	assert.Equal(t, "alert cleared", hook.LastEntry().Message)
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	require.NoError(t, LogSink{Logger: logger}.Send("disk full"))
	assert.Equal(t, "disk full", hook.LastEntry().Message)
}
