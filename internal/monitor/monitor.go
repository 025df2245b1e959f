package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"hft-core/internal/events"
)

// Monitor counts rejections from the bus and evaluates alert rules periodically.
// A rule alerts once when it starts firing and again only after it cleared.
type Monitor struct {
	Bus      *events.Bus
	Metrics  *PipelineMetrics
	Rules    []Rule
	Sink     AlertSink
	Interval time.Duration
	Logger   *logrus.Logger

	firing map[string]bool
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Metrics == nil || m.Sink == nil {
		if m.Logger != nil {
			m.Logger.Warn("monitor not fully configured; skipping")
		}
		return
	}
	if m.Interval <= 0 {
		m.Interval = 10 * time.Second
	}
	m.firing = make(map[string]bool)

	var rejected <-chan any
	unsub := func() {}
	if m.Bus != nil {
		rejected, unsub = m.Bus.Subscribe(events.EventExecutionRejected, 100)
	}

	go func() {
		defer unsub()
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-rejected:
				if !ok {
					rejected = nil
					continue
				}
				m.Metrics.IncrementRejections()
			case <-t.C:
				m.Evaluate()
			}
		}
	}()
}

// Evaluate checks every rule against the current snapshot.
func (m *Monitor) Evaluate() {
	if m.firing == nil {
		m.firing = make(map[string]bool)
	}
	snap := m.Metrics.Snapshot()
	for _, r := range m.Rules {
		fire, msg := r.Check(snap)
		switch {
		case fire && !m.firing[r.Name()]:
			if err := m.Sink.Send("[" + snap.Timestamp.Format(time.RFC3339) + "] " + msg); err != nil && m.Logger != nil {
				m.Logger.WithError(err).Error("alert delivery failed")
			}
		case !fire && m.firing[r.Name()] && m.Logger != nil:
			m.Logger.WithField("rule", r.Name()).Info("alert cleared")
		}
		m.firing[r.Name()] = fire
	}
}
