package monitor

import "fmt"

// Rule inspects a snapshot and reports whether it should alert.
type Rule interface {
	Name() string
	Check(s MetricsSnapshot) (bool, string)
}

// FailureRatio fires when a stage fails more than Threshold of its items,
// once at least MinItems were seen.
type FailureRatio struct {
	Stage     string
	Threshold float64
	MinItems  uint64
}

func (r FailureRatio) Name() string { return "failure_ratio:" + r.Stage }

func (r FailureRatio) Check(s MetricsSnapshot) (bool, string) {
	st, ok := s.Stages[r.Stage]
	if !ok || st.Items < r.MinItems {
		return false, ""
	}
	if st.FailureRate <= r.Threshold {
		return false, ""
	}
	return true, fmt.Sprintf("stage %s failing %.1f%% of items (%d/%d)", r.Stage, st.FailureRate*100, st.Failed, st.Items)
}

// DefaultRules alert on a sustained failure ratio in every stage.
func DefaultRules() []Rule {
	var rules []Rule
	for _, stage := range []string{"market", "signal", "broker", "history", "fanout"} {
		rules = append(rules, FailureRatio{Stage: stage, Threshold: 0.5, MinItems: 20})
	}
	return rules
}
