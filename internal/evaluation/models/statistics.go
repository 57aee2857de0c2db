package models

import (
	"cmp"
	"slices"
	"time"
)

// Score is one metric value for one feature and pool.
type Score struct {
	Feature string  `json:"feature"`
	Metric  string  `json:"metric"`
	Pool    string  `json:"pool,omitempty"`
	Value   float64 `json:"value"`
}

// Statistics is a statistics message body.
type Statistics struct {
	Pools  []string `json:"pools,omitempty"`
	Scores []Score  `json:"scores"`
}

// MergeStatistics folds statistics into one message. The result does not
// depend on input order.
func MergeStatistics(items []Statistics) Statistics {
	var merged Statistics
	for _, s := range items {
		merged.Pools = append(merged.Pools, s.Pools...)
		merged.Scores = append(merged.Scores, s.Scores...)
	}

	slices.Sort(merged.Pools)
	merged.Pools = slices.Compact(merged.Pools)
	slices.SortFunc(merged.Scores, func(a, b Score) int {
		return cmp.Or(
			cmp.Compare(a.Feature, b.Feature),
			cmp.Compare(a.Metric, b.Metric),
			cmp.Compare(a.Pool, b.Pool),
			cmp.Compare(a.Value, b.Value),
		)
	})
	return merged
}

// Pair is one left/right observation.
type Pair struct {
	ValidTime time.Time `json:"valid_time"`
	Left      float64   `json:"left"`
	Right     []float64 `json:"right"`
}

// Pairs is a raw pairs message body.
type Pairs struct {
	Feature string `json:"feature"`
	Pool    string `json:"pool,omitempty"`
	Rows    []Pair `json:"rows"`
}
