// Package trajectory computes distance and incremental payout to the next tier.
package trajectory

import (
	"math"
	"sort"

	"github.com/sells-group/comp-engine/internal/evaluate"
	"github.com/sells-group/comp-engine/internal/model"
)

// Compute returns the trajectory from current to the next band of a ladder.
// values[i] is the payout of bands[i]. It reports false when current is
// already in the top band or the next band is not above current.
func Compute(bands []model.Band, values []float64, current, currentPayout float64) (model.Trajectory, bool) {
	if len(bands) == 0 || len(values) != len(bands) || math.IsNaN(current) {
		return model.Trajectory{}, false
	}

	cur := evaluate.Locate(bands, current)
	if cur == len(bands)-1 {
		return model.Trajectory{}, false
	}
	next := cur + 1
	threshold := bands[next].Min
	distance := threshold - current
	if distance <= 0 {
		return model.Trajectory{}, false
	}

	var progress float64
	switch {
	case cur >= 0:
		span := threshold - bands[cur].Min
		if span > 0 {
			progress = (current - bands[cur].Min) / span * 100
		}
	case threshold > 0:
		progress = current / threshold * 100
	}

	return model.Trajectory{
		CurrentValue:      current,
		CurrentTier:       cur,
		NextTier:          next,
		NextTierThreshold: threshold,
		DistanceToNext:    distance,
		CurrentPayout:     currentPayout,
		NextPayout:        values[next],
		IncrementalValue:  values[next] - currentPayout,
		ProgressPercent:   clamp(progress, 0, 100),
	}, true
}

// ForComponent builds the trajectory for a tier lookup, or for a matrix
// lookup along its row axis with the column held at its current band.
// Percentage kinds have no ladder.
func ForComponent(m evaluate.Metrics, c model.Component, currentPayout float64) (model.Trajectory, bool) {
	if c.Rule == nil || !c.Enabled {
		return model.Trajectory{}, false
	}
	l := &ladder{metrics: m}
	c.Rule.Accept(l)
	if !l.ok {
		return model.Trajectory{}, false
	}

	values := l.values
	if c.Cap != nil {
		values = make([]float64, len(l.values))
		for i, v := range l.values {
			values[i] = math.Min(v, *c.Cap)
		}
	}

	t, ok := Compute(l.bands, values, l.current, currentPayout)
	if !ok {
		return model.Trajectory{}, false
	}
	t.ComponentID = c.ID
	t.ComponentName = c.Label()
	return t, true
}

// ForEntity computes trajectories for every enabled component, using each
// component's evaluated outcome as its current payout, and picks the best.
func ForEntity(m evaluate.Metrics, components []model.Component, traces []model.ExecutionTrace) ([]model.Trajectory, *model.Trajectory) {
	payout := make(map[string]float64, len(traces))
	for _, tr := range traces {
		payout[tr.ComponentID] = tr.Outcome
	}

	var out []model.Trajectory
	for _, c := range components {
		if t, ok := ForComponent(m, c, payout[c.ID]); ok {
			out = append(out, t)
		}
	}
	return out, Best(out)
}

// Best returns the trajectory with the largest incremental value. Ties keep
// the earliest one. It returns nil for an empty slice.
func Best(ts []model.Trajectory) *model.Trajectory {
	if len(ts) == 0 {
		return nil
	}
	sorted := make([]model.Trajectory, len(ts))
	copy(sorted, ts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].IncrementalValue > sorted[j].IncrementalValue
	})
	best := sorted[0]
	return &best
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ladder extracts a band ladder from a component rule.
type ladder struct {
	metrics evaluate.Metrics
	bands   []model.Band
	values  []float64
	current float64
	ok      bool
}

func (l *ladder) VisitTierLookup(r *model.TierLookup) {
	l.bands = r.Bands()
	l.values = make([]float64, len(r.Tiers))
	for i, t := range r.Tiers {
		l.values[i] = t.Value
	}
	l.current = l.metrics.Values[r.Metric]
	l.ok = len(r.Tiers) > 0
}

func (l *ladder) VisitMatrixLookup(r *model.MatrixLookup) {
	ci := evaluate.Locate(r.ColumnBands, l.metrics.Values[r.ColumnMetric])
	if ci < 0 || len(r.Values) != len(r.RowBands) {
		return
	}
	l.values = make([]float64, len(r.RowBands))
	for i, row := range r.Values {
		if ci >= len(row) {
			return
		}
		l.values[i] = row[ci]
	}
	l.bands = r.RowBands
	l.current = l.metrics.Values[r.RowMetric]
	l.ok = len(r.RowBands) > 0
}

func (l *ladder) VisitPercentage(*model.Percentage) {}

func (l *ladder) VisitConditionalPercentage(*model.ConditionalPercentage) {}
