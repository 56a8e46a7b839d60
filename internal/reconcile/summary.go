// Package reconcile aggregates batch traces and compares them against
// externally supplied expected payouts.
package reconcile

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/comp-engine/internal/model"
)

// DefaultOutlierZ is the z-score at or beyond which an entity is an outlier.
const DefaultOutlierZ = 3.0

// zTolerance absorbs float rounding when a z-score lands on the threshold.
const zTolerance = 1e-9

// Summarize aggregates traces using DefaultOutlierZ.
func Summarize(traces []model.EntityTrace) model.Summary {
	return SummarizeWith(traces, DefaultOutlierZ)
}

// SummarizeWith aggregates traces. Failed entities are counted but excluded
// from totals and statistics.
func SummarizeWith(traces []model.EntityTrace, outlierZ float64) model.Summary {
	if outlierZ <= 0 {
		outlierZ = DefaultOutlierZ
	}

	sum := model.Summary{
		EntityCount:     len(traces),
		ComponentTotals: []model.ComponentTotal{},
		Variants:        []model.VariantStat{},
		Outliers:        []model.Outlier{},
	}

	grand := decimal.Zero
	var ok []model.EntityTrace

	compIdx := make(map[string]int)
	compSum := []decimal.Decimal{}
	groups := make(map[string]*groupAcc)
	variants := make(map[string]*groupAcc)

	for _, tr := range traces {
		if tr.Failed() {
			sum.FailedEntities++
			continue
		}
		ok = append(ok, tr)
		total := decimal.NewFromFloat(tr.Total)
		grand = grand.Add(total)

		for _, c := range tr.Components {
			i, seen := compIdx[c.ComponentID]
			if !seen {
				i = len(sum.ComponentTotals)
				compIdx[c.ComponentID] = i
				sum.ComponentTotals = append(sum.ComponentTotals, model.ComponentTotal{
					ComponentID:   c.ComponentID,
					ComponentName: c.ComponentName,
				})
				compSum = append(compSum, decimal.Zero)
			}
			compSum[i] = compSum[i].Add(decimal.NewFromFloat(c.Outcome))
			if c.Outcome != 0 {
				sum.ComponentTotals[i].Count++
			}
		}

		if tr.GroupID != "" {
			accumulate(groups, tr.GroupID, total)
		}
		variant := tr.Variant
		if variant == "" {
			variant = model.DefaultVariant
		}
		accumulate(variants, variant, total)
	}

	for i := range sum.ComponentTotals {
		sum.ComponentTotals[i].Total = compSum[i].InexactFloat64()
	}
	sum.GroupTotals = groupTotals(groups)
	sum.Variants = variantStats(variants)
	sum.GrandTotal = grand.InexactFloat64()

	n := len(ok)
	if n == 0 {
		return sum
	}
	mean := grand.Div(decimal.NewFromInt(int64(n)))
	sum.Average = mean.InexactFloat64()
	sum.Mean = sum.Average

	var sq float64
	for _, tr := range ok {
		d := decimal.NewFromFloat(tr.Total).Sub(mean).InexactFloat64()
		sq += d * d
	}
	sum.StdDev = math.Sqrt(sq / float64(n))
	sum.Outliers = outliers(ok, mean, sum.StdDev, outlierZ)
	return sum
}

// outliers flags entities with |total-mean| >= z*stdDev. Nothing is flagged
// when stdDev is zero.
func outliers(traces []model.EntityTrace, mean decimal.Decimal, stdDev, z float64) []model.Outlier {
	out := []model.Outlier{}
	if stdDev <= 0 {
		return out
	}
	for _, tr := range traces {
		dev := decimal.NewFromFloat(tr.Total).Sub(mean).InexactFloat64()
		score := dev / stdDev
		if math.Abs(score) >= z-zTolerance {
			out = append(out, model.Outlier{EntityID: tr.EntityID, Total: tr.Total, ZScore: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore)
	})
	return out
}

type groupAcc struct {
	total decimal.Decimal
	count int
}

func accumulate(m map[string]*groupAcc, key string, v decimal.Decimal) {
	a, ok := m[key]
	if !ok {
		a = &groupAcc{total: decimal.Zero}
		m[key] = a
	}
	a.total = a.total.Add(v)
	a.count++
}

func sortedKeys(m map[string]*groupAcc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func groupTotals(m map[string]*groupAcc) []model.GroupTotal {
	if len(m) == 0 {
		return nil
	}
	out := make([]model.GroupTotal, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, model.GroupTotal{GroupID: k, Total: m[k].total.InexactFloat64(), Count: m[k].count})
	}
	return out
}

func variantStats(m map[string]*groupAcc) []model.VariantStat {
	out := make([]model.VariantStat, 0, len(m))
	for _, k := range sortedKeys(m) {
		a := m[k]
		avg := a.total.Div(decimal.NewFromInt(int64(a.count)))
		out = append(out, model.VariantStat{
			Variant: k,
			Count:   a.count,
			Total:   a.total.InexactFloat64(),
			Average: avg.InexactFloat64(),
		})
	}
	return out
}
