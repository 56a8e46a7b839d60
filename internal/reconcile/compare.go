package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/comp-engine/internal/model"
)

// Default equality tolerances in currency units. Differences strictly below
// the tolerance count as equal.
const (
	DefaultTotalEpsilon     = 0.01
	DefaultComponentEpsilon = 0.01
)

// Class is the reconciliation outcome for one entity.
type Class string

const (
	// TrueMatch: totals agree and so does every supplied component.
	TrueMatch Class = "true_match"
	// CoincidentalMatch: totals agree but the component breakdown does not.
	CoincidentalMatch Class = "coincidental_match"
	// Mismatch: totals disagree.
	Mismatch Class = "mismatch"
)

// Options configures Compare. Zero values use the defaults.
type Options struct {
	TotalEpsilon     float64
	ComponentEpsilon float64
}

func (o Options) withDefaults() Options {
	if o.TotalEpsilon <= 0 {
		o.TotalEpsilon = DefaultTotalEpsilon
	}
	if o.ComponentEpsilon <= 0 {
		o.ComponentEpsilon = DefaultComponentEpsilon
	}
	return o
}

// ComponentDiff is one component's computed and expected payout.
type ComponentDiff struct {
	ComponentID string  `json:"component_id"`
	Computed    float64 `json:"computed"`
	Expected    float64 `json:"expected"`
	Difference  float64 `json:"difference"`
	Agrees      bool    `json:"agrees"`
}

// EntityComparison is one entity's reconciliation result.
type EntityComparison struct {
	EntityID      string          `json:"entity_id"`
	Class         Class           `json:"class"`
	ComputedTotal float64         `json:"computed_total"`
	ExpectedTotal float64         `json:"expected_total"`
	Difference    float64         `json:"difference"`
	Components    []ComponentDiff `json:"components,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Report is the outcome of comparing a batch to ground truth.
type Report struct {
	TotalEpsilon        float64            `json:"total_epsilon"`
	ComponentEpsilon    float64            `json:"component_epsilon"`
	TrueMatches         int                `json:"true_matches"`
	CoincidentalMatches int                `json:"coincidental_matches"`
	Mismatches          int                `json:"mismatches"`
	Entities            []EntityComparison `json:"entities"`
	// MissingComputed lists ground-truth entities with no trace in the batch.
	MissingComputed []string `json:"missing_computed,omitempty"`
	// MissingExpected lists computed entities absent from the ground truth.
	MissingExpected []string `json:"missing_expected,omitempty"`
}

// MatchRate is the share of compared entities classified as true matches.
func (r *Report) MatchRate() float64 {
	n := len(r.Entities)
	if n == 0 {
		return 0
	}
	return float64(r.TrueMatches) / float64(n)
}

// Compare joins traces and ground truth on entity id and classifies each
// entity present on both sides. Output is ordered by entity id.
func Compare(traces []model.EntityTrace, truths []model.GroundTruth, opts Options) Report {
	opts = opts.withDefaults()
	rep := Report{
		TotalEpsilon:     opts.TotalEpsilon,
		ComponentEpsilon: opts.ComponentEpsilon,
		Entities:         []EntityComparison{},
	}

	byEntity := make(map[string]model.EntityTrace, len(traces))
	for _, tr := range traces {
		byEntity[tr.EntityID] = tr
	}
	expected := make(map[string]bool, len(truths))

	for _, gt := range truths {
		expected[gt.EntityID] = true
		tr, ok := byEntity[gt.EntityID]
		if !ok {
			rep.MissingComputed = append(rep.MissingComputed, gt.EntityID)
			continue
		}
		ec := compareEntity(tr, gt, opts)
		switch ec.Class {
		case TrueMatch:
			rep.TrueMatches++
		case CoincidentalMatch:
			rep.CoincidentalMatches++
		default:
			rep.Mismatches++
		}
		rep.Entities = append(rep.Entities, ec)
	}
	for _, tr := range traces {
		if !expected[tr.EntityID] {
			rep.MissingExpected = append(rep.MissingExpected, tr.EntityID)
		}
	}

	sort.Slice(rep.Entities, func(i, j int) bool { return rep.Entities[i].EntityID < rep.Entities[j].EntityID })
	sort.Strings(rep.MissingComputed)
	sort.Strings(rep.MissingExpected)
	return rep
}

func compareEntity(tr model.EntityTrace, gt model.GroundTruth, opts Options) EntityComparison {
	diff, agrees := within(tr.Total, gt.ExpectedTotal, opts.TotalEpsilon)
	ec := EntityComparison{
		EntityID:      tr.EntityID,
		ComputedTotal: tr.Total,
		ExpectedTotal: gt.ExpectedTotal,
		Difference:    diff,
		Error:         tr.Error,
	}
	if tr.Failed() || !agrees {
		ec.Class = Mismatch
		return ec
	}
	if len(gt.ExpectedComponents) == 0 {
		ec.Class = TrueMatch
		return ec
	}

	ec.Class = TrueMatch
	for _, id := range componentKeys(tr, gt) {
		var computed float64
		if c, ok := tr.Component(id); ok {
			computed = c.Outcome
		}
		d, ok := within(computed, gt.ExpectedComponents[id], opts.ComponentEpsilon)
		ec.Components = append(ec.Components, ComponentDiff{
			ComponentID: id,
			Computed:    computed,
			Expected:    gt.ExpectedComponents[id],
			Difference:  d,
			Agrees:      ok,
		})
		if !ok {
			ec.Class = CoincidentalMatch
		}
	}
	return ec
}

// componentKeys is the union of expected component keys and computed
// components with a non-zero payout, sorted.
func componentKeys(tr model.EntityTrace, gt model.GroundTruth) []string {
	seen := make(map[string]bool)
	var keys []string
	for id := range gt.ExpectedComponents {
		seen[id] = true
		keys = append(keys, id)
	}
	for _, c := range tr.Components {
		if c.Outcome == 0 || seen[c.ComponentID] || seen[c.ComponentName] {
			continue
		}
		seen[c.ComponentID] = true
		keys = append(keys, c.ComponentID)
	}
	sort.Strings(keys)
	return keys
}

// within returns computed-expected and whether its magnitude is below eps.
func within(computed, expected, eps float64) (float64, bool) {
	d := decimal.NewFromFloat(computed).Sub(decimal.NewFromFloat(expected))
	return d.InexactFloat64(), d.Abs().LessThan(decimal.NewFromFloat(eps))
}
