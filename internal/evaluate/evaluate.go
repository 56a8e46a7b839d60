// Package evaluate turns derived metrics into component payouts with an
// execution trace for every evaluation, including zero-payout paths.
package evaluate

import (
	"github.com/sells-group/comp-engine/internal/model"
)

// Notes recorded on zero-payout paths.
const (
	NoteNoTier        = "no tier matched"
	NoteOutOfMatrix   = "value outside matrix bands"
	NoteNoCondition   = "no condition matched"
	NoteMissingData   = "no data for this period"
	NoteDisabled      = "component disabled"
	NoteNoRule        = "component has no rule"
	NoteMalformedCell = "matrix cell missing"
)

// Metrics is one entity's derived metric map. Status is optional; when nil a
// metric is present iff it has a key in Values.
type Metrics struct {
	Values map[string]float64
	Status map[string]model.MetricStatus
}

// NewMetrics wraps a plain metric map.
func NewMetrics(values map[string]float64) Metrics {
	return Metrics{Values: values}
}

// input resolves a metric. Absent metrics read as zero.
func (m Metrics) input(name string) model.TraceInput {
	v, ok := m.Values[name]
	if ok && m.Status != nil && m.Status[name].Missing() {
		ok = false
	}
	in := model.TraceInput{Metric: name, Value: v, Present: ok, Source: "derived"}
	if !ok {
		in.Source = "missing"
		in.Value = 0
	}
	return in
}

// Result is one component's payout and its trace.
type Result struct {
	Value float64
	Trace model.ExecutionTrace
}

// Evaluate computes one component's payout. It never fails: missing metrics
// evaluate as zero and the trace records why.
func Evaluate(m Metrics, c model.Component) Result {
	tr := model.ExecutionTrace{
		ComponentID:   c.ID,
		ComponentName: c.Label(),
		Confidence:    model.Deterministic,
	}
	if c.Rule == nil {
		tr.Note = NoteNoRule
		return Result{Trace: tr}
	}
	tr.Kind = c.Rule.Kind()
	if !c.Enabled {
		tr.Note = NoteDisabled
		return Result{Trace: tr}
	}

	ev := &evaluator{metrics: m, trace: &tr}
	c.Rule.Accept(ev)

	value := ev.value
	if c.Cap != nil && value > *c.Cap {
		tr.Modifiers = append(tr.Modifiers, model.Modifier{Name: "cap", Before: value, After: *c.Cap})
		value = *c.Cap
	}

	for _, in := range tr.Inputs {
		if !in.Present {
			tr.MissingData = true
			break
		}
	}
	if tr.MissingData && value == 0 && tr.Note == "" {
		tr.Note = NoteMissingData
	}
	tr.Outcome = value
	return Result{Value: value, Trace: tr}
}

// EvaluateAll evaluates every enabled component in declaration order and
// returns their traces and the payout total. Disabled components are skipped.
func EvaluateAll(m Metrics, components []model.Component) ([]model.ExecutionTrace, float64) {
	traces := make([]model.ExecutionTrace, 0, len(components))
	var total float64
	for _, c := range components {
		if !c.Enabled {
			continue
		}
		r := Evaluate(m, c)
		traces = append(traces, r.Trace)
		total += r.Value
	}
	return traces, total
}

// evaluator implements model.RuleVisitor. Adding a rule kind breaks this
// type until the kind is handled.
type evaluator struct {
	metrics Metrics
	trace   *model.ExecutionTrace
	value   float64
}

var _ model.RuleVisitor = (*evaluator)(nil)

func (e *evaluator) use(name string) float64 {
	for _, in := range e.trace.Inputs {
		if in.Metric == name {
			return in.Value
		}
	}
	in := e.metrics.input(name)
	e.trace.Inputs = append(e.trace.Inputs, in)
	return in.Value
}

func (e *evaluator) VisitTierLookup(r *model.TierLookup) {
	v := e.use(r.Metric)
	bands := r.Bands()
	idx := Locate(bands, v)
	e.trace.Lookup = &model.LookupResolution{
		RowIndex:    idx,
		ColumnIndex: -1,
		RowLabel:    bandLabel(bands, idx),
		Matched:     idx >= 0,
	}
	if idx < 0 {
		e.trace.Note = NoteNoTier
		return
	}
	e.value = r.Tiers[idx].Value
}

func (e *evaluator) VisitMatrixLookup(r *model.MatrixLookup) {
	rv := e.use(r.RowMetric)
	cv := e.use(r.ColumnMetric)
	ri := Locate(r.RowBands, rv)
	ci := Locate(r.ColumnBands, cv)
	e.trace.Lookup = &model.LookupResolution{
		RowIndex:    ri,
		ColumnIndex: ci,
		RowLabel:    bandLabel(r.RowBands, ri),
		ColumnLabel: bandLabel(r.ColumnBands, ci),
		Matched:     ri >= 0 && ci >= 0,
	}
	if ri < 0 || ci < 0 {
		e.trace.Note = NoteOutOfMatrix
		return
	}
	if ri >= len(r.Values) || ci >= len(r.Values[ri]) {
		e.trace.Lookup.Matched = false
		e.trace.Note = NoteMalformedCell
		return
	}
	e.value = r.Values[ri][ci]
}

func (e *evaluator) VisitPercentage(r *model.Percentage) {
	base := e.use(r.AppliedTo)
	e.value = base * r.Rate
	e.trace.Modifiers = append(e.trace.Modifiers, model.Modifier{Name: "rate", Before: base, After: e.value})
}

// VisitConditionalPercentage tests each condition against its own metric.
// Conditions are independent predicates, not a ladder, so the last one is
// not closed on top.
func (e *evaluator) VisitConditionalPercentage(r *model.ConditionalPercentage) {
	base := e.use(r.AppliedTo)
	lookup := &model.LookupResolution{RowIndex: -1, ColumnIndex: -1}
	e.trace.Lookup = lookup

	for i, cond := range r.Conditions {
		if cond.Band().Contains(e.use(cond.Metric)) {
			lookup.RowIndex = i
			lookup.Matched = true
			e.value = base * cond.Rate
			e.trace.Modifiers = append(e.trace.Modifiers, model.Modifier{Name: "rate", Before: base, After: e.value})
			return
		}
	}
	e.trace.Note = NoteNoCondition
}
