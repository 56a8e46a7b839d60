package model

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ComponentKind names a component rule variant.
type ComponentKind string

const (
	KindTierLookup            ComponentKind = "tier_lookup"
	KindMatrixLookup          ComponentKind = "matrix_lookup"
	KindPercentage            ComponentKind = "percentage"
	KindConditionalPercentage ComponentKind = "conditional_percentage"
)

// RuleVisitor handles every component rule kind. Adding a kind to the union
// adds a method here, so every visitor must handle it to compile.
type RuleVisitor interface {
	VisitTierLookup(r *TierLookup)
	VisitMatrixLookup(r *MatrixLookup)
	VisitPercentage(r *Percentage)
	VisitConditionalPercentage(r *ConditionalPercentage)
}

// ComponentRule is the closed union of payout rules. Only types in this
// package implement it.
type ComponentRule interface {
	Kind() ComponentKind
	Accept(v RuleVisitor)
	sealed()
}

// Band is a half-open numeric interval [Min, Max). A nil Max is unbounded.
type Band struct {
	Min   float64  `json:"min" yaml:"min"`
	Max   *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// Upper returns the band's exclusive upper bound, +Inf when unbounded.
func (b Band) Upper() float64 {
	if b.Max == nil {
		return math.Inf(1)
	}
	return *b.Max
}

// Contains reports whether v lies in [Min, Max).
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v < b.Upper()
}

// Limit returns a pointer bound for Band.Max. Infinite values map to nil.
func Limit(v float64) *float64 {
	if math.IsInf(v, 1) {
		return nil
	}
	return &v
}

// Tier maps a band to a payout value.
type Tier struct {
	Band  `yaml:",inline"`
	Value float64 `json:"value" yaml:"value"`
}

// TierLookup pays the value of the tier containing Metric.
type TierLookup struct {
	Metric string `json:"metric" yaml:"metric"`
	Tiers  []Tier `json:"tiers" yaml:"tiers"`
}

// Bands returns the tier ladder as plain bands.
func (r *TierLookup) Bands() []Band {
	out := make([]Band, len(r.Tiers))
	for i, t := range r.Tiers {
		out[i] = t.Band
	}
	return out
}

// MatrixLookup pays Values[row][col] for independently resolved row and column bands.
type MatrixLookup struct {
	RowMetric    string      `json:"row_metric" yaml:"row_metric"`
	ColumnMetric string      `json:"column_metric" yaml:"column_metric"`
	RowBands     []Band      `json:"row_bands" yaml:"row_bands"`
	ColumnBands  []Band      `json:"column_bands" yaml:"column_bands"`
	Values       [][]float64 `json:"values" yaml:"values"`
}

// Percentage pays AppliedTo * Rate.
type Percentage struct {
	AppliedTo string  `json:"applied_to" yaml:"applied_to"`
	Rate      float64 `json:"rate" yaml:"rate"`
}

// Condition selects a rate when Metric lies in [Min, Max).
type Condition struct {
	Metric string   `json:"metric" yaml:"metric"`
	Min    float64  `json:"min" yaml:"min"`
	Max    *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Rate   float64  `json:"rate" yaml:"rate"`
}

// Band returns the condition's interval.
func (c Condition) Band() Band { return Band{Min: c.Min, Max: c.Max} }

// ConditionalPercentage pays AppliedTo times the rate of the first matching condition.
type ConditionalPercentage struct {
	AppliedTo  string      `json:"applied_to" yaml:"applied_to"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

func (*TierLookup) Kind() ComponentKind            { return KindTierLookup }
func (*MatrixLookup) Kind() ComponentKind          { return KindMatrixLookup }
func (*Percentage) Kind() ComponentKind            { return KindPercentage }
func (*ConditionalPercentage) Kind() ComponentKind { return KindConditionalPercentage }

func (r *TierLookup) Accept(v RuleVisitor)            { v.VisitTierLookup(r) }
func (r *MatrixLookup) Accept(v RuleVisitor)          { v.VisitMatrixLookup(r) }
func (r *Percentage) Accept(v RuleVisitor)            { v.VisitPercentage(r) }
func (r *ConditionalPercentage) Accept(v RuleVisitor) { v.VisitConditionalPercentage(r) }

func (*TierLookup) sealed()            {}
func (*MatrixLookup) sealed()          {}
func (*Percentage) sealed()            {}
func (*ConditionalPercentage) sealed() {}

// Component is one payout element of a plan.
type Component struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Enabled bool          `json:"enabled"`
	Cap     *float64      `json:"cap,omitempty"`
	Rule    ComponentRule `json:"-"`
}

// Label returns the component's display name, falling back to its id.
func (c Component) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// ReferencedMetrics lists the metric names a component reads, in rule order.
func (c Component) ReferencedMetrics() []string {
	var m metricCollector
	if c.Rule != nil {
		c.Rule.Accept(&m)
	}
	return m.names
}

type metricCollector struct{ names []string }

func (m *metricCollector) VisitTierLookup(r *TierLookup) { m.names = append(m.names, r.Metric) }
func (m *metricCollector) VisitMatrixLookup(r *MatrixLookup) {
	m.names = append(m.names, r.RowMetric, r.ColumnMetric)
}
func (m *metricCollector) VisitPercentage(r *Percentage) { m.names = append(m.names, r.AppliedTo) }
func (m *metricCollector) VisitConditionalPercentage(r *ConditionalPercentage) {
	m.names = append(m.names, r.AppliedTo)
	for _, c := range r.Conditions {
		m.names = append(m.names, c.Metric)
	}
}

// componentWire is the serialized shape shared by JSON and YAML.
type componentWire struct {
	ID                    string                 `json:"id" yaml:"id"`
	Name                  string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled               *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Cap                   *float64               `json:"cap,omitempty" yaml:"cap,omitempty"`
	Kind                  ComponentKind          `json:"kind" yaml:"kind"`
	TierLookup            *TierLookup            `json:"tier_lookup,omitempty" yaml:"tier_lookup,omitempty"`
	MatrixLookup          *MatrixLookup          `json:"matrix_lookup,omitempty" yaml:"matrix_lookup,omitempty"`
	Percentage            *Percentage            `json:"percentage,omitempty" yaml:"percentage,omitempty"`
	ConditionalPercentage *ConditionalPercentage `json:"conditional_percentage,omitempty" yaml:"conditional_percentage,omitempty"`
}

type wireFiller struct{ w *componentWire }

func (f wireFiller) VisitTierLookup(r *TierLookup)     { f.w.TierLookup = r }
func (f wireFiller) VisitMatrixLookup(r *MatrixLookup) { f.w.MatrixLookup = r }
func (f wireFiller) VisitPercentage(r *Percentage)     { f.w.Percentage = r }
func (f wireFiller) VisitConditionalPercentage(r *ConditionalPercentage) {
	f.w.ConditionalPercentage = r
}

func (c Component) toWire() componentWire {
	enabled := c.Enabled
	w := componentWire{ID: c.ID, Name: c.Name, Enabled: &enabled, Cap: c.Cap}
	if c.Rule != nil {
		w.Kind = c.Rule.Kind()
		c.Rule.Accept(wireFiller{w: &w})
	}
	return w
}

// fromWire rebuilds a component. Enabled defaults to true when omitted.
func (c *Component) fromWire(w componentWire) error {
	c.ID, c.Name, c.Cap = w.ID, w.Name, w.Cap
	c.Enabled = w.Enabled == nil || *w.Enabled

	var rule ComponentRule
	switch w.Kind {
	case KindTierLookup:
		if w.TierLookup != nil {
			rule = w.TierLookup
		}
	case KindMatrixLookup:
		if w.MatrixLookup != nil {
			rule = w.MatrixLookup
		}
	case KindPercentage:
		if w.Percentage != nil {
			rule = w.Percentage
		}
	case KindConditionalPercentage:
		if w.ConditionalPercentage != nil {
			rule = w.ConditionalPercentage
		}
	default:
		return &ConfigurationError{Rule: w.ID, Reason: "unknown component kind " + string(w.Kind)}
	}
	if rule == nil {
		return &ConfigurationError{Rule: w.ID, Reason: "missing " + string(w.Kind) + " body"}
	}
	c.Rule = rule
	return nil
}

func (c Component) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toWire())
}

func (c *Component) UnmarshalJSON(data []byte) error {
	var w componentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return eris.Wrap(err, "model: decode component")
	}
	return c.fromWire(w)
}

func (c Component) MarshalYAML() (any, error) {
	return c.toWire(), nil
}

func (c *Component) UnmarshalYAML(node *yaml.Node) error {
	var w componentWire
	if err := node.Decode(&w); err != nil {
		return eris.Wrap(err, "model: decode component")
	}
	return c.fromWire(w)
}
