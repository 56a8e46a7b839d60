package model

// Operation is the aggregation a derivation rule performs.
type Operation string

const (
	OpSum   Operation = "sum"
	OpCount Operation = "count"
	OpRatio Operation = "ratio"
)

// DerivationRule declares how a canonical metric is computed from raw rows
// (sum/count) or from two already-derived metrics (ratio).
type DerivationRule struct {
	Metric            string    `json:"metric" yaml:"metric"`
	Operation         Operation `json:"operation" yaml:"operation"`
	SourcePattern     string    `json:"source_pattern,omitempty" yaml:"source_pattern,omitempty"`
	SourceField       string    `json:"source_field,omitempty" yaml:"source_field,omitempty"`
	NumeratorMetric   string    `json:"numerator_metric,omitempty" yaml:"numerator_metric,omitempty"`
	DenominatorMetric string    `json:"denominator_metric,omitempty" yaml:"denominator_metric,omitempty"`
	ScaleFactor       *float64  `json:"scale_factor,omitempty" yaml:"scale_factor,omitempty"`
}

// Scale returns the rule's scale factor, defaulting to 1.
func (r DerivationRule) Scale() float64 {
	if r.ScaleFactor == nil {
		return 1
	}
	return *r.ScaleFactor
}

// DefaultVariant is the variant name for entities matching no declared variant.
const DefaultVariant = "default"

// PlanVariant is an alternate component list selected by entity attributes.
type PlanVariant struct {
	Name       string            `json:"name" yaml:"name"`
	Selector   map[string]string `json:"selector" yaml:"selector"`
	Components []Component       `json:"components" yaml:"components"`
}

// Matches reports whether every selector attribute equals the entity's attribute.
func (v PlanVariant) Matches(e EntityRef) bool {
	for k, want := range v.Selector {
		if e.Attributes[k] != want {
			return false
		}
	}
	return true
}

// RuleSet is a tenant's derivation rules plus its compensation plan.
type RuleSet struct {
	ID              string           `json:"id" yaml:"id"`
	TenantID        string           `json:"tenant_id" yaml:"tenant_id"`
	Name            string           `json:"name,omitempty" yaml:"name,omitempty"`
	DerivationRules []DerivationRule `json:"derivation_rules" yaml:"derivation_rules"`
	Components      []Component      `json:"components" yaml:"components"`
	Variants        []PlanVariant    `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// ComponentsFor resolves the plan variant for an entity. The first variant
// whose selector matches wins; otherwise the default component list applies.
func (rs *RuleSet) ComponentsFor(e EntityRef) (string, []Component) {
	for _, v := range rs.Variants {
		if len(v.Selector) > 0 && v.Matches(e) {
			return v.Name, v.Components
		}
	}
	return DefaultVariant, rs.Components
}

// Clone returns a deep copy. Runs normalize and read their own copy, so a
// rule set held by a cache or store is never mutated.
func (rs *RuleSet) Clone() *RuleSet {
	if rs == nil {
		return nil
	}
	out := *rs
	out.DerivationRules = make([]DerivationRule, len(rs.DerivationRules))
	for i, r := range rs.DerivationRules {
		r.ScaleFactor = cloneFloat(r.ScaleFactor)
		out.DerivationRules[i] = r
	}
	out.Components = cloneComponents(rs.Components)
	if rs.Variants != nil {
		out.Variants = make([]PlanVariant, len(rs.Variants))
		for i, v := range rs.Variants {
			sel := make(map[string]string, len(v.Selector))
			for k, s := range v.Selector {
				sel[k] = s
			}
			out.Variants[i] = PlanVariant{Name: v.Name, Selector: sel, Components: cloneComponents(v.Components)}
		}
	}
	return &out
}

func cloneComponents(cs []Component) []Component {
	if cs == nil {
		return nil
	}
	out := make([]Component, len(cs))
	for i, c := range cs {
		c.Cap = cloneFloat(c.Cap)
		c.Rule = cloneRule(c.Rule)
		out[i] = c
	}
	return out
}

func cloneRule(r ComponentRule) ComponentRule {
	switch r := r.(type) {
	case *TierLookup:
		tiers := make([]Tier, len(r.Tiers))
		for i, t := range r.Tiers {
			t.Max = cloneFloat(t.Max)
			tiers[i] = t
		}
		return &TierLookup{Metric: r.Metric, Tiers: tiers}
	case *MatrixLookup:
		values := make([][]float64, len(r.Values))
		for i, row := range r.Values {
			values[i] = append([]float64(nil), row...)
		}
		return &MatrixLookup{
			RowMetric:    r.RowMetric,
			ColumnMetric: r.ColumnMetric,
			RowBands:     cloneBands(r.RowBands),
			ColumnBands:  cloneBands(r.ColumnBands),
			Values:       values,
		}
	case *Percentage:
		cp := *r
		return &cp
	case *ConditionalPercentage:
		conds := make([]Condition, len(r.Conditions))
		for i, c := range r.Conditions {
			c.Max = cloneFloat(c.Max)
			conds[i] = c
		}
		return &ConditionalPercentage{AppliedTo: r.AppliedTo, Conditions: conds}
	default:
		return r
	}
}

func cloneBands(bs []Band) []Band {
	out := make([]Band, len(bs))
	for i, b := range bs {
		b.Max = cloneFloat(b.Max)
		out[i] = b
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
