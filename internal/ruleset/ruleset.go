// Package ruleset loads and validates tenant rule sets.
package ruleset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/comp-engine/internal/derive"
	"github.com/sells-group/comp-engine/internal/model"
)

// LoadFile reads a rule set from a YAML or JSON file (by extension),
// normalizes it and validates it.
func LoadFile(path string) (*model.RuleSet, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "ruleset: read %s", path)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// Parse decodes a rule set document. YAML is assumed unless isJSON.
func Parse(data []byte, isJSON bool) (*model.RuleSet, []string, error) {
	var rs model.RuleSet
	if isJSON {
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, nil, eris.Wrap(err, "ruleset: decode json")
		}
	} else {
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, nil, eris.Wrap(err, "ruleset: decode yaml")
		}
	}
	Normalize(&rs)
	warnings, err := Validate(&rs)
	if err != nil {
		return nil, nil, err
	}
	return &rs, warnings, nil
}

// Normalize replaces infinite upper bounds with nil so the rule set
// serializes as JSON.
func Normalize(rs *model.RuleSet) {
	normalizeComponents(rs.Components)
	for i := range rs.Variants {
		normalizeComponents(rs.Variants[i].Components)
	}
}

func normalizeComponents(cs []model.Component) {
	for i := range cs {
		switch r := cs[i].Rule.(type) {
		case *model.TierLookup:
			for j := range r.Tiers {
				r.Tiers[j].Max = finite(r.Tiers[j].Max)
			}
		case *model.MatrixLookup:
			normalizeBands(r.RowBands)
			normalizeBands(r.ColumnBands)
		case *model.ConditionalPercentage:
			for j := range r.Conditions {
				r.Conditions[j].Max = finite(r.Conditions[j].Max)
			}
		}
		if cs[i].Cap != nil && math.IsInf(*cs[i].Cap, 1) {
			cs[i].Cap = nil
		}
	}
}

func normalizeBands(bs []model.Band) {
	for i := range bs {
		bs[i].Max = finite(bs[i].Max)
	}
}

func finite(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return model.Limit(*p)
}

// Validate checks a rule set for authoring defects. Hard defects return a
// *model.ConfigurationError naming the rule; soft findings, such as a
// component reading a metric no rule derives, are returned as warnings.
func Validate(rs *model.RuleSet) ([]string, error) {
	if strings.TrimSpace(rs.ID) == "" {
		return nil, &model.ConfigurationError{Rule: "rule_set", Reason: "id is required"}
	}
	prog, err := derive.Compile(rs.DerivationRules)
	if err != nil {
		return nil, err
	}

	var warnings []string
	for _, sh := range prog.Shadowed() {
		warnings = append(warnings, fmt.Sprintf("derivation rule for %q is redefined later; the last definition wins", sh.Metric))
	}

	lists := [][]model.Component{rs.Components}
	names := []string{model.DefaultVariant}
	seenVariant := map[string]bool{model.DefaultVariant: true}
	for _, v := range rs.Variants {
		if v.Name == "" || seenVariant[v.Name] {
			return nil, &model.ConfigurationError{Rule: "variant " + v.Name, Reason: "variant name must be unique and non-empty"}
		}
		if len(v.Selector) == 0 {
			return nil, &model.ConfigurationError{Rule: "variant " + v.Name, Reason: "selector is required"}
		}
		seenVariant[v.Name] = true
		lists = append(lists, v.Components)
		names = append(names, v.Name)
	}

	for i, comps := range lists {
		seen := make(map[string]bool, len(comps))
		for _, c := range comps {
			if c.ID == "" {
				return nil, &model.ConfigurationError{Rule: names[i], Reason: "component id is required"}
			}
			if seen[c.ID] {
				return nil, &model.ConfigurationError{Rule: c.ID, Reason: fmt.Sprintf("duplicate component id in variant %s", names[i])}
			}
			seen[c.ID] = true
			if err := validateComponent(c); err != nil {
				return nil, err
			}
			for _, m := range c.ReferencedMetrics() {
				if !prog.Defines(m) {
					warnings = append(warnings, fmt.Sprintf("component %s reads metric %q that no derivation rule defines", c.ID, m))
				}
			}
		}
	}
	return warnings, nil
}

func validateComponent(c model.Component) error {
	if c.Rule == nil {
		return &model.ConfigurationError{Rule: c.ID, Reason: "rule is required"}
	}
	if c.Cap != nil && (math.IsNaN(*c.Cap) || *c.Cap < 0) {
		return &model.ConfigurationError{Rule: c.ID, Reason: "cap must be a non-negative number"}
	}
	v := &validator{id: c.ID}
	c.Rule.Accept(v)
	return v.err
}

// validator checks each rule kind. It keeps the first defect found.
type validator struct {
	id  string
	err error
}

func (v *validator) fail(format string, args ...any) {
	if v.err == nil {
		v.err = &model.ConfigurationError{Rule: v.id, Reason: fmt.Sprintf(format, args...)}
	}
}

func (v *validator) ladder(axis string, bands []model.Band) {
	if len(bands) == 0 {
		v.fail("%s has no bands", axis)
		return
	}
	for i, b := range bands {
		if !isFinite(b.Min) {
			v.fail("%s band %d: min must be finite", axis, i)
			return
		}
		if b.Max != nil && !(*b.Max > b.Min) {
			v.fail("%s band %d: max %v must exceed min %v", axis, i, *b.Max, b.Min)
			return
		}
		if i > 0 && b.Min < bands[i-1].Upper() {
			v.fail("%s band %d overlaps or is out of order (min %v below previous max %v)", axis, i, b.Min, bands[i-1].Upper())
			return
		}
	}
}

func (v *validator) VisitTierLookup(r *model.TierLookup) {
	if r.Metric == "" {
		v.fail("tier_lookup metric is required")
	}
	v.ladder("tiers", r.Bands())
	for i, t := range r.Tiers {
		if !isFinite(t.Value) {
			v.fail("tier %d value must be finite", i)
		}
	}
}

func (v *validator) VisitMatrixLookup(r *model.MatrixLookup) {
	if r.RowMetric == "" || r.ColumnMetric == "" {
		v.fail("matrix_lookup row_metric and column_metric are required")
	}
	v.ladder("row_bands", r.RowBands)
	v.ladder("column_bands", r.ColumnBands)
	if len(r.Values) != len(r.RowBands) {
		v.fail("matrix has %d rows but %d row bands", len(r.Values), len(r.RowBands))
		return
	}
	for i, row := range r.Values {
		if len(row) != len(r.ColumnBands) {
			v.fail("matrix row %d has %d values but %d column bands", i, len(row), len(r.ColumnBands))
			return
		}
		for j, cell := range row {
			if !isFinite(cell) {
				v.fail("matrix cell [%d][%d] must be finite", i, j)
			}
		}
	}
}

func (v *validator) VisitPercentage(r *model.Percentage) {
	if r.AppliedTo == "" {
		v.fail("percentage applied_to is required")
	}
	if !isFinite(r.Rate) {
		v.fail("percentage rate must be finite")
	}
}

func (v *validator) VisitConditionalPercentage(r *model.ConditionalPercentage) {
	if r.AppliedTo == "" {
		v.fail("conditional_percentage applied_to is required")
	}
	if len(r.Conditions) == 0 {
		v.fail("conditional_percentage has no conditions")
	}
	for i, c := range r.Conditions {
		switch {
		case c.Metric == "":
			v.fail("condition %d metric is required", i)
		case !isFinite(c.Min) || !isFinite(c.Rate):
			v.fail("condition %d min and rate must be finite", i)
		case c.Max != nil && !(*c.Max > c.Min):
			v.fail("condition %d max %v must exceed min %v", i, *c.Max, c.Min)
		}
	}
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
