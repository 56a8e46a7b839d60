package derive

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/comp-engine/internal/model"
)

// Compile validates a rule list and orders it for evaluation.
//
// A later rule for the same metric replaces an earlier one. Ratio rules are
// ordered so every ratio runs after the ratios it depends on; ties keep
// declaration order. Undefined references and dependency cycles are
// configuration errors.
func Compile(rules []model.DerivationRule) (*Program, error) {
	last := make(map[string]int, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Metric) == "" {
			return nil, &model.ConfigurationError{Rule: fmt.Sprintf("derivation_rules[%d]", i), Reason: "metric name is required"}
		}
		last[r.Metric] = i
	}

	p := &Program{defined: make(map[string]bool, len(last))}
	var ratios []compiledRule

	for i, r := range rules {
		if last[r.Metric] != i {
			p.shadowed = append(p.shadowed, r)
			continue
		}
		if r.ScaleFactor != nil && (math.IsNaN(*r.ScaleFactor) || math.IsInf(*r.ScaleFactor, 0)) {
			return nil, &model.ConfigurationError{Rule: r.Metric, Reason: "scale_factor must be finite"}
		}

		cr := compiledRule{rule: r}
		switch r.Operation {
		case model.OpSum, model.OpCount:
			if r.SourcePattern == "" {
				return nil, &model.ConfigurationError{Rule: r.Metric, Reason: "source_pattern is required"}
			}
			if r.Operation == model.OpSum && r.SourceField == "" {
				return nil, &model.ConfigurationError{Rule: r.Metric, Reason: "source_field is required for sum"}
			}
			re, err := compilePattern(r.SourcePattern)
			if err != nil {
				return nil, &model.ConfigurationError{Rule: r.Metric, Reason: fmt.Sprintf("invalid source_pattern: %v", err)}
			}
			cr.pattern = re
			p.aggregates = append(p.aggregates, cr)
		case model.OpRatio:
			if r.NumeratorMetric == "" || r.DenominatorMetric == "" {
				return nil, &model.ConfigurationError{Rule: r.Metric, Reason: "ratio requires numerator_metric and denominator_metric"}
			}
			ratios = append(ratios, cr)
		default:
			return nil, &model.ConfigurationError{Rule: r.Metric, Reason: fmt.Sprintf("unknown operation %q", r.Operation)}
		}
		p.defined[r.Metric] = true
	}

	for _, cr := range ratios {
		for _, dep := range []string{cr.rule.NumeratorMetric, cr.rule.DenominatorMetric} {
			if !p.defined[dep] {
				return nil, &model.ConfigurationError{Rule: cr.rule.Metric, Reason: fmt.Sprintf("references undefined metric %q", dep)}
			}
		}
	}

	ordered, err := orderRatios(ratios)
	if err != nil {
		return nil, err
	}
	p.ratios = ordered
	return p, nil
}

// compilePattern matches data types case-insensitively after NFC folding.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + normalizeDataType(pattern))
}

// orderRatios is Kahn's algorithm over ratio-to-ratio dependencies. Ready
// rules are taken lowest declaration index first so output is deterministic.
func orderRatios(ratios []compiledRule) ([]compiledRule, error) {
	byMetric := make(map[string]int, len(ratios))
	for i, cr := range ratios {
		byMetric[cr.rule.Metric] = i
	}

	indegree := make([]int, len(ratios))
	children := make([][]int, len(ratios))
	for i, cr := range ratios {
		deps := []string{cr.rule.NumeratorMetric}
		if cr.rule.DenominatorMetric != cr.rule.NumeratorMetric {
			deps = append(deps, cr.rule.DenominatorMetric)
		}
		for _, dep := range deps {
			if j, ok := byMetric[dep]; ok {
				indegree[i]++
				children[j] = append(children[j], i)
			}
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]compiledRule, 0, len(ratios))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, ratios[i])
		for _, c := range children[i] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(out) != len(ratios) {
		var cycle []string
		for i, d := range indegree {
			if d > 0 {
				cycle = append(cycle, ratios[i].rule.Metric)
			}
		}
		return nil, &model.ConfigurationError{
			Rule:   cycle[0],
			Reason: fmt.Sprintf("circular ratio dependency among %s", strings.Join(cycle, ", ")),
		}
	}
	return out, nil
}
