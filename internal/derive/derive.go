// Package derive binds heterogeneously shaped imported rows to canonical metric names.
package derive

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/comp-engine/internal/model"
)

// Result is the outcome of deriving one entity's metrics.
type Result struct {
	Metrics     map[string]float64
	Status      map[string]model.MetricStatus
	MatchedRows map[string]int
}

// Derive compiles rules and evaluates them over one entity's rows. Callers
// deriving many entities should Compile once and reuse the Program.
func Derive(rows []model.Row, rules []model.DerivationRule) (map[string]float64, error) {
	p, err := Compile(rules)
	if err != nil {
		return nil, err
	}
	return p.Derive(rows).Metrics, nil
}

type compiledRule struct {
	rule    model.DerivationRule
	pattern *regexp.Regexp
}

// Program is a validated, ordered rule set. It holds no mutable state and is
// safe for concurrent use.
type Program struct {
	aggregates []compiledRule // sum and count, declaration order
	ratios     []compiledRule // dependency order
	shadowed   []model.DerivationRule
	defined    map[string]bool
}

// Shadowed returns rules overridden by a later rule with the same metric name.
func (p *Program) Shadowed() []model.DerivationRule { return p.shadowed }

// Defines reports whether the program derives the named metric.
func (p *Program) Defines(metric string) bool { return p.defined[metric] }

// Metrics returns the names of every derived metric, sorted.
func (p *Program) Metrics() []string {
	out := make([]string, 0, len(p.defined))
	for m := range p.defined {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Derive evaluates aggregate rules first, then ratio rules in dependency order.
func (p *Program) Derive(rows []model.Row) Result {
	res := Result{
		Metrics:     make(map[string]float64, len(p.aggregates)+len(p.ratios)),
		Status:      make(map[string]model.MetricStatus, len(p.aggregates)+len(p.ratios)),
		MatchedRows: make(map[string]int, len(p.aggregates)),
	}

	dataTypes := make([]string, len(rows))
	for i, r := range rows {
		dataTypes[i] = normalizeDataType(r.DataType)
	}

	for _, cr := range p.aggregates {
		var (
			matched int
			valued  int
			sum     float64
		)
		for i, row := range rows {
			if !cr.pattern.MatchString(dataTypes[i]) {
				continue
			}
			matched++
			if cr.rule.Operation == model.OpSum {
				if v, ok := numeric(row.Fields[cr.rule.SourceField]); ok {
					sum += v
					valued++
				}
			}
		}

		var value float64
		status := model.MetricMatched
		switch {
		case matched == 0:
			status = model.MetricNoMatchingRows
		case cr.rule.Operation == model.OpCount:
			value = float64(matched)
		case valued == 0:
			status = model.MetricMatchedNoValues
		default:
			value = sum
		}
		if cr.rule.ScaleFactor != nil {
			value *= cr.rule.Scale()
		}

		res.Metrics[cr.rule.Metric] = value
		res.Status[cr.rule.Metric] = status
		res.MatchedRows[cr.rule.Metric] = matched
	}

	for _, cr := range p.ratios {
		num := res.Metrics[cr.rule.NumeratorMetric]
		den := res.Metrics[cr.rule.DenominatorMetric]

		var value float64
		if den != 0 {
			value = num / den * cr.rule.Scale()
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			value = 0
		}

		res.Metrics[cr.rule.Metric] = value
		res.Status[cr.rule.Metric] = ratioStatus(
			res.Status[cr.rule.NumeratorMetric],
			res.Status[cr.rule.DenominatorMetric],
		)
	}

	return res
}

// ratioStatus reports the weakest status of the two inputs.
func ratioStatus(num, den model.MetricStatus) model.MetricStatus {
	switch {
	case num == model.MetricNoMatchingRows || den == model.MetricNoMatchingRows:
		return model.MetricNoMatchingRows
	case num == model.MetricMatchedNoValues || den == model.MetricMatchedNoValues:
		return model.MetricMatchedNoValues
	default:
		return model.MetricMatched
	}
}

// normalizeDataType folds sheet names to NFC so decomposed accents from
// spreadsheet exports match composed patterns.
func normalizeDataType(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
