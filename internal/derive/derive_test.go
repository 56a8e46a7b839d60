package derive

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/comp-engine/internal/model"
)

func ptr(f float64) *float64 { return &f }

func salesRows() []model.Row {
	return []model.Row{
		{DataType: "Optical Sales", EntityID: "e1", Fields: map[string]any{"amount": 600.0}},
		{DataType: "optical sales", EntityID: "e1", Fields: map[string]any{"amount": "1,400"}},
		{DataType: "Sales Goal", EntityID: "e1", Fields: map[string]any{"amount": 2000}},
		{DataType: "Store Visits", EntityID: "e1", Fields: map[string]any{"note": "no amount"}},
	}
}

func attainmentRules() []model.DerivationRule {
	return []model.DerivationRule{
		{Metric: "sales", Operation: model.OpSum, SourcePattern: "^optical sales$", SourceField: "amount"},
		{Metric: "goal", Operation: model.OpSum, SourcePattern: "goal", SourceField: "amount"},
		{Metric: "attainment", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "goal", ScaleFactor: ptr(100)},
	}
}

func TestDerive_SumRatioScale(t *testing.T) {
	got, err := Derive(salesRows(), attainmentRules())
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, got["sales"], 1e-9)
	assert.InDelta(t, 2000.0, got["goal"], 1e-9)
	assert.InDelta(t, 100.0, got["attainment"], 1e-9)
}

func TestDerive_RatioZeroDenominator(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "sales", Operation: model.OpSum, SourcePattern: "optical", SourceField: "amount"},
		{Metric: "goal", Operation: model.OpSum, SourcePattern: "nothing-here", SourceField: "amount"},
		{Metric: "attainment", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "goal"},
	}
	p, err := Compile(rules)
	require.NoError(t, err)

	res := p.Derive(salesRows())
	assert.Equal(t, 0.0, res.Metrics["attainment"])
	assert.Equal(t, model.MetricNoMatchingRows, res.Status["attainment"])
}

func TestDerive_CountIgnoresFieldValues(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "visits", Operation: model.OpCount, SourcePattern: "visits"},
	}
	got, err := Derive(salesRows(), rules)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["visits"])
}

func TestDerive_DistinguishesNoMatchFromMatchedWithoutValues(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "visit_amount", Operation: model.OpSum, SourcePattern: "visits", SourceField: "amount"},
		{Metric: "refunds", Operation: model.OpSum, SourcePattern: "refund", SourceField: "amount"},
	}
	p, err := Compile(rules)
	require.NoError(t, err)

	res := p.Derive(salesRows())
	assert.Equal(t, 0.0, res.Metrics["visit_amount"])
	assert.Equal(t, model.MetricMatchedNoValues, res.Status["visit_amount"])
	assert.Equal(t, 1, res.MatchedRows["visit_amount"])
	assert.Equal(t, 0.0, res.Metrics["refunds"])
	assert.Equal(t, model.MetricNoMatchingRows, res.Status["refunds"])
}

func TestDerive_Idempotent(t *testing.T) {
	p, err := Compile(attainmentRules())
	require.NoError(t, err)
	rows := salesRows()

	first := p.Derive(rows)
	second := p.Derive(rows)
	assert.Equal(t, first, second)
}

func TestDerive_NFCNormalizedDataType(t *testing.T) {
	// Decomposed accent, as some spreadsheet exports write it.
	rows := []model.Row{{DataType: "Cafe\u0301 Sales", Fields: map[string]any{"amount": 10}}}
	rules := []model.DerivationRule{
		{Metric: "cafe", Operation: model.OpSum, SourcePattern: "^café sales$", SourceField: "amount"},
	}
	got, err := Derive(rows, rules)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got["cafe"])
}

func TestCompile_UndefinedReference(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "attainment", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "goal"},
	}
	_, err := Compile(rules)
	require.Error(t, err)
	var ce *model.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "attainment", ce.Rule)
	assert.Contains(t, ce.Reason, "undefined metric")
}

func TestCompile_Cycle(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "base", Operation: model.OpSum, SourcePattern: "x", SourceField: "v"},
		{Metric: "a", Operation: model.OpRatio, NumeratorMetric: "b", DenominatorMetric: "base"},
		{Metric: "b", Operation: model.OpRatio, NumeratorMetric: "a", DenominatorMetric: "base"},
	}
	_, err := Compile(rules)
	require.Error(t, err)
	assert.True(t, model.IsConfiguration(err))
	assert.Contains(t, err.Error(), "circular")
}

func TestCompile_SelfReferenceIsCycle(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "a", Operation: model.OpRatio, NumeratorMetric: "a", DenominatorMetric: "a"},
	}
	_, err := Compile(rules)
	assert.True(t, model.IsConfiguration(err))
}

func TestCompile_RatioOrderIndependentOfDeclaration(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "pct", Operation: model.OpRatio, NumeratorMetric: "attainment", DenominatorMetric: "one", ScaleFactor: ptr(100)},
		{Metric: "attainment", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "goal"},
		{Metric: "sales", Operation: model.OpSum, SourcePattern: "^optical sales$", SourceField: "amount"},
		{Metric: "goal", Operation: model.OpSum, SourcePattern: "goal", SourceField: "amount"},
		{Metric: "one", Operation: model.OpRatio, NumeratorMetric: "goal", DenominatorMetric: "goal"},
	}
	got, err := Derive(salesRows(), rules)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got["attainment"], 1e-9)
	assert.InDelta(t, 100.0, got["pct"], 1e-9)
}

func TestCompile_LastDefinitionWins(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "sales", Operation: model.OpCount, SourcePattern: "optical"},
		{Metric: "sales", Operation: model.OpSum, SourcePattern: "optical", SourceField: "amount"},
	}
	p, err := Compile(rules)
	require.NoError(t, err)
	require.Len(t, p.Shadowed(), 1)
	assert.Equal(t, model.OpCount, p.Shadowed()[0].Operation)

	res := p.Derive(salesRows())
	assert.Equal(t, 2000.0, res.Metrics["sales"])
}

func TestProgram_Metrics(t *testing.T) {
	p, err := Compile(attainmentRules())
	require.NoError(t, err)
	assert.Equal(t, []string{"attainment", "goal", "sales"}, p.Metrics())
	assert.True(t, p.Defines("goal"))
	assert.False(t, p.Defines("margin"))
}

func TestCompile_InvalidPattern(t *testing.T) {
	rules := []model.DerivationRule{
		{Metric: "sales", Operation: model.OpSum, SourcePattern: "([", SourceField: "amount"},
	}
	_, err := Compile(rules)
	assert.True(t, model.IsConfiguration(err))
}

func TestCompile_UnknownOperation(t *testing.T) {
	_, err := Compile([]model.DerivationRule{{Metric: "m", Operation: "median", SourcePattern: "x"}})
	assert.True(t, model.IsConfiguration(err))
}

func TestNumeric(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{12.5, 12.5, true},
		{int64(3), 3, true},
		{"$1,234.50", 1234.5, true},
		{"87%", 87, true},
		{"(40)", -40, true},
		{"", 0, false},
		{"n/a", 0, false},
		{true, 0, false},
		{nil, 0, false},
		{"NaN", 0, false},
	}
	for _, tt := range tests {
		got, ok := numeric(tt.in)
		assert.Equal(t, tt.ok, ok, "input %v", tt.in)
		assert.Equal(t, tt.want, got, "input %v", tt.in)
	}
}
