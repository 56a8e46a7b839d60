package trajectory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/comp-engine/internal/derive"
	"github.com/sells-group/comp-engine/internal/evaluate"
	"github.com/sells-group/comp-engine/internal/model"
)

func attainmentComponent() model.Component {
	return model.Component{
		ID:      "attain",
		Name:    "Attainment Bonus",
		Enabled: true,
		Rule: &model.TierLookup{
			Metric: "attainment",
			Tiers: []model.Tier{
				{Band: model.Band{Min: 0, Max: model.Limit(80)}, Value: 0},
				{Band: model.Band{Min: 80, Max: model.Limit(100)}, Value: 5000},
				{Band: model.Band{Min: 100}, Value: 10000},
			},
		},
	}
}

func TestEndToEnd_Attainment87(t *testing.T) {
	scale := 100.0
	rows := []model.Row{
		{DataType: "Sales", Fields: map[string]any{"amount": 87}},
		{DataType: "Goals", Fields: map[string]any{"amount": 100}},
	}
	rules := []model.DerivationRule{
		{Metric: "sales", Operation: model.OpSum, SourcePattern: "^sales$", SourceField: "amount"},
		{Metric: "goal", Operation: model.OpSum, SourcePattern: "^goals$", SourceField: "amount"},
		{Metric: "attainment", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "goal", ScaleFactor: &scale},
	}
	derived, err := derive.Derive(rows, rules)
	require.NoError(t, err)
	require.InDelta(t, 87.0, derived["attainment"], 1e-9)

	m := evaluate.NewMetrics(derived)
	c := attainmentComponent()
	res := evaluate.Evaluate(m, c)
	assert.Equal(t, 5000.0, res.Value)

	tr, ok := ForComponent(m, c, res.Value)
	require.True(t, ok)
	assert.Equal(t, 100.0, tr.NextTierThreshold)
	assert.InDelta(t, 13.0, tr.DistanceToNext, 1e-9)
	assert.Equal(t, 5000.0, tr.IncrementalValue)
	assert.InDelta(t, 35.0, tr.ProgressPercent, 1e-9)
	assert.Equal(t, 1, tr.CurrentTier)
	assert.Equal(t, "attain", tr.ComponentID)
}

func TestCompute_TopTierIsAbsent(t *testing.T) {
	c := attainmentComponent()
	_, ok := ForComponent(evaluate.NewMetrics(map[string]float64{"attainment": 150}), c, 10000)
	assert.False(t, ok)
}

func TestCompute_BelowFirstTier(t *testing.T) {
	bands := []model.Band{{Min: 50, Max: model.Limit(100)}, {Min: 100}}
	tr, ok := Compute(bands, []float64{10, 20}, 25, 0)
	require.True(t, ok)
	assert.Equal(t, -1, tr.CurrentTier)
	assert.Equal(t, 0, tr.NextTier)
	assert.Equal(t, 25.0, tr.DistanceToNext)
	assert.Equal(t, 50.0, tr.ProgressPercent)
	assert.Equal(t, 10.0, tr.IncrementalValue)
}

func TestCompute_NonPositiveDistanceFiltered(t *testing.T) {
	// Overlapping ladder: 95 sits in band 0 but band 1 starts at 90.
	bands := []model.Band{{Min: 0, Max: model.Limit(100)}, {Min: 90}}
	_, ok := Compute(bands, []float64{1, 2}, 95, 1)
	assert.False(t, ok)
}

func TestForComponent_MatrixRowAxis(t *testing.T) {
	c := model.Component{
		ID:      "store",
		Enabled: true,
		Rule: &model.MatrixLookup{
			RowMetric:    "attainment",
			ColumnMetric: "volume",
			RowBands:     []model.Band{{Min: 0, Max: model.Limit(100)}, {Min: 100}},
			ColumnBands:  []model.Band{{Min: 0, Max: model.Limit(50000)}, {Min: 50000}},
			Values:       [][]float64{{0, 100}, {200, 400}},
		},
	}
	m := evaluate.NewMetrics(map[string]float64{"attainment": 90, "volume": 60000})

	tr, ok := ForComponent(m, c, 100)
	require.True(t, ok)
	assert.Equal(t, 400.0, tr.NextPayout)
	assert.Equal(t, 300.0, tr.IncrementalValue)
	assert.Equal(t, 10.0, tr.DistanceToNext)
}

func TestForComponent_PercentageHasNoLadder(t *testing.T) {
	c := model.Component{ID: "p", Enabled: true, Rule: &model.Percentage{AppliedTo: "sales", Rate: 0.1}}
	_, ok := ForComponent(evaluate.NewMetrics(map[string]float64{"sales": 10}), c, 1)
	assert.False(t, ok)
}

func TestBest_StableOnTies(t *testing.T) {
	ts := []model.Trajectory{
		{ComponentID: "a", IncrementalValue: 100},
		{ComponentID: "b", IncrementalValue: 300},
		{ComponentID: "c", IncrementalValue: 300},
	}
	best := Best(ts)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.ComponentID)
	assert.Equal(t, "a", ts[0].ComponentID)
	assert.Nil(t, Best(nil))
}

func TestForEntity_UsesEvaluatedPayouts(t *testing.T) {
	comps := []model.Component{attainmentComponent()}
	m := evaluate.NewMetrics(map[string]float64{"attainment": 87})
	traces, _ := evaluate.EvaluateAll(m, comps)

	ts, best := ForEntity(m, comps, traces)
	require.Len(t, ts, 1)
	require.NotNil(t, best)
	assert.Equal(t, 5000.0, best.CurrentPayout)
}
