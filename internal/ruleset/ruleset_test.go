package ruleset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/comp-engine/internal/model"
)

func TestLoadFile_Example(t *testing.T) {
	rs, warnings, err := LoadFile(filepath.Join("testdata", "optical.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "optical-2026", rs.ID)
	require.Len(t, rs.DerivationRules, 4)
	require.Len(t, rs.Components, 4)
	assert.False(t, rs.Components[3].Enabled)
	require.NotNil(t, rs.Components[2].Cap)
	assert.Equal(t, 2000.0, *rs.Components[2].Cap)

	tiers := rs.Components[0].Rule.(*model.TierLookup).Tiers
	assert.Nil(t, tiers[2].Max, ".inf normalizes to unbounded")

	// Normalized rule sets serialize as JSON.
	_, err = json.Marshal(rs)
	require.NoError(t, err)
}

func TestParse_JSONRoundTripOfLoadedFile(t *testing.T) {
	rs, _, err := LoadFile(filepath.Join("testdata", "optical.yaml"))
	require.NoError(t, err)
	data, err := json.Marshal(rs)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	back, _, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, rs.Components[1].Rule, back.Components[1].Rule)
	assert.Equal(t, "certified", back.Variants[0].Name)
}

func TestValidate_OverlappingTiers(t *testing.T) {
	src := `
id: bad
derivation_rules:
  - {metric: sales, operation: sum, source_pattern: sales, source_field: amount}
components:
  - id: overlap
    kind: tier_lookup
    tier_lookup:
      metric: sales
      tiers:
        - {min: 0, max: 100, value: 1}
        - {min: 50, value: 2}
`
	_, _, err := Parse([]byte(src), false)
	require.Error(t, err)
	var ce *model.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "overlap", ce.Rule)
	assert.Contains(t, ce.Reason, "overlaps")
}

func TestValidate_MatrixShape(t *testing.T) {
	rs := &model.RuleSet{
		ID: "m",
		Components: []model.Component{{
			ID:      "grid",
			Enabled: true,
			Rule: &model.MatrixLookup{
				RowMetric:    "a",
				ColumnMetric: "b",
				RowBands:     []model.Band{{Min: 0}},
				ColumnBands:  []model.Band{{Min: 0, Max: model.Limit(10)}, {Min: 10}},
				Values:       [][]float64{{1}},
			},
		}},
	}
	_, err := Validate(rs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column bands")
}

func TestValidate_InvertedBand(t *testing.T) {
	rs := &model.RuleSet{
		ID: "c",
		Components: []model.Component{{
			ID:      "cond",
			Enabled: true,
			Rule: &model.ConditionalPercentage{
				AppliedTo:  "sales",
				Conditions: []model.Condition{{Metric: "x", Min: 10, Max: model.Limit(5), Rate: 0.1}},
			},
		}},
	}
	_, err := Validate(rs)
	assert.True(t, model.IsConfiguration(err))
}

func TestValidate_CycleInDerivationRules(t *testing.T) {
	rs := &model.RuleSet{
		ID: "cyc",
		DerivationRules: []model.DerivationRule{
			{Metric: "a", Operation: model.OpRatio, NumeratorMetric: "b", DenominatorMetric: "b"},
			{Metric: "b", Operation: model.OpRatio, NumeratorMetric: "a", DenominatorMetric: "a"},
		},
	}
	_, err := Validate(rs)
	assert.True(t, model.IsConfiguration(err))
}

func TestValidate_WarningsForUndefinedMetricAndRedefinition(t *testing.T) {
	rs := &model.RuleSet{
		ID: "w",
		DerivationRules: []model.DerivationRule{
			{Metric: "sales", Operation: model.OpCount, SourcePattern: "x"},
			{Metric: "sales", Operation: model.OpSum, SourcePattern: "x", SourceField: "amount"},
		},
		Components: []model.Component{{
			ID: "p", Enabled: true, Rule: &model.Percentage{AppliedTo: "revenue", Rate: 0.1},
		}},
	}
	warnings, err := Validate(rs)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "last definition wins")
	assert.Contains(t, warnings[1], `"revenue"`)
}

func TestValidate_DuplicateComponentAndVariantSelector(t *testing.T) {
	dup := &model.RuleSet{
		ID: "d",
		Components: []model.Component{
			{ID: "p", Enabled: true, Rule: &model.Percentage{AppliedTo: "s", Rate: 1}},
			{ID: "p", Enabled: true, Rule: &model.Percentage{AppliedTo: "s", Rate: 1}},
		},
	}
	_, err := Validate(dup)
	assert.True(t, model.IsConfiguration(err))

	noSelector := &model.RuleSet{ID: "v", Variants: []model.PlanVariant{{Name: "x"}}}
	_, err = Validate(noSelector)
	assert.True(t, model.IsConfiguration(err))
}
