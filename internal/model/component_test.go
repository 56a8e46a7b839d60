package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBand_HalfOpen(t *testing.T) {
	b := Band{Min: 0, Max: Limit(60000)}
	assert.True(t, b.Contains(0))
	assert.True(t, b.Contains(59999.99))
	assert.False(t, b.Contains(60000))

	open := Band{Min: 100}
	assert.True(t, math.IsInf(open.Upper(), 1))
	assert.True(t, open.Contains(1e12))
}

func TestLimit_InfinityIsUnbounded(t *testing.T) {
	assert.Nil(t, Limit(math.Inf(1)))
	require.NotNil(t, Limit(5))
	assert.Equal(t, 5.0, *Limit(5))
}

func TestComponent_JSONKeepsRuleKind(t *testing.T) {
	c := Component{
		ID:      "attain",
		Name:    "Attainment Bonus",
		Enabled: true,
		Rule: &TierLookup{
			Metric: "attainment",
			Tiers: []Tier{
				{Band: Band{Min: 0, Max: Limit(80)}, Value: 0},
				{Band: Band{Min: 80}, Value: 5000},
			},
		},
	}

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"tier_lookup"`)

	var back Component
	require.NoError(t, json.Unmarshal(data, &back))
	tl, ok := back.Rule.(*TierLookup)
	require.True(t, ok)
	assert.Equal(t, "attainment", tl.Metric)
	assert.Nil(t, tl.Tiers[1].Max)
	assert.True(t, back.Enabled)
}

func TestComponent_UnknownKindIsConfigurationError(t *testing.T) {
	var c Component
	err := json.Unmarshal([]byte(`{"id":"x","kind":"lottery"}`), &c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestComponent_MissingBodyIsConfigurationError(t *testing.T) {
	var c Component
	err := json.Unmarshal([]byte(`{"id":"x","kind":"percentage"}`), &c)
	require.Error(t, err)
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "x", ce.Rule)
}

func TestComponent_YAMLDefaultsEnabledAndReadsInfinity(t *testing.T) {
	src := `
id: store_sales
name: Store Sales
kind: matrix_lookup
matrix_lookup:
  row_metric: attainment
  column_metric: store_volume
  row_bands:
    - {min: 0, max: 100}
    - {min: 100, max: .inf}
  column_bands:
    - {min: 0}
  values:
    - [100]
    - [200]
`
	var c Component
	require.NoError(t, yaml.Unmarshal([]byte(src), &c))
	assert.True(t, c.Enabled)
	m, ok := c.Rule.(*MatrixLookup)
	require.True(t, ok)
	assert.True(t, math.IsInf(m.RowBands[1].Upper(), 1))
	assert.Equal(t, []string{"attainment", "store_volume"}, c.ReferencedMetrics())
}

func TestComponent_DisabledSurvivesYAML(t *testing.T) {
	src := `
id: p
kind: percentage
enabled: false
percentage: {applied_to: sales, rate: 0.02}
`
	var c Component
	require.NoError(t, yaml.Unmarshal([]byte(src), &c))
	assert.False(t, c.Enabled)
	assert.Equal(t, KindPercentage, c.Rule.Kind())
}

func TestLifecycleState_Rank(t *testing.T) {
	assert.True(t, StatePosted.AtLeast(StateOfficial))
	assert.True(t, StatePendingApproval.AtLeast(StateOfficial))
	assert.False(t, StatePendingApproval.AtLeast(StateApproved))
	assert.False(t, StateReconcile.AtLeast(StateOfficial))
	assert.False(t, LifecycleState("BOGUS").Valid())
}

func TestRuleSet_ComponentsForVariant(t *testing.T) {
	rs := &RuleSet{
		Components: []Component{{ID: "base"}},
		Variants: []PlanVariant{
			{Name: "certified", Selector: map[string]string{"certified": "yes"}, Components: []Component{{ID: "cert"}}},
		},
	}

	name, comps := rs.ComponentsFor(EntityRef{ID: "e1", Attributes: map[string]string{"certified": "yes"}})
	assert.Equal(t, "certified", name)
	assert.Equal(t, "cert", comps[0].ID)

	name, comps = rs.ComponentsFor(EntityRef{ID: "e2"})
	assert.Equal(t, DefaultVariant, name)
	assert.Equal(t, "base", comps[0].ID)
}

func TestRuleSet_CloneIsIndependent(t *testing.T) {
	capV := 500.0
	rs := &RuleSet{
		ID: "rs1",
		Components: []Component{
			{ID: "tier", Enabled: true, Cap: &capV, Rule: &TierLookup{Metric: "m", Tiers: []Tier{{Band: Band{Min: 0, Max: Limit(10)}, Value: 1}}}},
			{ID: "matrix", Enabled: true, Rule: &MatrixLookup{
				RowMetric: "r", ColumnMetric: "c",
				RowBands: []Band{{Min: 0, Max: Limit(5)}}, ColumnBands: []Band{{Min: 0}},
				Values: [][]float64{{7}},
			}},
			{ID: "cond", Enabled: true, Rule: &ConditionalPercentage{AppliedTo: "m", Conditions: []Condition{{Metric: "m", Max: Limit(3), Rate: 0.1}}}},
		},
		Variants: []PlanVariant{{Name: "v", Selector: map[string]string{"k": "x"}, Components: []Component{{ID: "p", Rule: &Percentage{AppliedTo: "m", Rate: 0.5}}}}},
	}

	cp := rs.Clone()
	*cp.Components[0].Cap = 1
	*cp.Components[0].Rule.(*TierLookup).Tiers[0].Max = 99
	cp.Components[1].Rule.(*MatrixLookup).Values[0][0] = 0
	*cp.Components[1].Rule.(*MatrixLookup).RowBands[0].Max = 99
	*cp.Components[2].Rule.(*ConditionalPercentage).Conditions[0].Max = 99
	cp.Variants[0].Selector["k"] = "y"
	cp.Variants[0].Components[0].Rule.(*Percentage).Rate = 1

	assert.Equal(t, 500.0, *rs.Components[0].Cap)
	assert.Equal(t, 10.0, *rs.Components[0].Rule.(*TierLookup).Tiers[0].Max)
	assert.Equal(t, 7.0, rs.Components[1].Rule.(*MatrixLookup).Values[0][0])
	assert.Equal(t, 5.0, *rs.Components[1].Rule.(*MatrixLookup).RowBands[0].Max)
	assert.Equal(t, 3.0, *rs.Components[2].Rule.(*ConditionalPercentage).Conditions[0].Max)
	assert.Equal(t, "x", rs.Variants[0].Selector["k"])
	assert.Equal(t, 0.5, rs.Variants[0].Components[0].Rule.(*Percentage).Rate)
	assert.Nil(t, (*RuleSet)(nil).Clone())
}

func TestEntityTrace_ComponentByIDOrName(t *testing.T) {
	byEntity := map[string]EntityTrace{
		"e1": {EntityID: "e1", Components: []ExecutionTrace{{ComponentID: "bonus", ComponentName: "Attainment Bonus", Outcome: 5000}}},
		"e2": {EntityID: "e2", Error: "rows unavailable"},
	}

	c, ok := byEntity["e1"].Component("bonus")
	require.True(t, ok)
	assert.Equal(t, 5000.0, c.Outcome)

	c, ok = byEntity["e1"].Component("Attainment Bonus")
	require.True(t, ok)
	assert.Equal(t, "bonus", c.ComponentID)

	_, ok = byEntity["e1"].Component("missing")
	assert.False(t, ok)
	assert.False(t, byEntity["e1"].Failed())
	assert.True(t, byEntity["e2"].Failed())
}
