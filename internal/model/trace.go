package model

// MetricStatus distinguishes "no matching data" from "matched with value zero".
type MetricStatus string

const (
	MetricMatched         MetricStatus = "matched"
	MetricMatchedNoValues MetricStatus = "matched_no_values"
	MetricNoMatchingRows  MetricStatus = "no_matching_rows"
)

// Missing reports whether the status means no usable source data was found.
func (s MetricStatus) Missing() bool {
	return s == MetricNoMatchingRows || s == MetricMatchedNoValues
}

// Deterministic is the confidence of a pure rule match.
const Deterministic = 1.0

// TraceInput is one metric consumed by an evaluation.
type TraceInput struct {
	Metric  string  `json:"metric"`
	Source  string  `json:"source"` // "derived" or "missing"
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

// LookupResolution records which band(s) matched, by index. -1 means none.
type LookupResolution struct {
	RowIndex    int    `json:"row_index"`
	ColumnIndex int    `json:"column_index"`
	RowLabel    string `json:"row_label,omitempty"`
	ColumnLabel string `json:"column_label,omitempty"`
	Matched     bool   `json:"matched"`
}

// Modifier is one ordered adjustment applied to a component value.
type Modifier struct {
	Name   string  `json:"name"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// ExecutionTrace explains one (entity, component) evaluation.
type ExecutionTrace struct {
	ComponentID   string            `json:"component_id"`
	ComponentName string            `json:"component_name"`
	Kind          ComponentKind     `json:"kind"`
	Inputs        []TraceInput      `json:"inputs"`
	Lookup        *LookupResolution `json:"lookup,omitempty"`
	Modifiers     []Modifier        `json:"modifiers,omitempty"`
	Outcome       float64           `json:"outcome"`
	Confidence    float64           `json:"confidence"`
	MissingData   bool              `json:"missing_data"`
	Note          string            `json:"note,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Trajectory describes the distance and value of reaching the next tier.
type Trajectory struct {
	ComponentID       string  `json:"component_id"`
	ComponentName     string  `json:"component_name"`
	CurrentValue      float64 `json:"current_value"`
	CurrentTier       int     `json:"current_tier"` // -1 when below the first tier
	NextTier          int     `json:"next_tier"`
	NextTierThreshold float64 `json:"next_tier_threshold"`
	DistanceToNext    float64 `json:"distance_to_next_tier"`
	CurrentPayout     float64 `json:"current_payout"`
	NextPayout        float64 `json:"next_payout"`
	IncrementalValue  float64 `json:"incremental_value"`
	ProgressPercent   float64 `json:"progress_percent"`
}

// EntityTrace is everything computed for one entity in one batch.
type EntityTrace struct {
	EntityID        string                  `json:"entity_id"`
	EntityName      string                  `json:"entity_name,omitempty"`
	GroupID         string                  `json:"group_id,omitempty"`
	Variant         string                  `json:"variant"`
	Metrics         map[string]float64      `json:"metrics,omitempty"`
	MetricStatus    map[string]MetricStatus `json:"metric_status,omitempty"`
	Components      []ExecutionTrace        `json:"components"`
	Total           float64                 `json:"total"`
	Trajectories    []Trajectory            `json:"trajectories,omitempty"`
	BestOpportunity *Trajectory             `json:"best_opportunity,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// Failed reports whether the entity's evaluation was aborted.
func (t EntityTrace) Failed() bool { return t.Error != "" }

// Component returns the trace for a component id or name.
func (t EntityTrace) Component(key string) (ExecutionTrace, bool) {
	for _, c := range t.Components {
		if c.ComponentID == key || c.ComponentName == key {
			return c, true
		}
	}
	return ExecutionTrace{}, false
}
