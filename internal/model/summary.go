package model

// ComponentTotal aggregates one component across a batch. Count only includes
// entities with non-zero output.
type ComponentTotal struct {
	ComponentID   string  `json:"component_id"`
	ComponentName string  `json:"component_name"`
	Total         float64 `json:"total"`
	Count         int     `json:"count"`
}

// GroupTotal aggregates entities sharing a group (e.g. store).
type GroupTotal struct {
	GroupID string  `json:"group_id"`
	Total   float64 `json:"total"`
	Count   int     `json:"count"`
}

// VariantStat is the payout distribution of one plan variant.
type VariantStat struct {
	Variant string  `json:"variant"`
	Count   int     `json:"count"`
	Total   float64 `json:"total"`
	Average float64 `json:"average"`
}

// Outlier is an entity whose total deviates from the batch mean.
type Outlier struct {
	EntityID string  `json:"entity_id"`
	Total    float64 `json:"total"`
	ZScore   float64 `json:"z_score"`
}

// Summary aggregates a batch's entity traces.
type Summary struct {
	EntityCount     int              `json:"entity_count"`
	FailedEntities  int              `json:"failed_entities"`
	GrandTotal      float64          `json:"grand_total"`
	Average         float64          `json:"average"`
	Mean            float64          `json:"mean"`
	StdDev          float64          `json:"std_dev"`
	ComponentTotals []ComponentTotal `json:"component_totals"`
	GroupTotals     []GroupTotal     `json:"group_totals,omitempty"`
	Variants        []VariantStat    `json:"variants"`
	Outliers        []Outlier        `json:"outliers"`
}
