package model

import "time"

// Row is one committed record from an imported source table or sheet.
// Rows are immutable once committed.
type Row struct {
	ID        int64          `json:"id,omitempty"`
	TenantID  string         `json:"tenant_id"`
	DataType  string         `json:"data_type"`
	EntityID  string         `json:"entity_id,omitempty"` // empty when the row has no owning entity
	PeriodID  string         `json:"period_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// EntityRef identifies a compensated subject (employee, store) within a tenant.
type EntityRef struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name,omitempty"`
	GroupID    string            `json:"group_id,omitempty"` // e.g. owning store
	Attributes map[string]string `json:"attributes,omitempty"`
}

// GroundTruth is an externally supplied expected payout used only for reconciliation.
type GroundTruth struct {
	EntityID           string             `json:"entity_id"`
	PeriodID           string             `json:"period_id,omitempty"`
	ExpectedTotal      float64            `json:"expected_total"`
	ExpectedComponents map[string]float64 `json:"expected_components,omitempty"`
}
