package model

import "time"

// LifecycleState is the approval state of a calculation batch.
type LifecycleState string

const (
	StateDraft           LifecycleState = "DRAFT"
	StatePreview         LifecycleState = "PREVIEW"
	StateReconcile       LifecycleState = "RECONCILE"
	StateOfficial        LifecycleState = "OFFICIAL"
	StatePendingApproval LifecycleState = "PENDING_APPROVAL"
	StateRejected        LifecycleState = "REJECTED"
	StateApproved        LifecycleState = "APPROVED"
	StatePosted          LifecycleState = "POSTED"
	StateClosed          LifecycleState = "CLOSED"
	StatePaid            LifecycleState = "PAID"
	StatePublished       LifecycleState = "PUBLISHED"
)

// LinearStates is the display order of the main lifecycle line.
var LinearStates = []LifecycleState{
	StateDraft, StatePreview, StateReconcile, StateOfficial, StateApproved,
	StatePosted, StateClosed, StatePaid, StatePublished,
}

// Rank returns the state's position on the linear line. Side states rank
// with OFFICIAL. Unknown states return -1.
func (s LifecycleState) Rank() int {
	switch s {
	case StatePendingApproval, StateRejected:
		s = StateOfficial
	}
	for i, ls := range LinearStates {
		if ls == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s is at or beyond other on the linear line.
func (s LifecycleState) AtLeast(other LifecycleState) bool {
	r := s.Rank()
	return r >= 0 && r >= other.Rank()
}

// Valid reports whether s is a known state.
func (s LifecycleState) Valid() bool { return s.Rank() >= 0 }

// BatchKey identifies the slot a batch occupies; at most one non-superseded
// batch exists per key.
type BatchKey struct {
	TenantID  string `json:"tenant_id"`
	RuleSetID string `json:"rule_set_id"`
	PeriodID  string `json:"period_id"`
}

// Batch is one calculation run for a tenant, rule set and period.
type Batch struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	RuleSetID    string         `json:"rule_set_id"`
	PeriodID     string         `json:"period_id"`
	State        LifecycleState `json:"lifecycle_state"`
	Version      int            `json:"version"`
	EntityCount  int            `json:"entity_count"`
	Summary      *Summary       `json:"summary,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	SubmittedBy  string         `json:"submitted_by,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Key returns the batch's slot key.
func (b *Batch) Key() BatchKey {
	return BatchKey{TenantID: b.TenantID, RuleSetID: b.RuleSetID, PeriodID: b.PeriodID}
}

// Superseded reports whether a newer batch replaced this one.
func (b *Batch) Superseded() bool { return b.SupersededBy != "" }

// Transition is one immutable entry in a batch's lifecycle history.
type Transition struct {
	ID      string         `json:"id"`
	BatchID string         `json:"batch_id"`
	From    LifecycleState `json:"from"`
	To      LifecycleState `json:"to"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"timestamp"`
}

// AuditRecord is an append-only record for the external audit sink.
type AuditRecord struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Audit actions and resource types.
const (
	AuditBatchCreated    = "batch_created"
	AuditStateTransition = "state_transition"
	ResourceBatch        = "calculation_batch"
)
