package store

import (
	"context"

	"github.com/sells-group/comp-engine/internal/model"
)

// RowFilter narrows a row fetch. Empty EntityIDs means every row in the period.
type RowFilter struct {
	EntityIDs []string `json:"entity_ids,omitempty"`
	// IncludeUnowned also yields rows with no owning entity (group-level rows).
	IncludeUnowned bool `json:"include_unowned,omitempty"`
	PageSize       int  `json:"page_size,omitempty"`
}

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	TenantID          string               `json:"tenant_id,omitempty"`
	RuleSetID         string               `json:"rule_set_id,omitempty"`
	PeriodID          string               `json:"period_id,omitempty"`
	State             model.LifecycleState `json:"state,omitempty"`
	IncludeSuperseded bool                 `json:"include_superseded,omitempty"`
	Limit             int                  `json:"limit,omitempty"`
	Offset            int                  `json:"offset,omitempty"`
}

// StateUpdate is an optimistic lifecycle write. It applies only if the batch
// still has ExpectedState and ExpectedVersion and is not superseded.
type StateUpdate struct {
	BatchID         string
	ExpectedState   model.LifecycleState
	ExpectedVersion int
	Transition      model.Transition
	// SubmittedBy is recorded on the batch when non-empty.
	SubmittedBy string
	// Supersede marks every other current batch for the same key as
	// superseded by this one, in the same transaction.
	Supersede bool
}

// RowSource supplies committed rows, rule sets and entities.
type RowSource interface {
	// FetchRows streams rows page by page, calling fn for each row in
	// (entity_id, id) order. Returning an error from fn stops the scan.
	FetchRows(ctx context.Context, tenantID, periodID string, filter RowFilter, fn func(model.Row) error) error
	FetchRules(ctx context.Context, tenantID, ruleSetID string) (*model.RuleSet, error)
	FetchEntities(ctx context.Context, tenantID string) ([]model.EntityRef, error)
}

// BatchStore persists calculation batches, their traces and their history.
type BatchStore interface {
	// CreateBatch inserts a batch and its traces atomically and supersedes
	// any prior current batch for the same key.
	CreateBatch(ctx context.Context, b *model.Batch, traces []model.EntityTrace) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	CurrentBatch(ctx context.Context, key model.BatchKey) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)
	// ApplyTransition returns model.ErrConcurrentModification when the
	// expected state or version no longer holds.
	ApplyTransition(ctx context.Context, u StateUpdate) (*model.Batch, error)
	ReadTraces(ctx context.Context, batchID string) ([]model.EntityTrace, error)
	History(ctx context.Context, batchID string) ([]model.Transition, error)
}

// AuditSink receives append-only audit records.
type AuditSink interface {
	Append(ctx context.Context, rec model.AuditRecord) error
}

// AuditLog reads back the audit trail of one resource, oldest first.
type AuditLog interface {
	AuditFor(ctx context.Context, resourceType, resourceID string) ([]model.AuditRecord, error)
}

// Importer writes source data. Used by the import commands and tests.
type Importer interface {
	AppendRows(ctx context.Context, rows []model.Row) (int, error)
	SaveRuleSet(ctx context.Context, rs *model.RuleSet) error
	UpsertEntities(ctx context.Context, entities []model.EntityRef) (int, error)
}

// Store is the full persistence surface of one backend.
type Store interface {
	RowSource
	BatchStore
	AuditSink
	AuditLog
	Importer

	Migrate(ctx context.Context) error
	Close() error
}
