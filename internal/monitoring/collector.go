package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/store"
)

// BatchSnapshot is the health view of one completed batch.
type BatchSnapshot struct {
	BatchID        string    `json:"batch_id"`
	TenantID       string    `json:"tenant_id"`
	PeriodID       string    `json:"period_id"`
	EntityCount    int       `json:"entity_count"`
	FailedEntities int       `json:"failed_entities"`
	FailureRate    float64   `json:"failure_rate"`
	MissingData    int       `json:"missing_data_entities"`
	OutlierCount   int       `json:"outlier_count"`
	GrandTotal     float64   `json:"grand_total"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Snapshot summarizes a batch and its traces. An entity counts as missing
// data when every component it ran reported no source data.
func Snapshot(b *model.Batch, traces []model.EntityTrace) *BatchSnapshot {
	snap := &BatchSnapshot{
		BatchID:     b.ID,
		TenantID:    b.TenantID,
		PeriodID:    b.PeriodID,
		EntityCount: len(traces),
		CollectedAt: time.Now().UTC(),
	}
	for _, tr := range traces {
		if tr.Failed() {
			snap.FailedEntities++
			continue
		}
		if allMissing(tr.Components) {
			snap.MissingData++
		}
	}
	if snap.EntityCount > 0 {
		snap.FailureRate = float64(snap.FailedEntities) / float64(snap.EntityCount)
	}
	if b.Summary != nil {
		snap.OutlierCount = len(b.Summary.Outliers)
		snap.GrandTotal = b.Summary.GrandTotal
	}
	return snap
}

func allMissing(cs []model.ExecutionTrace) bool {
	if len(cs) == 0 {
		return false
	}
	for _, c := range cs {
		if !c.MissingData {
			return false
		}
	}
	return true
}

// StaleApproval is a batch waiting on a decision.
type StaleApproval struct {
	BatchID     string        `json:"batch_id"`
	TenantID    string        `json:"tenant_id"`
	SubmittedBy string        `json:"submitted_by"`
	Waiting     time.Duration `json:"waiting"`
}

// Collector reads lifecycle health from the batch store.
type Collector struct {
	store store.BatchStore
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(st store.BatchStore) *Collector {
	return &Collector{store: st, now: time.Now}
}

// StaleApprovals lists current batches in PENDING_APPROVAL for longer than maxWait.
func (c *Collector) StaleApprovals(ctx context.Context, maxWait time.Duration) ([]StaleApproval, error) {
	batches, err := c.store.ListBatches(ctx, store.BatchFilter{State: model.StatePendingApproval, Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending batches")
	}
	now := c.now()
	var out []StaleApproval
	for _, b := range batches {
		if waited := now.Sub(b.UpdatedAt); waited > maxWait {
			out = append(out, StaleApproval{BatchID: b.ID, TenantID: b.TenantID, SubmittedBy: b.SubmittedBy, Waiting: waited})
		}
	}
	return out, nil
}
