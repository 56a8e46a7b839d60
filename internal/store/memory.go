package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/comp-engine/internal/model"
)

// Memory is an in-process Store for tests and local dry runs.
type Memory struct {
	mu          sync.RWMutex
	rows        []model.Row
	nextRowID   int64
	ruleSets    map[string]*model.RuleSet // tenant/id
	entities    map[string][]model.EntityRef
	batches     map[string]*model.Batch
	batchOrder  []string
	traces      map[string][]model.EntityTrace
	transitions map[string][]model.Transition
	audit       []model.AuditRecord
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		ruleSets:    make(map[string]*model.RuleSet),
		entities:    make(map[string][]model.EntityRef),
		batches:     make(map[string]*model.Batch),
		traces:      make(map[string][]model.EntityTrace),
		transitions: make(map[string][]model.Transition),
	}
}

func ruleSetKey(tenantID, id string) string { return tenantID + "/" + id }

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Close() error                  { return nil }

// --- Importer ---

func (m *Memory) AppendRows(_ context.Context, rows []model.Row) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.nextRowID++
		r.ID = m.nextRowID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		m.rows = append(m.rows, r)
	}
	return len(rows), nil
}

func (m *Memory) SaveRuleSet(_ context.Context, rs *model.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleSets[ruleSetKey(rs.TenantID, rs.ID)] = rs.Clone()
	return nil
}

func (m *Memory) UpsertEntities(_ context.Context, entities []model.EntityRef) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		list := m.entities[e.TenantID]
		replaced := false
		for i := range list {
			if list[i].ID == e.ID {
				list[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, e)
		}
		m.entities[e.TenantID] = list
	}
	return len(entities), nil
}

// --- RowSource ---

func (m *Memory) FetchRows(ctx context.Context, tenantID, periodID string, filter RowFilter, fn func(model.Row) error) error {
	m.mu.RLock()
	var matched []model.Row
	want := make(map[string]bool, len(filter.EntityIDs))
	for _, id := range filter.EntityIDs {
		want[id] = true
	}
	for _, r := range m.rows {
		if r.TenantID != tenantID || (periodID != "" && r.PeriodID != periodID) {
			continue
		}
		if len(want) > 0 && !want[r.EntityID] && !(filter.IncludeUnowned && r.EntityID == "") {
			continue
		}
		matched = append(matched, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].EntityID != matched[j].EntityID {
			return matched[i].EntityID < matched[j].EntityID
		}
		return matched[i].ID < matched[j].ID
	})
	for _, r := range matched {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "memory: fetch rows")
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) FetchRules(_ context.Context, tenantID, ruleSetID string) (*model.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.ruleSets[ruleSetKey(tenantID, ruleSetID)]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: rule set %s", ruleSetID)
	}
	return rs.Clone(), nil
}

func (m *Memory) FetchEntities(_ context.Context, tenantID string) ([]model.EntityRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.EntityRef, len(m.entities[tenantID]))
	copy(out, m.entities[tenantID])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- BatchStore ---

func (m *Memory) CreateBatch(_ context.Context, b *model.Batch, traces []model.EntityTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.ID]; exists {
		return eris.Errorf("memory: batch %s already exists", b.ID)
	}
	m.supersedeLocked(b.Key(), b.ID, b.CreatedAt)
	cp := *b
	m.batches[b.ID] = &cp
	m.batchOrder = append(m.batchOrder, b.ID)
	m.traces[b.ID] = append([]model.EntityTrace(nil), traces...)
	return nil
}

func (m *Memory) supersedeLocked(key model.BatchKey, newID string, at time.Time) {
	for id, other := range m.batches {
		if id == newID || other.Superseded() || other.Key() != key {
			continue
		}
		other.SupersededBy = newID
		other.UpdatedAt = at
	}
}

func (m *Memory) GetBatch(_ context.Context, batchID string) (*model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: batch %s", batchID)
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) CurrentBatch(_ context.Context, key model.BatchKey) (*model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.batchOrder {
		b := m.batches[id]
		if b.Key() == key && !b.Superseded() {
			cp := *b
			return &cp, nil
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "memory: current batch for %s/%s/%s", key.TenantID, key.RuleSetID, key.PeriodID)
}

func (m *Memory) ListBatches(_ context.Context, f BatchFilter) ([]model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Batch
	for i := len(m.batchOrder) - 1; i >= 0; i-- {
		b := m.batches[m.batchOrder[i]]
		switch {
		case f.TenantID != "" && b.TenantID != f.TenantID,
			f.RuleSetID != "" && b.RuleSetID != f.RuleSetID,
			f.PeriodID != "" && b.PeriodID != f.PeriodID,
			f.State != "" && b.State != f.State,
			!f.IncludeSuperseded && b.Superseded():
			continue
		}
		out = append(out, *b)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ApplyTransition(_ context.Context, u StateUpdate) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[u.BatchID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: batch %s", u.BatchID)
	}
	if b.State != u.ExpectedState || b.Version != u.ExpectedVersion || b.Superseded() {
		return nil, eris.Wrapf(model.ErrConcurrentModification, "memory: batch %s", u.BatchID)
	}

	b.State = u.Transition.To
	b.Version++
	b.UpdatedAt = u.Transition.At
	if u.SubmittedBy != "" {
		b.SubmittedBy = u.SubmittedBy
	}
	if u.Supersede {
		m.supersedeLocked(b.Key(), b.ID, u.Transition.At)
	}
	m.transitions[b.ID] = append(m.transitions[b.ID], u.Transition)

	cp := *b
	return &cp, nil
}

func (m *Memory) ReadTraces(_ context.Context, batchID string) ([]model.EntityTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.batches[batchID]; !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: batch %s", batchID)
	}
	return append([]model.EntityTrace(nil), m.traces[batchID]...), nil
}

func (m *Memory) History(_ context.Context, batchID string) ([]model.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Transition(nil), m.transitions[batchID]...), nil
}

// --- AuditSink ---

func (m *Memory) Append(_ context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

func (m *Memory) AuditFor(_ context.Context, resourceType, resourceID string) ([]model.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditRecord
	for _, rec := range m.audit {
		if rec.ResourceType == resourceType && rec.ResourceID == resourceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AuditRecords returns a copy of every appended audit record.
func (m *Memory) AuditRecords() []model.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.AuditRecord(nil), m.audit...)
}

var _ Store = (*Memory)(nil)
