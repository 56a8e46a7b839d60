package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/comp-engine/internal/model"
)

// backends returns every Store implementation, freshly migrated.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, sq.Migrate(context.Background()))
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newBatch(id string, at time.Time) *model.Batch {
	return &model.Batch{
		ID: id, TenantID: "t1", RuleSetID: "rs1", PeriodID: "2026-02",
		State: model.StateDraft, CreatedBy: "alice", EntityCount: 1,
		CreatedAt: at, UpdatedAt: at,
	}
}

func transitionTo(b *model.Batch, to model.LifecycleState, actor string, at time.Time, id string) StateUpdate {
	return StateUpdate{
		BatchID: b.ID, ExpectedState: b.State, ExpectedVersion: b.Version,
		Transition: model.Transition{ID: id, BatchID: b.ID, From: b.State, To: to, Actor: actor, At: at},
		Supersede:  to.AtLeast(model.StateOfficial),
	}
}

func TestStore_CreateBatchSupersedesPrior(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			traces := []model.EntityTrace{{EntityID: "e1", Variant: "default", Total: 5000}}

			require.NoError(t, st.CreateBatch(ctx, newBatch("b1", t0), traces))
			require.NoError(t, st.CreateBatch(ctx, newBatch("b2", t0.Add(time.Hour)), traces))

			cur, err := st.CurrentBatch(ctx, model.BatchKey{TenantID: "t1", RuleSetID: "rs1", PeriodID: "2026-02"})
			require.NoError(t, err)
			assert.Equal(t, "b2", cur.ID)

			old, err := st.GetBatch(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, "b2", old.SupersededBy)

			live, err := st.ListBatches(ctx, BatchFilter{TenantID: "t1"})
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, "b2", live[0].ID)

			all, err := st.ListBatches(ctx, BatchFilter{TenantID: "t1", IncludeSuperseded: true})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			got, err := st.ReadTraces(ctx, "b1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.InDelta(t, 5000, got[0].Total, 1e-9)
		})
	}
}

func TestStore_ApplyTransitionCompareAndSwap(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBatch("b1", t0)
			require.NoError(t, st.CreateBatch(ctx, b, nil))

			u := transitionTo(b, model.StatePreview, "alice", t0.Add(time.Minute), "tr1")
			u.Transition.Details = map[string]any{"note": "first look"}
			updated, err := st.ApplyTransition(ctx, u)
			require.NoError(t, err)
			assert.Equal(t, model.StatePreview, updated.State)
			assert.Equal(t, 1, updated.Version)

			// Same expectation again loses the race.
			u.Transition.ID = "tr2"
			_, err = st.ApplyTransition(ctx, u)
			assert.ErrorIs(t, err, model.ErrConcurrentModification)

			hist, err := st.History(ctx, "b1")
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, model.StateDraft, hist[0].From)
			assert.Equal(t, model.StatePreview, hist[0].To)
			assert.Equal(t, "first look", hist[0].Details["note"])
		})
	}
}

func TestStore_ApplyTransitionMissingBatch(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := newBatch("ghost", t0)
			_, err := st.ApplyTransition(context.Background(), transitionTo(b, model.StatePreview, "alice", t0, "tr1"))
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestStore_SupersededBatchCannotTransition(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b1 := newBatch("b1", t0)
			require.NoError(t, st.CreateBatch(ctx, b1, nil))
			require.NoError(t, st.CreateBatch(ctx, newBatch("b2", t0.Add(time.Hour)), nil))

			_, err := st.ApplyTransition(ctx, transitionTo(b1, model.StatePreview, "alice", t0, "tr1"))
			assert.ErrorIs(t, err, model.ErrConcurrentModification)
		})
	}
}

func TestStore_GetBatchNotFound(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetBatch(context.Background(), "nope")
			assert.ErrorIs(t, err, model.ErrNotFound)
			_, err = st.CurrentBatch(context.Background(), model.BatchKey{TenantID: "t1"})
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestStore_FetchRowsOrderedAndFiltered(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.AppendRows(ctx, []model.Row{
				{TenantID: "t1", DataType: "Sales", EntityID: "e2", PeriodID: "p1", Fields: map[string]any{"amount": 1.0}},
				{TenantID: "t1", DataType: "Sales", EntityID: "e1", PeriodID: "p1", Fields: map[string]any{"amount": 2.0}},
				{TenantID: "t1", DataType: "Target", PeriodID: "p1", Fields: map[string]any{"amount": 3.0}},
				{TenantID: "t1", DataType: "Sales", EntityID: "e1", PeriodID: "p2", Fields: map[string]any{"amount": 4.0}},
				{TenantID: "t2", DataType: "Sales", EntityID: "e1", PeriodID: "p1", Fields: map[string]any{"amount": 5.0}},
			})
			require.NoError(t, err)

			collect := func(f RowFilter) []float64 {
				var out []float64
				require.NoError(t, st.FetchRows(ctx, "t1", "p1", f, func(r model.Row) error {
					out = append(out, r.Fields["amount"].(float64))
					return nil
				}))
				return out
			}

			assert.Equal(t, []float64{3, 2, 1}, collect(RowFilter{}))
			assert.Equal(t, []float64{2}, collect(RowFilter{EntityIDs: []string{"e1"}}))
			assert.Equal(t, []float64{3, 2}, collect(RowFilter{EntityIDs: []string{"e1"}, IncludeUnowned: true}))
		})
	}
}

func TestSQLite_FetchRowsPagesThroughEverything(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "page.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	var rows []model.Row
	for i := range 23 {
		rows = append(rows, model.Row{
			TenantID: "t1", DataType: "Sales", EntityID: fmt.Sprintf("e%d", i%4), PeriodID: "p1",
			Fields: map[string]any{"n": float64(i)},
		})
	}
	n, err := st.AppendRows(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 23, n)

	seen := 0
	lastEntity := ""
	require.NoError(t, st.FetchRows(ctx, "t1", "p1", RowFilter{PageSize: 5}, func(r model.Row) error {
		assert.GreaterOrEqual(t, r.EntityID, lastEntity)
		lastEntity = r.EntityID
		seen++
		return nil
	}))
	assert.Equal(t, 23, seen)

	v, err := st.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestStore_RulesAndEntitiesRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := &model.RuleSet{
				ID: "rs1", TenantID: "t1", Name: "Optical Q1",
				DerivationRules: []model.DerivationRule{{Metric: "sales", Operation: model.OpSum, SourcePattern: "^sales$", SourceField: "amount"}},
				Components: []model.Component{{
					ID: "bonus", Name: "Bonus", Enabled: true,
					Rule: &model.TierLookup{Metric: "sales", Tiers: []model.Tier{{Band: model.Band{Min: 0}, Value: 100}}},
				}},
			}
			require.NoError(t, st.SaveRuleSet(ctx, rs))

			got, err := st.FetchRules(ctx, "t1", "rs1")
			require.NoError(t, err)
			assert.Equal(t, "Optical Q1", got.Name)
			require.Len(t, got.Components, 1)
			assert.Equal(t, model.KindTierLookup, got.Components[0].Rule.Kind())

			_, err = st.FetchRules(ctx, "t1", "missing")
			assert.ErrorIs(t, err, model.ErrNotFound)

			_, err = st.UpsertEntities(ctx, []model.EntityRef{
				{TenantID: "t1", ID: "e2", Name: "Bo"},
				{TenantID: "t1", ID: "e1", Name: "Al", Attributes: map[string]string{"role": "certified"}},
			})
			require.NoError(t, err)
			_, err = st.UpsertEntities(ctx, []model.EntityRef{{TenantID: "t1", ID: "e2", Name: "Bob"}})
			require.NoError(t, err)

			ents, err := st.FetchEntities(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, ents, 2)
			assert.Equal(t, "e1", ents[0].ID)
			assert.Equal(t, "certified", ents[0].Attributes["role"])
			assert.Equal(t, "Bob", ents[1].Name)
		})
	}
}

func TestStore_AuditAppendAndRead(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Append(ctx, model.AuditRecord{
				ID: "a1", TenantID: "t1", Action: model.AuditBatchCreated,
				ResourceType: model.ResourceBatch, ResourceID: "b1", Actor: "alice",
				Changes: map[string]any{"entity_count": 3.0}, Timestamp: t0,
			}))
			require.NoError(t, st.Append(ctx, model.AuditRecord{
				ID: "a2", TenantID: "t1", Action: model.AuditBatchCreated,
				ResourceType: model.ResourceBatch, ResourceID: "b2", Actor: "bob", Timestamp: t0,
			}))

			recs, err := st.AuditFor(ctx, model.ResourceBatch, "b1")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "alice", recs[0].Actor)
			assert.InDelta(t, 3.0, recs[0].Changes["entity_count"], 1e-9)

			recs, err = st.AuditFor(ctx, model.ResourceBatch, "nope")
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}
