package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/comp-engine/internal/config"
	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/store"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.MaxConcurrentEntities = 4
	cfg.Reconcile.OutlierZ = 3
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func scale(v float64) *float64 { return &v }

func attainmentRuleSet() *model.RuleSet {
	return &model.RuleSet{
		ID: "rs1", TenantID: "t1",
		DerivationRules: []model.DerivationRule{
			{Metric: "sales", Operation: model.OpSum, SourcePattern: "^sales$", SourceField: "amount"},
			{Metric: "goal", Operation: model.OpSum, SourcePattern: "^goal$", SourceField: "amount"},
			{Metric: "attainment", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "goal", ScaleFactor: scale(100)},
		},
		Components: []model.Component{{
			ID: "bonus", Name: "Attainment Bonus", Enabled: true,
			Rule: &model.TierLookup{Metric: "attainment", Tiers: []model.Tier{
				{Band: model.Band{Min: 0, Max: model.Limit(80)}, Value: 0},
				{Band: model.Band{Min: 80, Max: model.Limit(100)}, Value: 5000},
				{Band: model.Band{Min: 100}, Value: 10000},
			}},
		}},
	}
}

func seed(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveRuleSet(ctx, attainmentRuleSet()))
	_, err := mem.UpsertEntities(ctx, []model.EntityRef{
		{TenantID: "t1", ID: "e1", Name: "Ann", GroupID: "s1"},
		{TenantID: "t1", ID: "e2", Name: "Ben", GroupID: "s1"},
		{TenantID: "t1", ID: "e3", Name: "Cat", GroupID: "s2"},
	})
	require.NoError(t, err)
	_, err = mem.AppendRows(ctx, []model.Row{
		{TenantID: "t1", PeriodID: "2026-02", EntityID: "e1", DataType: "Sales", Fields: map[string]any{"amount": 87000.0}},
		{TenantID: "t1", PeriodID: "2026-02", EntityID: "e1", DataType: "Goal", Fields: map[string]any{"amount": 100000.0}},
		{TenantID: "t1", PeriodID: "2026-02", EntityID: "e3", DataType: "Sales", Fields: map[string]any{"amount": 1.0}},
		{TenantID: "t1", PeriodID: "2026-03", EntityID: "e2", DataType: "Sales", Fields: map[string]any{"amount": 5.0}},
	})
	require.NoError(t, err)
}

// failingSource fails row fetches for selected entities.
type failingSource struct {
	*store.Memory
	failFor string
	fetches atomic.Int64
}

func (f *failingSource) FetchRows(ctx context.Context, tenantID, periodID string, filter store.RowFilter, fn func(model.Row) error) error {
	f.fetches.Add(1)
	if slices.Contains(filter.EntityIDs, f.failFor) {
		return errors.New("disk on fire")
	}
	return f.Memory.FetchRows(ctx, tenantID, periodID, filter, fn)
}

type recordingObserver struct {
	entities  atomic.Int64
	completed atomic.Int64
	fail      bool
	panics    bool
}

func (r *recordingObserver) EntityEvaluated(context.Context, string, model.EntityTrace) error {
	r.entities.Add(1)
	if r.panics {
		panic("observer blew up")
	}
	if r.fail {
		return errors.New("observer down")
	}
	return nil
}

func (r *recordingObserver) BatchCompleted(context.Context, *model.Batch, []model.EntityTrace) error {
	r.completed.Add(1)
	if r.fail {
		return errors.New("observer down")
	}
	return nil
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

func runRequest() RunRequest {
	return RunRequest{TenantID: "t1", RuleSetID: "rs1", PeriodID: "2026-02", Actor: "alice"}
}

func TestRun_EndToEnd(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	src := &failingSource{Memory: mem, failFor: "e3"}
	obs := &recordingObserver{}

	p := New(testConfig(), src, mem, mem, WithObservers(obs, LogObserver{}), WithIDs(sequentialIDs()))
	res, err := p.Run(context.Background(), runRequest())
	require.NoError(t, err)

	b := res.Batch
	assert.Equal(t, model.StateDraft, b.State)
	assert.Equal(t, 0, b.Version)
	assert.Equal(t, 3, b.EntityCount)
	assert.Equal(t, "alice", b.CreatedBy)

	require.Len(t, res.Traces, 3)
	ann := res.Traces[0]
	assert.Equal(t, "e1", ann.EntityID)
	assert.InDelta(t, 87, ann.Metrics["attainment"], 1e-9)
	assert.InDelta(t, 5000, ann.Total, 1e-9)
	require.NotNil(t, ann.BestOpportunity)
	assert.InDelta(t, 100, ann.BestOpportunity.NextTierThreshold, 1e-9)
	assert.InDelta(t, 13, ann.BestOpportunity.DistanceToNext, 1e-9)
	assert.InDelta(t, 5000, ann.BestOpportunity.IncrementalValue, 1e-9)

	ben := res.Traces[1]
	assert.Zero(t, ben.Total)
	require.Len(t, ben.Components, 1)
	assert.True(t, ben.Components[0].MissingData)
	assert.False(t, ben.Failed())

	cat := res.Traces[2]
	assert.True(t, cat.Failed())
	assert.ErrorContains(t, errors.New(cat.Error), "disk on fire")
	assert.Equal(t, model.DefaultVariant, cat.Variant)

	require.NotNil(t, b.Summary)
	assert.Equal(t, 1, b.Summary.FailedEntities)
	assert.InDelta(t, 5000, b.Summary.GrandTotal, 1e-9)

	stored, err := mem.ReadTraces(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	audit := mem.AuditRecords()
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditBatchCreated, audit[0].Action)
	assert.Equal(t, b.ID, audit[0].ResourceID)

	assert.Equal(t, int64(3), obs.entities.Load())
	assert.Equal(t, int64(1), obs.completed.Load())
}

func TestRun_ConfigurationErrorFailsBeforeAnyEntity(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	rs := attainmentRuleSet()
	rs.DerivationRules = append(rs.DerivationRules, model.DerivationRule{
		Metric: "broken", Operation: model.OpRatio, NumeratorMetric: "sales", DenominatorMetric: "nowhere",
	})
	require.NoError(t, mem.SaveRuleSet(context.Background(), rs))
	src := &failingSource{Memory: mem}

	_, err := New(testConfig(), src, mem, mem).Run(context.Background(), runRequest())
	require.Error(t, err)
	assert.True(t, model.IsConfiguration(err))
	assert.Contains(t, err.Error(), "broken")
	assert.Zero(t, src.fetches.Load())

	batches, err := mem.ListBatches(context.Background(), store.BatchFilter{TenantID: "t1", IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestRun_SecondRunSupersedesFirst(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := New(testConfig(), mem, mem, mem, WithIDs(sequentialIDs()), WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	first, err := p.Run(context.Background(), runRequest())
	require.NoError(t, err)
	second, err := p.Run(context.Background(), runRequest())
	require.NoError(t, err)

	cur, err := mem.CurrentBatch(context.Background(), second.Batch.Key())
	require.NoError(t, err)
	assert.Equal(t, second.Batch.ID, cur.ID)

	old, err := mem.GetBatch(context.Background(), first.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Batch.ID, old.SupersededBy)

	live, err := mem.ListBatches(context.Background(), store.BatchFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestRun_ObserverFailuresAreNotPropagated(t *testing.T) {
	for _, obs := range []*recordingObserver{{fail: true}, {panics: true}} {
		mem := store.NewMemory()
		seed(t, mem)
		res, err := New(testConfig(), mem, mem, mem, WithObservers(obs)).Run(context.Background(), runRequest())
		require.NoError(t, err)
		assert.Equal(t, 3, res.Batch.EntityCount)
	}
}

func TestRun_RestrictsEntitiesAndIncludesGroupRows(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	_, err := mem.AppendRows(context.Background(), []model.Row{
		{TenantID: "t1", PeriodID: "2026-02", EntityID: "s1", DataType: "Goal", Fields: map[string]any{"amount": 50.0}},
	})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Engine.IncludeGroupRows = true
	req := runRequest()
	req.EntityIDs = []string{"e2"}

	res, err := New(cfg, mem, mem, mem).Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Traces, 1)
	assert.InDelta(t, 50, res.Traces[0].Metrics["goal"], 1e-9)
}

type failingBatches struct {
	*store.Memory
}

func (failingBatches) CreateBatch(context.Context, *model.Batch, []model.EntityTrace) error {
	return errors.New("write refused")
}

func TestRun_PersistenceFailureWritesNothing(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)

	_, err := New(testConfig(), mem, failingBatches{mem}, mem).Run(context.Background(), runRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.Empty(t, mem.AuditRecords())
}

func TestRun_RequiresKey(t *testing.T) {
	_, err := New(testConfig(), store.NewMemory(), store.NewMemory(), nil).Run(context.Background(), RunRequest{TenantID: "t1"})
	assert.ErrorContains(t, err, "required")
}

func TestRun_MissingRuleSet(t *testing.T) {
	mem := store.NewMemory()
	_, err := New(testConfig(), mem, mem, mem).Run(context.Background(), runRequest())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRun_ConcurrentRunsShareCachedRules(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	rules := store.NewCachedRules(mem, time.Hour, 10, nil)
	p := New(testConfig(), rules, mem, mem, WithIDs(sequentialIDs()))

	var g errgroup.Group
	totals := make([]float64, 4)
	for i := range totals {
		g.Go(func() error {
			res, err := p.Run(context.Background(), runRequest())
			if err != nil {
				return err
			}
			totals[i] = res.Batch.Summary.GrandTotal
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, total := range totals {
		assert.InDelta(t, 5000, total, 1e-9)
	}

	rs, err := mem.FetchRules(context.Background(), "t1", "rs1")
	require.NoError(t, err)
	assert.Equal(t, attainmentRuleSet(), rs)
}

func TestSafeCall_RecoversPanicAsError(t *testing.T) {
	err := safeCall(context.Background(), &recordingObserver{panics: true}, func(ctx context.Context, o Observer) error {
		return o.EntityEvaluated(ctx, "b1", model.EntityTrace{})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observer panic: observer blew up")
}
