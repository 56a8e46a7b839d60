package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/config"
	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/store"
)

func testCfg(url string) config.MonitoringConfig {
	return config.MonitoringConfig{
		WebhookURL:           url,
		FailureRateThreshold: 0.05,
		MaxOutliers:          1,
		StaleApprovalHours:   24,
	}
}

func okTrace(id string, missing bool) model.EntityTrace {
	return model.EntityTrace{EntityID: id, Variant: "default", Components: []model.ExecutionTrace{
		{ComponentID: "c1", MissingData: missing},
	}}
}

func TestSnapshot(t *testing.T) {
	b := &model.Batch{ID: "b1", TenantID: "t1", PeriodID: "2026-02", Summary: &model.Summary{
		GrandTotal: 1200,
		Outliers:   []model.Outlier{{EntityID: "e1"}},
	}}
	traces := []model.EntityTrace{
		okTrace("e1", false),
		okTrace("e2", true),
		{EntityID: "e3", Error: "boom"},
		{EntityID: "e4"},
	}

	snap := Snapshot(b, traces)
	assert.Equal(t, 4, snap.EntityCount)
	assert.Equal(t, 1, snap.FailedEntities)
	assert.InDelta(t, 0.25, snap.FailureRate, 1e-9)
	assert.Equal(t, 1, snap.MissingData)
	assert.Equal(t, 1, snap.OutlierCount)
	assert.InDelta(t, 1200, snap.GrandTotal, 1e-9)
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(testCfg(""))

	t.Run("healthy", func(t *testing.T) {
		alerts := a.Evaluate(&BatchSnapshot{BatchID: "b1", EntityCount: 100, FailedEntities: 2, FailureRate: 0.02, OutlierCount: 1})
		assert.Empty(t, alerts)
	})

	t.Run("failure rate and outliers", func(t *testing.T) {
		alerts := a.Evaluate(&BatchSnapshot{BatchID: "b1", EntityCount: 10, FailedEntities: 2, FailureRate: 0.2, OutlierCount: 3})
		require.Len(t, alerts, 2)
		assert.Equal(t, AlertEntityFailureRate, alerts[0].Type)
		assert.Equal(t, "high", alerts[0].Severity)
		assert.Equal(t, AlertOutliers, alerts[1].Type)
	})

	t.Run("no data anywhere", func(t *testing.T) {
		alerts := a.Evaluate(&BatchSnapshot{BatchID: "b1", PeriodID: "2026-02", EntityCount: 3, MissingData: 3})
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertNoData, alerts[0].Type)
		assert.Contains(t, alerts[0].Message, "2026-02")
	})

	t.Run("empty batch", func(t *testing.T) {
		assert.Empty(t, a.Evaluate(&BatchSnapshot{BatchID: "b1"}))
	})
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(testCfg(srv.URL))
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertOutliers, Severity: "medium", Message: "a"},
		{Type: AlertNoData, Severity: "high", Message: "b"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testCfg(""))
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertOutliers}}))
}

func TestAlerter_BatchCompleted(t *testing.T) {
	var received atomic.Int32
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := NewAlerter(testCfg(srv.URL))
	b := &model.Batch{ID: "b1", Summary: &model.Summary{}}
	traces := []model.EntityTrace{okTrace("e1", false), {EntityID: "e2", Error: "boom"}}

	require.NoError(t, a.EntityEvaluated(context.Background(), "b1", traces[0]))
	require.NoError(t, a.BatchCompleted(context.Background(), b, traces))
	assert.Equal(t, int32(1), received.Load())

	status = http.StatusInternalServerError
	err := a.BatchCompleted(context.Background(), b, traces)
	assert.Error(t, err)
}

func TestCollector_StaleApprovals(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	old := time.Now().Add(-72 * time.Hour)

	b := &model.Batch{ID: "b1", TenantID: "t1", RuleSetID: "rs1", PeriodID: "p1", State: model.StateOfficial, Version: 3, CreatedAt: old, UpdatedAt: old}
	require.NoError(t, mem.CreateBatch(ctx, b, nil))
	_, err := mem.ApplyTransition(ctx, store.StateUpdate{
		BatchID: "b1", ExpectedState: model.StateOfficial, ExpectedVersion: 3, SubmittedBy: "alice",
		Transition: model.Transition{ID: "tr1", BatchID: "b1", From: model.StateOfficial, To: model.StatePendingApproval, Actor: "alice", At: old},
	})
	require.NoError(t, err)

	fresh := &model.Batch{ID: "b2", TenantID: "t1", RuleSetID: "rs1", PeriodID: "p2", State: model.StateDraft, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, mem.CreateBatch(ctx, fresh, nil))

	c := NewCollector(mem)
	stale, err := c.StaleApprovals(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "b1", stale[0].BatchID)
	assert.Equal(t, "alice", stale[0].SubmittedBy)

	stale, err = c.StaleApprovals(ctx, 100*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestChecker_CheckSendsStaleAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	mem := store.NewMemory()
	old := time.Now().Add(-72 * time.Hour)
	b := &model.Batch{ID: "b1", TenantID: "t1", RuleSetID: "rs1", PeriodID: "p1", State: model.StateOfficial, CreatedAt: old, UpdatedAt: old}
	require.NoError(t, mem.CreateBatch(ctx, b, nil))
	_, err := mem.ApplyTransition(ctx, store.StateUpdate{
		BatchID: "b1", ExpectedState: model.StateOfficial, SubmittedBy: "alice",
		Transition: model.Transition{ID: "tr1", BatchID: "b1", From: model.StateOfficial, To: model.StatePendingApproval, Actor: "alice", At: old},
	})
	require.NoError(t, err)

	cfg := testCfg(srv.URL)
	chk := NewChecker(NewCollector(mem), NewAlerter(cfg), cfg)
	alerts := chk.check(ctx, zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleApproval, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := testCfg("")
	cfg.CheckIntervalSecs = 3600
	chk := NewChecker(NewCollector(store.NewMemory()), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		chk.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}
