// Package pipeline runs a calculation batch: derive metrics, evaluate
// components and trajectories per entity, summarize, and persist.
package pipeline

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/comp-engine/internal/config"
	"github.com/sells-group/comp-engine/internal/derive"
	"github.com/sells-group/comp-engine/internal/evaluate"
	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/reconcile"
	"github.com/sells-group/comp-engine/internal/resilience"
	"github.com/sells-group/comp-engine/internal/ruleset"
	"github.com/sells-group/comp-engine/internal/store"
	"github.com/sells-group/comp-engine/internal/trajectory"
)

// SystemActor is recorded as the creator of batches started without a user.
const SystemActor = "system"

// Pipeline orchestrates batch runs against one store.
type Pipeline struct {
	cfg       *config.Config
	rows      store.RowSource
	batches   store.BatchStore
	audit     store.AuditSink
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
	retry     resilience.Policy
	observers []Observer
	now       func() time.Time
	newID     func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObservers registers observers called synchronously during a run.
func WithObservers(obs ...Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, obs...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDs overrides batch and audit id generation.
func WithIDs(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

// WithRetryPolicy overrides the row store retry policy.
func WithRetryPolicy(policy resilience.Policy) Option {
	return func(p *Pipeline) { p.retry = policy }
}

// New creates a Pipeline. rows may be a caching decorator over the same
// store that backs batches.
func New(cfg *config.Config, rows store.RowSource, batches store.BatchStore, audit store.AuditSink, opts ...Option) *Pipeline {
	limit := rate.Inf
	if cfg.Engine.RowsPerSecond > 0 {
		limit = rate.Limit(cfg.Engine.RowsPerSecond)
	}
	burst := max(cfg.Engine.MaxConcurrentEntities, 1)

	p := &Pipeline{
		cfg:     cfg,
		rows:    rows,
		batches: batches,
		audit:   audit,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewBreaker(cfg.Engine.BreakerThreshold, time.Duration(cfg.Engine.BreakerCooldownSecs)*time.Second),
		retry:   cfg.Retry.Policy(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunRequest identifies the batch to compute.
type RunRequest struct {
	TenantID  string `json:"tenant_id"`
	RuleSetID string `json:"rule_set_id"`
	PeriodID  string `json:"period_id"`
	Actor     string `json:"actor,omitempty"`
	// EntityIDs restricts the run; empty means every entity of the tenant.
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// RunResult is a persisted batch with its traces.
type RunResult struct {
	Batch    *model.Batch        `json:"batch"`
	Traces   []model.EntityTrace `json:"traces,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// Run computes and persists a new DRAFT batch. Rule-set defects fail the
// run before any entity is evaluated. A failing entity is recorded in its
// trace and the batch proceeds. Nothing is written if the batch itself
// cannot be persisted.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.TenantID == "" || req.RuleSetID == "" || req.PeriodID == "" {
		return nil, eris.New("pipeline: tenant, rule set and period are required")
	}
	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}
	batchID := p.newID()
	log := zap.L().With(
		zap.String("batch_id", batchID),
		zap.String("tenant_id", req.TenantID),
		zap.String("rule_set_id", req.RuleSetID),
		zap.String("period_id", req.PeriodID),
	)
	start := p.now()

	rs, err := resilience.DoVal(ctx, p.policy("fetch rules"), func(ctx context.Context) (*model.RuleSet, error) {
		return callVal(ctx, p.breaker, func(ctx context.Context) (*model.RuleSet, error) {
			return p.rows.FetchRules(ctx, req.TenantID, req.RuleSetID)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: fetch rule set %s", req.RuleSetID)
	}
	rs = rs.Clone()
	ruleset.Normalize(rs)
	warnings, err := ruleset.Validate(rs)
	if err != nil {
		return nil, err
	}
	prog, err := derive.Compile(rs.DerivationRules)
	if err != nil {
		return nil, err
	}

	entities, err := resilience.DoVal(ctx, p.policy("fetch entities"), func(ctx context.Context) ([]model.EntityRef, error) {
		return callVal(ctx, p.breaker, func(ctx context.Context) ([]model.EntityRef, error) {
			return p.rows.FetchEntities(ctx, req.TenantID)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: fetch entities")
	}
	entities = restrict(entities, req.EntityIDs)

	log.Info("pipeline: batch started", zap.Int("entities", len(entities)), zap.Int("warnings", len(warnings)))

	traces, failed := p.evaluateAll(ctx, batchID, req, rs, prog, entities)
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: run cancelled")
	}

	summary := reconcile.SummarizeWith(traces, p.cfg.Reconcile.OutlierZ)
	batch := &model.Batch{
		ID:          batchID,
		TenantID:    req.TenantID,
		RuleSetID:   req.RuleSetID,
		PeriodID:    req.PeriodID,
		State:       model.StateDraft,
		EntityCount: len(traces),
		Summary:     &summary,
		CreatedBy:   actor,
		CreatedAt:   p.now(),
	}
	batch.UpdatedAt = batch.CreatedAt

	err = resilience.Do(ctx, p.policy("create batch"), func(ctx context.Context) error {
		return p.batches.CreateBatch(ctx, batch, traces)
	})
	if err != nil {
		return nil, &model.PersistenceError{Op: "create batch", Err: err}
	}

	if w := p.recordCreated(ctx, batch, actor); w != "" {
		warnings = append(warnings, w)
	}

	p.notify(ctx, log, "batch completed", func(ctx context.Context, o Observer) error {
		return o.BatchCompleted(ctx, batch, traces)
	})

	log.Info("pipeline: batch complete",
		zap.Int("entities", len(traces)),
		zap.Int64("failed", failed),
		zap.Float64("grand_total", summary.GrandTotal),
		zap.Int("outliers", len(summary.Outliers)),
		zap.Duration("elapsed", p.now().Sub(start)),
	)
	return &RunResult{Batch: batch, Traces: traces, Warnings: warnings}, nil
}

// evaluateAll fans out across entities. Each goroutine writes only its own
// slot, so no locking is needed.
func (p *Pipeline) evaluateAll(ctx context.Context, batchID string, req RunRequest, rs *model.RuleSet, prog *derive.Program, entities []model.EntityRef) ([]model.EntityTrace, int64) {
	traces := make([]model.EntityTrace, len(entities))
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Engine.MaxConcurrentEntities, 1))

	for i, e := range entities {
		g.Go(func() error {
			tr, err := p.evaluateEntity(gctx, req, rs, prog, e)
			if err != nil {
				failed.Add(1)
				tr = model.EntityTrace{
					EntityID:   e.ID,
					EntityName: e.Name,
					GroupID:    e.GroupID,
					Variant:    tr.Variant,
					Components: []model.ExecutionTrace{},
					Error:      (&model.PersistenceError{Op: "fetch rows", EntityID: e.ID, Err: err}).Error(),
				}
				zap.L().Warn("pipeline: entity failed",
					zap.String("batch_id", batchID),
					zap.String("entity_id", e.ID),
					zap.Error(err),
				)
			}
			traces[i] = tr
			p.notify(gctx, zap.L(), "entity evaluated", func(ctx context.Context, o Observer) error {
				return o.EntityEvaluated(ctx, batchID, tr)
			})
			return nil // a failed entity never aborts the batch
		})
	}
	_ = g.Wait()
	return traces, failed.Load()
}

func (p *Pipeline) evaluateEntity(ctx context.Context, req RunRequest, rs *model.RuleSet, prog *derive.Program, e model.EntityRef) (model.EntityTrace, error) {
	variant, components := rs.ComponentsFor(e)

	rows, err := p.fetchRows(ctx, req, e)
	if err != nil {
		return model.EntityTrace{Variant: variant}, err
	}

	derived := prog.Derive(rows)
	metrics := evaluate.Metrics{Values: derived.Metrics, Status: derived.Status}
	execs, total := evaluate.EvaluateAll(metrics, components)
	trajectories, best := trajectory.ForEntity(metrics, components, execs)

	return model.EntityTrace{
		EntityID:        e.ID,
		EntityName:      e.Name,
		GroupID:         e.GroupID,
		Variant:         variant,
		Metrics:         derived.Metrics,
		MetricStatus:    derived.Status,
		Components:      execs,
		Total:           total,
		Trajectories:    trajectories,
		BestOpportunity: best,
	}, nil
}

// fetchRows collects one entity's rows, plus its group's rows when enabled.
// A retried attempt starts from an empty slice.
func (p *Pipeline) fetchRows(ctx context.Context, req RunRequest, e model.EntityRef) ([]model.Row, error) {
	filter := store.RowFilter{EntityIDs: []string{e.ID}, PageSize: p.cfg.Engine.PageSize}
	if p.cfg.Engine.IncludeGroupRows && e.GroupID != "" && e.GroupID != e.ID {
		filter.EntityIDs = append(filter.EntityIDs, e.GroupID)
	}

	return resilience.DoVal(ctx, p.policy("fetch rows"), func(ctx context.Context) ([]model.Row, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pipeline: rate limit wait")
		}
		return callVal(ctx, p.breaker, func(ctx context.Context) ([]model.Row, error) {
			var rows []model.Row
			err := p.rows.FetchRows(ctx, req.TenantID, req.PeriodID, filter, func(r model.Row) error {
				rows = append(rows, r)
				return nil
			})
			return rows, err
		})
	})
}

func (p *Pipeline) policy(op string) resilience.Policy {
	policy := p.retry
	policy.OnRetry = resilience.LogRetries("pipeline: " + op)
	return policy
}

func (p *Pipeline) recordCreated(ctx context.Context, b *model.Batch, actor string) string {
	if p.audit == nil {
		return ""
	}
	err := p.audit.Append(ctx, model.AuditRecord{
		ID:           p.newID(),
		TenantID:     b.TenantID,
		Action:       model.AuditBatchCreated,
		ResourceType: model.ResourceBatch,
		ResourceID:   b.ID,
		Actor:        actor,
		Changes: map[string]any{
			"rule_set_id":  b.RuleSetID,
			"period_id":    b.PeriodID,
			"entity_count": b.EntityCount,
			"state":        string(b.State),
		},
		Timestamp: b.CreatedAt,
	})
	if err != nil {
		zap.L().Warn("pipeline: audit append failed", zap.String("batch_id", b.ID), zap.Error(err))
		return "audit entry not recorded: " + err.Error()
	}
	return ""
}

func callVal[T any](ctx context.Context, b *resilience.Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func restrict(entities []model.EntityRef, ids []string) []model.EntityRef {
	if len(ids) == 0 {
		return entities
	}
	out := entities[:0:0]
	for _, e := range entities {
		if slices.Contains(ids, e.ID) {
			out = append(out, e)
		}
	}
	return out
}
