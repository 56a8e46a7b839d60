// Package lifecycle governs calculation batch state transitions and the
// separation of duties on approval.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/store"
)

// edges is the complete transition table. PUBLISHED has no outgoing edges.
var edges = map[model.LifecycleState][]model.LifecycleState{
	model.StateDraft:           {model.StatePreview},
	model.StatePreview:         {model.StateReconcile, model.StateDraft},
	model.StateReconcile:       {model.StateOfficial, model.StatePreview},
	model.StateOfficial:        {model.StatePendingApproval, model.StatePreview, model.StateReconcile},
	model.StatePendingApproval: {model.StateApproved, model.StateRejected},
	model.StateRejected:        {model.StateOfficial},
	model.StateApproved:        {model.StatePosted, model.StateOfficial},
	model.StatePosted:          {model.StateClosed},
	model.StateClosed:          {model.StatePaid},
	model.StatePaid:            {model.StatePublished},
	model.StatePublished:       nil,
}

// Targets returns the states reachable from s in one step.
func Targets(s model.LifecycleState) []model.LifecycleState {
	out := make([]model.LifecycleState, len(edges[s]))
	copy(out, edges[s])
	return out
}

// Allowed reports whether from -> to is a legal edge.
func Allowed(from, to model.LifecycleState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func Terminal(s model.LifecycleState) bool {
	return s.Valid() && len(edges[s]) == 0
}

func isDecision(from, to model.LifecycleState) bool {
	return from == model.StatePendingApproval && (to == model.StateApproved || to == model.StateRejected)
}

// Store is the persistence the machine needs.
type Store interface {
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	ApplyTransition(ctx context.Context, u store.StateUpdate) (*model.Batch, error)
}

// Result is a successful transition. Warnings carry non-fatal side-effect
// failures such as an audit sink outage.
type Result struct {
	Batch      *model.Batch      `json:"batch"`
	Transition *model.Transition `json:"transition"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger overrides the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// Machine applies lifecycle transitions using optimistic concurrency.
type Machine struct {
	store Store
	audit store.AuditSink
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Machine. audit may be nil.
func New(st Store, audit store.AuditSink, opts ...Option) *Machine {
	m := &Machine{
		store: st,
		audit: audit,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = zap.L()
	}
	return m
}

// Transition moves a batch to target on behalf of actor.
//
// The state check and write are a single compare-and-swap on the batch's
// (state, version); a concurrent writer causes model.ErrConcurrentModification
// and no change. Entering OFFICIAL or later supersedes other current batches
// for the same key.
func (m *Machine) Transition(ctx context.Context, batchID string, target model.LifecycleState, actor string, details map[string]any) (*Result, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, eris.Wrap(model.ErrActorRequired, "lifecycle: transition")
	}

	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "lifecycle: load batch %s", batchID)
	}
	if b.Superseded() {
		return nil, eris.Wrapf(model.ErrSuperseded, "lifecycle: batch %s superseded by %s", b.ID, b.SupersededBy)
	}
	if !Allowed(b.State, target) {
		return nil, &model.InvalidTransitionError{BatchID: b.ID, From: b.State, To: target}
	}
	if isDecision(b.State, target) && actor == b.SubmittedBy {
		return nil, &model.SeparationOfDutiesError{BatchID: b.ID, Actor: actor, To: target}
	}

	tr := model.Transition{
		ID:      uuid.New().String(),
		BatchID: b.ID,
		From:    b.State,
		To:      target,
		Actor:   actor,
		Details: details,
		At:      m.now(),
	}
	u := store.StateUpdate{
		BatchID:         b.ID,
		ExpectedState:   b.State,
		ExpectedVersion: b.Version,
		Transition:      tr,
		Supersede:       target.AtLeast(model.StateOfficial),
	}
	if target == model.StatePendingApproval {
		u.SubmittedBy = actor
	}

	updated, err := m.store.ApplyTransition(ctx, u)
	if err != nil {
		return nil, eris.Wrapf(err, "lifecycle: apply %s -> %s", tr.From, tr.To)
	}

	res := &Result{Batch: updated, Transition: &tr}
	if w := m.recordAudit(ctx, updated, tr); w != "" {
		res.Warnings = append(res.Warnings, w)
	}

	m.log.Info("lifecycle: transition applied",
		zap.String("batch_id", b.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("actor", actor),
		zap.Int("version", updated.Version),
	)
	return res, nil
}

// recordAudit appends the audit entry. Failure does not undo the transition.
func (m *Machine) recordAudit(ctx context.Context, b *model.Batch, tr model.Transition) string {
	if m.audit == nil {
		return ""
	}
	changes := map[string]any{
		"from": string(tr.From),
		"to":   string(tr.To),
	}
	if len(tr.Details) > 0 {
		changes["details"] = tr.Details
	}
	rec := model.AuditRecord{
		ID:           uuid.New().String(),
		TenantID:     b.TenantID,
		Action:       model.AuditStateTransition,
		ResourceType: model.ResourceBatch,
		ResourceID:   b.ID,
		Actor:        tr.Actor,
		Changes:      changes,
		Timestamp:    tr.At,
	}
	if err := m.audit.Append(ctx, rec); err != nil {
		m.log.Warn("lifecycle: audit append failed",
			zap.String("batch_id", b.ID),
			zap.Error(err),
		)
		return "audit entry not recorded: " + err.Error()
	}
	return ""
}
