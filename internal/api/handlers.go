package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/cache"
	"github.com/sells-group/comp-engine/internal/ingest"
	"github.com/sells-group/comp-engine/internal/lifecycle"
	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/pipeline"
	"github.com/sells-group/comp-engine/internal/reconcile"
	"github.com/sells-group/comp-engine/internal/store"
)

// Request headers naming the caller. Authentication is the host's concern;
// these carry the already-authenticated identity.
const (
	HeaderActor    = "X-Actor"
	HeaderAudience = "X-Audience"
)

// Runner computes batches.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

// Transitioner applies lifecycle transitions.
type Transitioner interface {
	Transition(ctx context.Context, batchID string, target model.LifecycleState, actor string, details map[string]any) (*lifecycle.Result, error)
}

// RuleCache reports rule cache counters for /health.
type RuleCache interface {
	Stats() cache.Stats
}

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	batches   store.BatchStore
	runner    Runner
	lifecycle Transitioner
	reconcile reconcile.Options
	audit     store.AuditLog
	rules     RuleCache
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithAuditLog enables GET /api/batches/{id}/audit.
func WithAuditLog(a store.AuditLog) Option {
	return func(h *Handler) { h.audit = a }
}

// WithRuleCache adds rule cache counters to /health.
func WithRuleCache(c RuleCache) Option {
	return func(h *Handler) { h.rules = c }
}

// NewHandler creates a Handler. runner may be nil to disable POST /api/runs.
func NewHandler(batches store.BatchStore, runner Runner, lc Transitioner, opts reconcile.Options, options ...Option) *Handler {
	h := &Handler{batches: batches, runner: runner, lifecycle: lc, reconcile: opts}
	for _, o := range options {
		o(h)
	}
	return h
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// TransitionRequest is the body of POST /api/batches/{id}/transitions.
type TransitionRequest struct {
	Target  model.LifecycleState `json:"target"`
	Actor   string               `json:"actor,omitempty"`
	Details map[string]any       `json:"details,omitempty"`
}

// ReconcileRequest is the JSON body of POST /api/batches/{id}/reconcile.
type ReconcileRequest struct {
	GroundTruth []model.GroundTruth `json:"ground_truth"`
}

// ReconcileResponse wraps a report with its match rate.
type ReconcileResponse struct {
	BatchID   string           `json:"batch_id"`
	MatchRate float64          `json:"match_rate"`
	Report    reconcile.Report `json:"report"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string       `json:"status"`
	RuleCache *cache.Stats `json:"rule_cache,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.rules != nil {
		st := h.rules.Stats()
		resp.RuleCache = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// BatchView is a batch plus what the requesting actor may do with it.
type BatchView struct {
	*model.Batch
	Actions *ActorActions `json:"actions,omitempty"`
}

// ActorActions lists the transitions open to the X-Actor caller. A
// submitter cannot act on their own batch while it awaits approval.
type ActorActions struct {
	Actor   string                 `json:"actor"`
	CanAct  bool                   `json:"can_act"`
	Targets []model.LifecycleState `json:"targets"`
}

// CreateRun computes a new DRAFT batch.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusNotImplemented, "runs are disabled", nil)
		return
	}
	var req pipeline.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TenantID == "" || req.RuleSetID == "" || req.PeriodID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, rule_set_id and period_id are required", nil)
		return
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get(HeaderActor)
	}

	res, err := h.runner.Run(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res.Traces = nil
	writeJSON(w, http.StatusCreated, res)
}

// ListBatches lists current batches visible to the caller's audience.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.BatchFilter{
		TenantID:          q.Get("tenant_id"),
		RuleSetID:         q.Get("rule_set_id"),
		PeriodID:          q.Get("period_id"),
		State:             model.LifecycleState(strings.ToUpper(q.Get("state"))),
		IncludeSuperseded: q.Get("include_superseded") == "true",
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset", err)
		return
	}

	batches, err := h.batches.ListBatches(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	aud := audience(r)
	visible := make([]model.Batch, 0, len(batches))
	for _, b := range batches {
		if lifecycle.CanView(b.State, aud) {
			visible = append(visible, b)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// GetBatch returns one batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := h.visibleBatch(w, r)
	if !ok {
		return
	}
	view := BatchView{Batch: b}
	if actor := r.Header.Get(HeaderActor); actor != "" {
		acts := &ActorActions{Actor: actor, CanAct: lifecycle.CanAct(b, actor), Targets: []model.LifecycleState{}}
		if acts.CanAct {
			acts.Targets = lifecycle.Targets(b.State)
		}
		view.Actions = acts
	}
	writeJSON(w, http.StatusOK, view)
}

// GetSummary returns the batch's aggregate summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	b, ok := h.visibleBatch(w, r)
	if !ok {
		return
	}
	if b.Summary == nil {
		writeJSON(w, http.StatusOK, model.Summary{})
		return
	}
	writeJSON(w, http.StatusOK, b.Summary)
}

// GetTraces returns entity traces, optionally narrowed by ?entity_id=.
func (h *Handler) GetTraces(w http.ResponseWriter, r *http.Request) {
	b, ok := h.visibleBatch(w, r)
	if !ok {
		return
	}
	traces, err := h.batches.ReadTraces(r.Context(), b.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if id := r.URL.Query().Get("entity_id"); id != "" {
		filtered := traces[:0]
		for _, tr := range traces {
			if tr.EntityID == id {
				filtered = append(filtered, tr)
			}
		}
		traces = filtered
	}
	if traces == nil {
		traces = []model.EntityTrace{}
	}
	writeJSON(w, http.StatusOK, traces)
}

// GetHistory returns the batch's ordered transitions.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	b, ok := h.visibleBatch(w, r)
	if !ok {
		return
	}
	hist, err := h.batches.History(r.Context(), b.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if hist == nil {
		hist = []model.Transition{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetAudit returns the batch's audit trail. Admin audience only.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log is not available", nil)
		return
	}
	if aud := audience(r); aud != lifecycle.AudienceAdmin {
		writeError(w, http.StatusForbidden, "audit log is not visible to "+string(aud)+" audience", nil)
		return
	}
	b, ok := h.visibleBatch(w, r)
	if !ok {
		return
	}
	recs, err := h.audit.AuditFor(r.Context(), model.ResourceBatch, b.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Transition moves a batch to the requested state.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.Target = model.LifecycleState(strings.ToUpper(string(req.Target)))
	if !req.Target.Valid() {
		writeError(w, http.StatusBadRequest, "unknown target state", nil)
		return
	}
	actor := r.Header.Get(HeaderActor)
	if actor == "" {
		actor = req.Actor
	}

	res, err := h.lifecycle.Transition(r.Context(), chi.URLParam(r, "id"), req.Target, actor, req.Details)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reconcile diffs the batch against ground truth supplied as JSON or CSV.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	b, ok := h.visibleBatch(w, r)
	if !ok {
		return
	}

	var truths []model.GroundTruth
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		var err error
		if truths, err = ingest.ReadGroundTruth(r.Context(), r.Body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid ground truth csv", err)
			return
		}
	} else {
		var req ReconcileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		truths = req.GroundTruth
	}

	traces, err := h.batches.ReadTraces(r.Context(), b.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rep := reconcile.Compare(traces, truths, h.reconcile)
	writeJSON(w, http.StatusOK, ReconcileResponse{BatchID: b.ID, MatchRate: rep.MatchRate(), Report: rep})
}

// visibleBatch loads the {id} batch and enforces audience gating.
func (h *Handler) visibleBatch(w http.ResponseWriter, r *http.Request) (*model.Batch, bool) {
	b, err := h.batches.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if aud := audience(r); !lifecycle.CanView(b.State, aud) {
		writeError(w, http.StatusForbidden, "batch is not visible to "+string(aud)+" audience", nil)
		return nil, false
	}
	return b, true
}

func audience(r *http.Request) lifecycle.Audience {
	if v := r.URL.Query().Get("audience"); v != "" {
		return lifecycle.ParseAudience(v)
	}
	return lifecycle.ParseAudience(r.Header.Get(HeaderAudience))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, eris.New("must be a non-negative integer")
	}
	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConfiguration), errors.Is(err, model.ErrActorRequired):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSeparationOfDuties):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConcurrentModification), errors.Is(err, model.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, status, http.StatusText(status), nil)
		return
	}
	writeError(w, status, err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
