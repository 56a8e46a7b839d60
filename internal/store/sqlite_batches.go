package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/comp-engine/internal/model"
)

const batchColumns = `id, tenant_id, rule_set_id, period_id, lifecycle_state, version, entity_count, summary, superseded_by, submitted_by, created_by, created_at, updated_at`

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch, traces []model.EntityTrace) error {
	summary, err := marshalOptional(b.Summary, b.Summary == nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create batch")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET superseded_by = ?, updated_at = ?
		 WHERE tenant_id = ? AND rule_set_id = ? AND period_id = ? AND superseded_by IS NULL`,
		b.ID, b.CreatedAt, b.TenantID, b.RuleSetID, b.PeriodID,
	); err != nil {
		return eris.Wrap(err, "sqlite: supersede prior batch")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.RuleSetID, b.PeriodID, string(b.State), b.Version, b.EntityCount,
		summary, nullString(b.SupersededBy), b.SubmittedBy, b.CreatedBy, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert batch %s", b.ID)
	}

	if err := writeTraces(ctx, tx, b.ID, traces); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create batch")
}

func writeTraces(ctx context.Context, tx *sql.Tx, batchID string, traces []model.EntityTrace) error {
	if len(traces) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entity_traces (batch_id, entity_id, total, error, trace) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare write traces")
	}
	defer stmt.Close() //nolint:errcheck

	for _, tr := range traces {
		body, err := json.Marshal(tr)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal trace for %s", tr.EntityID)
		}
		if _, err := stmt.ExecContext(ctx, batchID, tr.EntityID, tr.Total, tr.Error, string(body)); err != nil {
			return eris.Wrapf(err, "sqlite: insert trace for %s", tr.EntityID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: batch %s", batchID)
	}
	return b, err
}

func (s *SQLiteStore) CurrentBatch(ctx context.Context, key model.BatchKey) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE tenant_id = ? AND rule_set_id = ? AND period_id = ? AND superseded_by IS NULL`,
		key.TenantID, key.RuleSetID, key.PeriodID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: current batch for %s/%s/%s", key.TenantID, key.RuleSetID, key.PeriodID)
	}
	return b, err
}

func (s *SQLiteStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.RuleSetID != "" {
		query += ` AND rule_set_id = ?`
		args = append(args, f.RuleSetID)
	}
	if f.PeriodID != "" {
		query += ` AND period_id = ?`
		args = append(args, f.PeriodID)
	}
	if f.State != "" {
		query += ` AND lifecycle_state = ?`
		args = append(args, string(f.State))
	}
	if !f.IncludeSuperseded {
		query += ` AND superseded_by IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) ApplyTransition(ctx context.Context, u StateUpdate) (*model.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	at := u.Transition.At
	res, err := tx.ExecContext(ctx,
		`UPDATE batches
		 SET lifecycle_state = ?, version = version + 1,
		     submitted_by = CASE WHEN ? <> '' THEN ? ELSE submitted_by END,
		     updated_at = ?
		 WHERE id = ? AND lifecycle_state = ? AND version = ? AND superseded_by IS NULL`,
		string(u.Transition.To), u.SubmittedBy, u.SubmittedBy, at,
		u.BatchID, string(u.ExpectedState), u.ExpectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update batch state %s", u.BatchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE id = ?`, u.BatchID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: batch %s", u.BatchID)
		}
		return nil, eris.Wrapf(model.ErrConcurrentModification, "sqlite: batch %s", u.BatchID)
	}

	details, err := marshalOptional(u.Transition.Details, len(u.Transition.Details) == 0)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal transition details")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batch_transitions (id, batch_id, from_state, to_state, actor, details, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Transition.ID, u.BatchID, string(u.Transition.From), string(u.Transition.To), u.Transition.Actor, details, at,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert transition")
	}

	if u.Supersede {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET superseded_by = ?, updated_at = ?
			 WHERE id <> ? AND superseded_by IS NULL
			   AND (tenant_id, rule_set_id, period_id) = (SELECT tenant_id, rule_set_id, period_id FROM batches WHERE id = ?)`,
			u.BatchID, at, u.BatchID, u.BatchID,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: supersede on transition")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit transition")
	}
	return s.GetBatch(ctx, u.BatchID)
}

func (s *SQLiteStore) ReadTraces(ctx context.Context, batchID string) ([]model.EntityTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trace FROM entity_traces WHERE batch_id = ? ORDER BY entity_id`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read traces")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntityTrace
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trace")
		}
		var tr model.EntityTrace
		if err := json.Unmarshal([]byte(body), &tr); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal trace")
		}
		out = append(out, tr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: read traces iterate")
}

func (s *SQLiteStore) History(ctx context.Context, batchID string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, from_state, to_state, actor, details, at FROM batch_transitions
		 WHERE batch_id = ? ORDER BY at, rowid`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var details sql.NullString
		if err := rows.Scan(&t.ID, &t.BatchID, &t.From, &t.To, &t.Actor, &details, &t.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transition")
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &t.Details); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal transition details")
			}
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history iterate")
}

// Append writes an audit record.
func (s *SQLiteStore) Append(ctx context.Context, rec model.AuditRecord) error {
	changes, err := marshalOptional(rec.Changes, len(rec.Changes) == 0)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit changes")
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, action, resource_type, resource_id, actor, changes, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.Action, rec.ResourceType, rec.ResourceID, rec.Actor, changes, ts,
	)
	return eris.Wrap(err, "sqlite: append audit")
}

// AuditFor lists audit records for one resource, oldest first.
func (s *SQLiteStore) AuditFor(ctx context.Context, resourceType, resourceID string) ([]model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, action, resource_type, resource_id, actor, changes, timestamp FROM audit_log
		 WHERE resource_type = ? AND resource_id = ? ORDER BY timestamp, rowid`, resourceType, resourceID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: audit for")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var changes sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Action, &r.ResourceType, &r.ResourceID, &r.Actor, &changes, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &r.Changes); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal audit changes")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: audit iterate")
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var summary, supersededBy sql.NullString
	err := row.Scan(&b.ID, &b.TenantID, &b.RuleSetID, &b.PeriodID, &b.State, &b.Version, &b.EntityCount,
		&summary, &supersededBy, &b.SubmittedBy, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan batch")
	}
	b.SupersededBy = supersededBy.String
	if summary.Valid {
		b.Summary = &model.Summary{}
		if err := json.Unmarshal([]byte(summary.String), b.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &b, nil
}

var _ Store = (*SQLiteStore)(nil)
