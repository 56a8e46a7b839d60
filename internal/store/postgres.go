package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/comp-engine/internal/db"
	"github.com/sells-group/comp-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_rows (
	id         BIGSERIAL PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	data_type  TEXT NOT NULL,
	entity_id  TEXT NOT NULL DEFAULT '',
	period_id  TEXT NOT NULL DEFAULT '',
	fields     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_source_rows_scan ON source_rows(tenant_id, period_id, entity_id, id);

CREATE TABLE IF NOT EXISTS rule_sets (
	tenant_id  TEXT NOT NULL,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS entities (
	tenant_id  TEXT NOT NULL,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	group_id   TEXT NOT NULL DEFAULT '',
	attributes JSONB,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS batches (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	rule_set_id     TEXT NOT NULL,
	period_id       TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	entity_count    INTEGER NOT NULL DEFAULT 0,
	summary         JSONB,
	superseded_by   TEXT,
	submitted_by    TEXT NOT NULL DEFAULT '',
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_current
	ON batches(tenant_id, rule_set_id, period_id) WHERE superseded_by IS NULL;

CREATE TABLE IF NOT EXISTS entity_traces (
	batch_id  TEXT NOT NULL REFERENCES batches(id),
	entity_id TEXT NOT NULL,
	total     DOUBLE PRECISION NOT NULL,
	error     TEXT NOT NULL DEFAULT '',
	trace     JSONB NOT NULL,
	PRIMARY KEY (batch_id, entity_id)
);

CREATE TABLE IF NOT EXISTS batch_transitions (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	actor      TEXT NOT NULL,
	details    JSONB,
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_transitions_batch ON batch_transitions(batch_id, at);

CREATE TABLE IF NOT EXISTS audit_log (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	changes       JSONB,
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Importer ---

var sourceRowColumns = []string{"tenant_id", "data_type", "entity_id", "period_id", "fields", "created_at"}

// AppendRows bulk-loads rows with COPY.
func (s *PostgresStore) AppendRows(ctx context.Context, rows []model.Row) (int, error) {
	now := time.Now().UTC()
	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal row fields")
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		data = append(data, []any{r.TenantID, r.DataType, r.EntityID, r.PeriodID, fields, created})
	}
	n, err := db.CopyFrom(ctx, s.pool, "source_rows", sourceRowColumns, data)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append rows")
	}
	return int(n), nil
}

func (s *PostgresStore) SaveRuleSet(ctx context.Context, rs *model.RuleSet) error {
	body, err := json.Marshal(rs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rule set")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rule_sets (tenant_id, id, name, body, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET name = EXCLUDED.name, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		rs.TenantID, rs.ID, rs.Name, body, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save rule set %s", rs.ID)
}

// UpsertEntities merges the entity roster through a COPY-backed upsert.
func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.EntityRef) (int, error) {
	data := make([][]any, 0, len(entities))
	for _, e := range entities {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal entity attributes")
		}
		data = append(data, []any{e.TenantID, e.ID, e.Name, e.GroupID, attrs})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "entities",
		Columns:      []string{"tenant_id", "id", "name", "group_id", "attributes"},
		ConflictKeys: []string{"tenant_id", "id"},
	}, data)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert entities")
	}
	return int(n), nil
}

// --- RowSource ---

func (s *PostgresStore) FetchRows(ctx context.Context, tenantID, periodID string, filter RowFilter, fn func(model.Row) error) error {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	base := `SELECT id, tenant_id, data_type, entity_id, period_id, fields, created_at FROM source_rows WHERE tenant_id = $1`
	args := []any{tenantID}
	if periodID != "" {
		args = append(args, periodID)
		base += fmt.Sprintf(` AND period_id = $%d`, len(args))
	}
	if len(filter.EntityIDs) > 0 {
		args = append(args, filter.EntityIDs)
		cond := fmt.Sprintf(`entity_id = ANY($%d)`, len(args))
		if filter.IncludeUnowned {
			cond = `(` + cond + ` OR entity_id = '')`
		}
		base += ` AND ` + cond
	}
	n := len(args)
	query := base + fmt.Sprintf(` AND (entity_id, id) > ($%d, $%d) ORDER BY entity_id, id LIMIT $%d`, n+1, n+2, n+3)

	lastEntity, lastID := "", int64(0)
	for {
		page, err := s.queryRows(ctx, query, append(append([]any{}, args...), lastEntity, lastID, pageSize))
		if err != nil {
			return err
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		last := page[len(page)-1]
		lastEntity, lastID = last.EntityID, last.ID
	}
}

func (s *PostgresStore) queryRows(ctx context.Context, query string, args []any) ([]model.Row, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch rows")
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var r model.Row
		var fields []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.DataType, &r.EntityID, &r.PeriodID, &fields, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan row")
		}
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal row %d fields", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: fetch rows iterate")
}

func (s *PostgresStore) FetchRules(ctx context.Context, tenantID, ruleSetID string) (*model.RuleSet, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM rule_sets WHERE tenant_id = $1 AND id = $2`, tenantID, ruleSetID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: rule set %s", ruleSetID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: fetch rule set %s", ruleSetID)
	}
	var rs model.RuleSet
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal rule set %s", ruleSetID)
	}
	return &rs, nil
}

func (s *PostgresStore) FetchEntities(ctx context.Context, tenantID string) ([]model.EntityRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, id, name, group_id, attributes FROM entities WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch entities")
	}
	defer rows.Close()

	var out []model.EntityRef
	for rows.Next() {
		var e model.EntityRef
		var attrs []byte
		if err := rows.Scan(&e.TenantID, &e.ID, &e.Name, &e.GroupID, &attrs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal entity %s attributes", e.ID)
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: fetch entities iterate")
}

// --- BatchStore ---

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch, traces []model.EntityTrace) error {
	var summary []byte
	if b.Summary != nil {
		var err error
		if summary, err = json.Marshal(b.Summary); err != nil {
			return eris.Wrap(err, "postgres: marshal summary")
		}
	}

	traceRows := make([][]any, 0, len(traces))
	for _, tr := range traces {
		body, err := json.Marshal(tr)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal trace for %s", tr.EntityID)
		}
		traceRows = append(traceRows, []any{b.ID, tr.EntityID, tr.Total, tr.Error, body})
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE batches SET superseded_by = $1, updated_at = $2
			 WHERE tenant_id = $3 AND rule_set_id = $4 AND period_id = $5 AND superseded_by IS NULL`,
			b.ID, b.CreatedAt, b.TenantID, b.RuleSetID, b.PeriodID,
		); err != nil {
			return eris.Wrap(err, "postgres: supersede prior batch")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO batches (`+batchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			b.ID, b.TenantID, b.RuleSetID, b.PeriodID, string(b.State), b.Version, b.EntityCount,
			summary, nullableText(b.SupersededBy), b.SubmittedBy, b.CreatedBy, b.CreatedAt, b.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert batch %s", b.ID)
		}
		if _, err := db.CopyFrom(ctx, tx, "entity_traces",
			[]string{"batch_id", "entity_id", "total", "error", "trace"}, traceRows); err != nil {
			return eris.Wrap(err, "postgres: write traces")
		}
		return nil
	})
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	b, err := scanPgBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: batch %s", batchID)
	}
	return b, err
}

func (s *PostgresStore) CurrentBatch(ctx context.Context, key model.BatchKey) (*model.Batch, error) {
	b, err := scanPgBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE tenant_id = $1 AND rule_set_id = $2 AND period_id = $3 AND superseded_by IS NULL`,
		key.TenantID, key.RuleSetID, key.PeriodID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: current batch for %s/%s/%s", key.TenantID, key.RuleSetID, key.PeriodID)
	}
	return b, err
}

func (s *PostgresStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if f.TenantID != "" {
		add(` AND tenant_id = $%d`, f.TenantID)
	}
	if f.RuleSetID != "" {
		add(` AND rule_set_id = $%d`, f.RuleSetID)
	}
	if f.PeriodID != "" {
		add(` AND period_id = $%d`, f.PeriodID)
	}
	if f.State != "" {
		add(` AND lifecycle_state = $%d`, string(f.State))
	}
	if !f.IncludeSuperseded {
		query += ` AND superseded_by IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	add(` LIMIT $%d`, limit)
	if f.Offset > 0 {
		add(` OFFSET $%d`, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanPgBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, u StateUpdate) (*model.Batch, error) {
	var details []byte
	if len(u.Transition.Details) > 0 {
		var err error
		if details, err = json.Marshal(u.Transition.Details); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal transition details")
		}
	}

	var updated *model.Batch
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := scanPgBatch(tx.QueryRow(ctx,
			`UPDATE batches
			 SET lifecycle_state = $1, version = version + 1,
			     submitted_by = CASE WHEN $2 <> '' THEN $2 ELSE submitted_by END,
			     updated_at = $3
			 WHERE id = $4 AND lifecycle_state = $5 AND version = $6 AND superseded_by IS NULL
			 RETURNING `+batchColumns,
			string(u.Transition.To), u.SubmittedBy, u.Transition.At,
			u.BatchID, string(u.ExpectedState), u.ExpectedVersion,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM batches WHERE id = $1)`, u.BatchID).Scan(&exists); qerr != nil {
				return eris.Wrap(qerr, "postgres: check batch exists")
			}
			if !exists {
				return eris.Wrapf(model.ErrNotFound, "postgres: batch %s", u.BatchID)
			}
			return eris.Wrapf(model.ErrConcurrentModification, "postgres: batch %s", u.BatchID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO batch_transitions (id, batch_id, from_state, to_state, actor, details, at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			u.Transition.ID, u.BatchID, string(u.Transition.From), string(u.Transition.To), u.Transition.Actor, details, u.Transition.At,
		); err != nil {
			return eris.Wrap(err, "postgres: insert transition")
		}

		if u.Supersede {
			if _, err := tx.Exec(ctx,
				`UPDATE batches SET superseded_by = $1, updated_at = $2
				 WHERE tenant_id = $3 AND rule_set_id = $4 AND period_id = $5 AND id <> $1 AND superseded_by IS NULL`,
				b.ID, u.Transition.At, b.TenantID, b.RuleSetID, b.PeriodID,
			); err != nil {
				return eris.Wrap(err, "postgres: supersede on transition")
			}
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) ReadTraces(ctx context.Context, batchID string) ([]model.EntityTrace, error) {
	rows, err := s.pool.Query(ctx, `SELECT trace FROM entity_traces WHERE batch_id = $1 ORDER BY entity_id`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read traces")
	}
	defer rows.Close()

	var out []model.EntityTrace
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trace")
		}
		var tr model.EntityTrace
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal trace")
		}
		out = append(out, tr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: read traces iterate")
}

func (s *PostgresStore) History(ctx context.Context, batchID string) ([]model.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, from_state, to_state, actor, details, at FROM batch_transitions
		 WHERE batch_id = $1 ORDER BY at, id`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: history")
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to string
		var details []byte
		if err := rows.Scan(&t.ID, &t.BatchID, &from, &to, &t.Actor, &details, &t.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transition")
		}
		t.From, t.To = model.LifecycleState(from), model.LifecycleState(to)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &t.Details); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal transition details")
			}
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history iterate")
}

// --- AuditSink ---

func (s *PostgresStore) Append(ctx context.Context, rec model.AuditRecord) error {
	var changes []byte
	if len(rec.Changes) > 0 {
		var err error
		if changes, err = json.Marshal(rec.Changes); err != nil {
			return eris.Wrap(err, "postgres: marshal audit changes")
		}
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, tenant_id, action, resource_type, resource_id, actor, changes, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.TenantID, rec.Action, rec.ResourceType, rec.ResourceID, rec.Actor, changes, ts,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) AuditFor(ctx context.Context, resourceType, resourceID string) ([]model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, action, resource_type, resource_id, actor, changes, timestamp FROM audit_log
		 WHERE resource_type = $1 AND resource_id = $2 ORDER BY timestamp, id`, resourceType, resourceID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: audit for")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var changes []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Action, &r.ResourceType, &r.ResourceID, &r.Actor, &changes, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &r.Changes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit changes")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: audit iterate")
}

func scanPgBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var state string
	var summary []byte
	var supersededBy *string
	err := row.Scan(&b.ID, &b.TenantID, &b.RuleSetID, &b.PeriodID, &state, &b.Version, &b.EntityCount,
		&summary, &supersededBy, &b.SubmittedBy, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan batch")
	}
	b.State = model.LifecycleState(state)
	if supersededBy != nil {
		b.SupersededBy = *supersededBy
	}
	if len(summary) > 0 {
		b.Summary = &model.Summary{}
		if err := json.Unmarshal(summary, b.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &b, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*PostgresStore)(nil)
