package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/comp-engine/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultPageSize is the FetchRows page size when the filter sets none.
const DefaultPageSize = 500

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate applies the embedded goose migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite"); err != nil {
		return eris.Wrap(err, "sqlite: set goose dialect")
	}
	return eris.Wrap(goose.UpContext(ctx, s.db, "migrations"), "sqlite: migrate")
}

// MigrationVersion returns the applied goose version.
func (s *SQLiteStore) MigrationVersion() (int64, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite"); err != nil {
		return 0, eris.Wrap(err, "sqlite: set goose dialect")
	}
	v, err := goose.GetDBVersion(s.db)
	return v, eris.Wrap(err, "sqlite: migration version")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Importer ---

func (s *SQLiteStore) AppendRows(ctx context.Context, rows []model.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append rows")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO source_rows (tenant_id, data_type, entity_id, period_id, fields, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare append rows")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal row fields")
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, r.TenantID, r.DataType, r.EntityID, r.PeriodID, string(fields), created); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert row")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append rows")
	}
	return len(rows), nil
}

func (s *SQLiteStore) SaveRuleSet(ctx context.Context, rs *model.RuleSet) error {
	body, err := json.Marshal(rs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rule set")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_sets (tenant_id, id, name, body, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at`,
		rs.TenantID, rs.ID, rs.Name, string(body), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save rule set %s", rs.ID)
}

func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.EntityRef) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert entities")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entities {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal entity attributes")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (tenant_id, id, name, group_id, attributes) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name, group_id = excluded.group_id, attributes = excluded.attributes`,
			e.TenantID, e.ID, e.Name, e.GroupID, string(attrs),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert entities")
	}
	return len(entities), nil
}

// --- RowSource ---

// FetchRows pages through rows with a keyset on (entity_id, id) so memory
// stays bounded by the page size regardless of period volume.
func (s *SQLiteStore) FetchRows(ctx context.Context, tenantID, periodID string, filter RowFilter, fn func(model.Row) error) error {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	base := `SELECT id, tenant_id, data_type, entity_id, period_id, fields, created_at FROM source_rows WHERE tenant_id = ?`
	baseArgs := []any{tenantID}
	if periodID != "" {
		base += ` AND period_id = ?`
		baseArgs = append(baseArgs, periodID)
	}
	if len(filter.EntityIDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.EntityIDs)), ",")
		cond := `entity_id IN (` + ph + `)`
		if filter.IncludeUnowned {
			cond = `(` + cond + ` OR entity_id = '')`
		}
		base += ` AND ` + cond
		for _, id := range filter.EntityIDs {
			baseArgs = append(baseArgs, id)
		}
	}

	lastEntity, lastID := "", int64(0)
	for {
		query := base + ` AND (entity_id > ? OR (entity_id = ? AND id > ?)) ORDER BY entity_id, id LIMIT ?`
		args := append(append([]any{}, baseArgs...), lastEntity, lastEntity, lastID, pageSize)

		page, err := s.queryRows(ctx, query, args)
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

func (s *SQLiteStore) queryRows(ctx context.Context, query string, args []any) ([]model.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch rows")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Row
	for rows.Next() {
		var r model.Row
		var fields string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.DataType, &r.EntityID, &r.PeriodID, &fields, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row")
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal row %d fields", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: fetch rows iterate")
}

func (s *SQLiteStore) FetchRules(ctx context.Context, tenantID, ruleSetID string) (*model.RuleSet, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM rule_sets WHERE tenant_id = ? AND id = ?`, tenantID, ruleSetID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: rule set %s", ruleSetID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fetch rule set %s", ruleSetID)
	}
	var rs model.RuleSet
	if err := json.Unmarshal([]byte(body), &rs); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal rule set %s", ruleSetID)
	}
	return &rs, nil
}

func (s *SQLiteStore) FetchEntities(ctx context.Context, tenantID string) ([]model.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, id, name, group_id, attributes FROM entities WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntityRef
	for rows.Next() {
		var e model.EntityRef
		var attrs sql.NullString
		if err := rows.Scan(&e.TenantID, &e.ID, &e.Name, &e.GroupID, &attrs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		if attrs.Valid && attrs.String != "" && attrs.String != "null" {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal entity %s attributes", e.ID)
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: fetch entities iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalOptional(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
