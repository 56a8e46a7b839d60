package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/store"
)

// RowOptions maps a tabular file onto source rows.
type RowOptions struct {
	TenantID string
	// PeriodID applies to records without a period column value.
	PeriodID string
	// DataType applies to records without a data type column value. For
	// XLSX the sheet name is used instead; for CSV the file's base name.
	DataType string

	EntityColumn string // default "entity_id"
	PeriodColumn string // default "period_id"
	TypeColumn   string // default "data_type"

	CSV CSVOptions
}

func (o RowOptions) withDefaults() RowOptions {
	if o.EntityColumn == "" {
		o.EntityColumn = "entity_id"
	}
	if o.PeriodColumn == "" {
		o.PeriodColumn = "period_id"
	}
	if o.TypeColumn == "" {
		o.TypeColumn = "data_type"
	}
	return o
}

// ReadRowsCSV parses a CSV with a header row into rows.
func ReadRowsCSV(ctx context.Context, r io.Reader, opts RowOptions) ([]model.Row, error) {
	opts = opts.withDefaults()
	if opts.TenantID == "" {
		return nil, eris.New("ingest: tenant id is required")
	}
	header, records, err := readTable(ctx, r, opts.CSV)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv rows")
	}
	return tableToRows(header, records, opts.DataType, opts), nil
}

// LoadFile reads rows from a .csv or .xlsx file.
func LoadFile(ctx context.Context, path string, opts RowOptions) ([]model.Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadWorkbook(path, opts)
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		if opts.DataType == "" {
			opts.DataType = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return ReadRowsCSV(ctx, f, opts)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// Import appends rows to the store in chunks and returns the count written.
func Import(ctx context.Context, imp store.Importer, rows []model.Row, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	total := 0
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		n, err := imp.AppendRows(ctx, rows[start:end])
		if err != nil {
			return total, eris.Wrapf(err, "ingest: append rows %d-%d", start, end)
		}
		total += n
	}
	zap.L().Info("ingest: rows imported", zap.Int("rows", total))
	return total, nil
}

func tableToRows(header []string, records [][]string, dataType string, opts RowOptions) []model.Row {
	entityIdx, periodIdx, typeIdx := -1, -1, -1
	for i, h := range header {
		switch h {
		case opts.EntityColumn:
			entityIdx = i
		case opts.PeriodColumn:
			periodIdx = i
		case opts.TypeColumn:
			typeIdx = i
		}
	}

	rows := make([]model.Row, 0, len(records))
	for _, rec := range records {
		if blank(rec) {
			continue
		}
		row := model.Row{
			TenantID: opts.TenantID,
			DataType: dataType,
			PeriodID: opts.PeriodID,
			Fields:   make(map[string]any, len(header)),
		}
		for i, h := range header {
			if i >= len(rec) || h == "" {
				continue
			}
			v := rec[i]
			switch i {
			case entityIdx:
				row.EntityID = v
				continue
			case periodIdx:
				if v != "" {
					row.PeriodID = v
				}
				continue
			case typeIdx:
				if v != "" {
					row.DataType = v
				}
				continue
			}
			if v == "" {
				continue
			}
			row.Fields[h] = cellValue(v)
		}
		rows = append(rows, row)
	}
	return rows
}

// cellValue keeps plain numbers numeric and everything else as text.
// Formatted amounts ("$1,200") stay strings; derivation parses them.
func cellValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func blank(rec []string) bool {
	for _, v := range rec {
		if v != "" {
			return false
		}
	}
	return true
}
