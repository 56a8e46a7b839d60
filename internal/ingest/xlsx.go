package ingest

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/comp-engine/internal/model"
)

// ReadWorkbook converts every sheet of an XLSX workbook into rows. The
// first row of each sheet is its header and the sheet name is the rows'
// data type unless a data type column overrides it.
func ReadWorkbook(path string, opts RowOptions) ([]model.Row, error) {
	opts = opts.withDefaults()
	if opts.TenantID == "" {
		return nil, eris.New("ingest: tenant id is required")
	}
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	var out []model.Row
	for _, sheet := range f.Sheets {
		if len(sheet.Rows) == 0 {
			continue
		}
		header := rowToStrings(sheet.Rows[0])
		records := make([][]string, 0, len(sheet.Rows)-1)
		for _, r := range sheet.Rows[1:] {
			records = append(records, rowToStrings(r))
		}
		out = append(out, tableToRows(header, records, sheet.Name, opts)...)
	}
	return out, nil
}

// SheetNames lists a workbook's sheets in order.
func SheetNames(path string) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	names := make([]string, len(f.Sheets))
	for i, s := range f.Sheets {
		names[i] = s.Name
	}
	return names, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
