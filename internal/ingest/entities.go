package ingest

import (
	"context"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/comp-engine/internal/model"
)

// ReadEntitiesCSV parses an entity roster. Columns id, name and group_id
// are recognised; any other column becomes an attribute used by plan
// variant selectors.
func ReadEntitiesCSV(ctx context.Context, r io.Reader, tenantID string) ([]model.EntityRef, error) {
	header, records, err := readTable(ctx, r, CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read entities")
	}

	var out []model.EntityRef
	for line, rec := range records {
		if blank(rec) {
			continue
		}
		e := model.EntityRef{TenantID: tenantID}
		for i, h := range header {
			v := at(rec, i)
			switch h {
			case "id", "entity_id":
				e.ID = v
			case "name":
				e.Name = v
			case "group_id":
				e.GroupID = v
			default:
				if v == "" || h == "" {
					continue
				}
				if e.Attributes == nil {
					e.Attributes = make(map[string]string)
				}
				e.Attributes[h] = v
			}
		}
		if e.ID == "" {
			return nil, eris.Errorf("ingest: entities line %d: missing id", line+2)
		}
		out = append(out, e)
	}
	return out, nil
}
