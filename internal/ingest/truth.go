package ingest

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/comp-engine/internal/model"
)

// ComponentPrefix marks a per-component expected payout column.
const ComponentPrefix = "component:"

// ReadGroundTruth parses a CSV with columns entity_id, expected_total and
// optionally period_id and component:<id> columns.
func ReadGroundTruth(ctx context.Context, r io.Reader) ([]model.GroundTruth, error) {
	header, records, err := readTable(ctx, r, CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read ground truth")
	}

	entityIdx, totalIdx, periodIdx := -1, -1, -1
	for i, h := range header {
		switch h {
		case "entity_id":
			entityIdx = i
		case "expected_total":
			totalIdx = i
		case "period_id":
			periodIdx = i
		}
	}
	if entityIdx < 0 || totalIdx < 0 {
		return nil, eris.New("ingest: ground truth needs entity_id and expected_total columns")
	}

	out := make([]model.GroundTruth, 0, len(records))
	for line, rec := range records {
		if blank(rec) {
			continue
		}
		gt := model.GroundTruth{EntityID: at(rec, entityIdx)}
		if gt.EntityID == "" {
			return nil, eris.Errorf("ingest: ground truth line %d: missing entity_id", line+2)
		}
		if periodIdx >= 0 {
			gt.PeriodID = at(rec, periodIdx)
		}
		total, err := parseAmount(at(rec, totalIdx))
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: ground truth line %d: expected_total", line+2)
		}
		gt.ExpectedTotal = total

		for i, h := range header {
			id, ok := strings.CutPrefix(h, ComponentPrefix)
			if !ok || at(rec, i) == "" {
				continue
			}
			v, err := parseAmount(at(rec, i))
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: ground truth line %d: %s", line+2, h)
			}
			if gt.ExpectedComponents == nil {
				gt.ExpectedComponents = make(map[string]float64)
			}
			gt.ExpectedComponents[id] = v
		}
		out = append(out, gt)
	}
	return out, nil
}

// parseAmount reads a currency cell exactly. Blank is zero.
func parseAmount(s string) (float64, error) {
	s = strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, eris.Wrapf(err, "parse amount %q", s)
	}
	return d.InexactFloat64(), nil
}

func at(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}
