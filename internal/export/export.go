// Package export writes gold daily aggregates and reject counts as flat
// files for BI tools: CSV, JSON Lines and XLSX workbooks.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// WorkbookName is the file stem of the XLSX export. All tables share one
// workbook, one sheet each.
const WorkbookName = "evidence_export"

// ParseFormats resolves format names, dropping repeats.
func ParseFormats(names []string) ([]Format, error) {
	var out []Format
	seen := make(map[Format]bool)
	for _, n := range names {
		f := Format(strings.ToLower(strings.TrimSpace(n)))
		switch f {
		case FormatCSV, FormatJSONL, FormatXLSX:
		default:
			return nil, eris.Errorf("export: unknown format %q", n)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// Table is a named, typed grid. Cells hold string, int64 or float64.
type Table struct {
	Name   string
	Header []string
	Rows   [][]any
}

// DailyTable lays out daily gold aggregates. Average confidence is rounded
// to four decimals.
func DailyTable(rows []model.DailyAggregate) Table {
	t := Table{
		Name:   "daily_aggregates",
		Header: []string{"decision_day", "risk_band", "model_version", "decisions_count", "avg_confidence_score"},
	}
	for _, r := range rows {
		t.Rows = append(t.Rows, []any{r.Day, string(r.RiskBand), r.ModelVersion, r.DecisionsCount, round4(r.AvgConfidence)})
	}
	return t
}

// RejectTable lays out daily reject counts by reason.
func RejectTable(rows []model.RejectDaily) Table {
	t := Table{
		Name:   "reject_daily",
		Header: []string{"reject_day", "reject_reason", "rejects_count"},
	}
	for _, r := range rows {
		t.Rows = append(t.Rows, []any{r.Day, r.Reason, r.Count})
	}
	return t
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func formatCell(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// WriteCSV writes t with a header row.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return eris.Wrapf(err, "export: write %s header", t.Name)
	}
	rec := make([]string, len(t.Header))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = formatCell(v)
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write %s row", t.Name)
		}
	}
	cw.Flush()
	return eris.Wrapf(cw.Error(), "export: flush %s", t.Name)
}

// WriteJSONL writes one JSON object per row keyed by the header.
func WriteJSONL(w io.Writer, t Table) error {
	enc := json.NewEncoder(w)
	for _, row := range t.Rows {
		obj := make(map[string]any, len(t.Header))
		for i, h := range t.Header {
			obj[h] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			return eris.Wrapf(err, "export: encode %s row", t.Name)
		}
	}
	return nil
}

// WriteXLSX saves tables to path as one workbook with a sheet per table.
func WriteXLSX(path string, tables ...Table) error {
	f := xlsx.NewFile()
	for _, t := range tables {
		sheet, err := f.AddSheet(t.Name)
		if err != nil {
			return eris.Wrapf(err, "export: add sheet %s", t.Name)
		}
		header := sheet.AddRow()
		for _, h := range t.Header {
			header.AddCell().SetString(h)
		}
		for _, row := range t.Rows {
			r := sheet.AddRow()
			for _, v := range row {
				cell := r.AddCell()
				switch x := v.(type) {
				case int64:
					cell.SetInt64(x)
				case float64:
					cell.SetFloat(x)
				default:
					cell.SetString(formatCell(x))
				}
			}
		}
	}
	return eris.Wrapf(f.Save(path), "export: save %s", path)
}

// WriteFiles writes tables to dir in every requested format and returns the
// paths written. CSV and JSONL produce one file per table.
func WriteFiles(dir string, formats []Format, tables ...Table) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create %s", dir)
	}

	var paths []string
	for _, format := range formats {
		if format == FormatXLSX {
			path := filepath.Join(dir, WorkbookName+".xlsx")
			if err := WriteXLSX(path, tables...); err != nil {
				return paths, err
			}
			paths = append(paths, path)
			continue
		}

		for _, t := range tables {
			path := filepath.Join(dir, t.Name+"."+string(format))
			if err := writeFile(path, format, t); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	}

	zap.L().Info("export: files written",
		zap.String("dir", dir),
		zap.Int("files", len(paths)),
		zap.Int("tables", len(tables)),
	)
	return paths, nil
}

func writeFile(path string, format Format, t Table) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "export: close %s", path)
		}
	}()

	switch format {
	case FormatCSV:
		return WriteCSV(f, t)
	case FormatJSONL:
		return WriteJSONL(f, t)
	}
	return eris.Errorf("export: unsupported format %q", format)
}
