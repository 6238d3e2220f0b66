package core

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

// ExportFormat is an output format of Serialize.
type ExportFormat string

const (
	ExportCSV   ExportFormat = "csv"
	ExportXLSX  ExportFormat = "xlsx"
	ExportJSONL ExportFormat = "jsonl"
)

// ParseExportFormat converts a user-supplied export format. Empty means CSV.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return ExportCSV, nil
	case "xlsx", "excel":
		return ExportXLSX, nil
	case "jsonl", "ndjson":
		return ExportJSONL, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ExportJSONL:
		return "application/x-ndjson"
	}
	return "text/csv; charset=utf-8"
}

// ExportFileName returns <entityType>_export_<YYYY-MM-DD>.<ext>.
func ExportFileName(entityType string, f ExportFormat, at time.Time) string {
	return fmt.Sprintf("%s_export_%s.%s", entityType, at.Format("2006-01-02"), f)
}

// ExportOptions tunes Serialize.
type ExportOptions struct {
	// Delimiter for CSV output. Zero means ','.
	Delimiter rune
}

// Serialize renders records in schema field order. Absent values become
// empty cells (CSV, XLSX) or missing keys (JSONL).
func Serialize(records []Record, s *schema.EntitySchema, f ExportFormat, opts ExportOptions) ([]byte, error) {
	switch f {
	case ExportCSV:
		return serializeCSV(records, s, opts)
	case ExportXLSX:
		return serializeXLSX(records, s)
	case ExportJSONL:
		return serializeJSONL(records, s)
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

// serializeCSV relies on csv.Writer quoting: any cell containing the
// delimiter, a quote or a line break is quoted with inner quotes doubled.
func serializeCSV(records []Record, s *schema.EntitySchema, opts ExportOptions) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if opts.Delimiter != 0 {
		w.Comma = opts.Delimiter
	}

	if err := w.Write(s.FieldNames()); err != nil {
		return nil, err
	}

	row := make([]string, len(s.Fields))
	for _, rec := range records {
		for i, f := range s.Fields {
			row[i] = rec.Values[f.Name].String()
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// serializeXLSX writes one sheet named after the entity type. Numbers and
// booleans are native cells; dates are written as ISO-8601 text so they
// read back unchanged.
func serializeXLSX(records []Record, s *schema.EntitySchema) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(s.EntityType)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return nil, fmt.Errorf("stream writer: %w", err)
	}

	header := make([]any, len(s.Fields))
	for i, name := range s.FieldNames() {
		header[i] = name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, err
	}

	for r, rec := range records {
		row := make([]any, len(s.Fields))
		for i, fs := range s.Fields {
			v, ok := rec.Values[fs.Name]
			if !ok || v.IsZero() {
				continue
			}
			switch v.Kind {
			case schema.KindInt:
				row[i] = v.Int
			case schema.KindFloat:
				row[i] = v.Float
			case schema.KindBool:
				row[i] = v.Bool
			default:
				row[i] = v.String()
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, err
		}
	}

	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// sheetName trims an entity type to Excel's 31-character sheet name limit.
func sheetName(entityType string) string {
	if len(entityType) > 31 {
		return entityType[:31]
	}
	return entityType
}

// serializeJSONL writes one object per record with keys in schema order.
func serializeJSONL(records []Record, s *schema.EntitySchema) ([]byte, error) {
	var buf bytes.Buffer

	for _, rec := range records {
		buf.WriteByte('{')
		first := true
		for _, f := range s.Fields {
			v, ok := rec.Values[f.Name]
			if !ok || v.IsZero() {
				continue
			}
			val, err := json.Marshal(v.Interface())
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", f.Name, err)
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			name, _ := json.Marshal(f.Name)
			buf.Write(name)
			buf.WriteByte(':')
			buf.Write(val)
		}
		buf.WriteString("}\n")
	}

	return buf.Bytes(), nil
}

// TemplateCSV returns a header-only CSV for an entity type, for users who
// want to fill in a file from scratch.
func TemplateCSV(s *schema.EntitySchema) ([]byte, error) {
	return serializeCSV(nil, s, ExportOptions{})
}
