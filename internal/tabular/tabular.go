// Package tabular decodes uploaded files into a format-agnostic table of
// string cells.
//
// CSV and XLSX inputs both produce a RawTable: an ordered header list and
// rows of cells. Spreadsheet values are stringified on the way in (numbers
// without grouping, dates as ISO-8601) so downstream mapping and validation
// never need to know which format a file came from.
package tabular

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies an input file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat converts a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv", "tsv", "txt", "text/csv":
		return FormatCSV, nil
	case "xlsx", "xlsm", "excel":
		return FormatXLSX, nil
	}
	return "", &ParseError{Kind: UnsupportedFormat, Err: fmt.Errorf("unknown format %q", s)}
}

// FormatFromFilename infers the format from a file extension.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "", &ParseError{Kind: UnsupportedFormat, Err: fmt.Errorf("file %q has no extension", name)}
	}
	return ParseFormat(ext)
}

// ErrorKind classifies a ParseError.
type ErrorKind string

const (
	UnsupportedFormat ErrorKind = "UnsupportedFormat"
	MalformedEncoding ErrorKind = "MalformedEncoding"
	EmptyFile         ErrorKind = "EmptyFile"
	MalformedFile     ErrorKind = "MalformedFile"
)

// ParseError is returned when a file cannot be turned into a table at all.
// No rows are produced when parsing fails.
type ParseError struct {
	Kind ErrorKind
	Line int // 1-based source line, 0 when not applicable
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error (%s) at line %d: %v", e.Kind, e.Line, e.Err)
	}
	return fmt.Sprintf("parse error (%s): %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsKind reports whether err is a ParseError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == kind
}

// Row is one data row of a RawTable.
//
// Cells holds at most len(headers) values. Positions at or past len(Cells)
// are null: the source row was shorter than the header. Overflow counts the
// non-blank cells that were cut off because the source row was longer.
type Row struct {
	Line     int      `json:"line"`
	Cells    []string `json:"cells"`
	Overflow int      `json:"overflow,omitempty"`
}

// Cell returns the cell at column i and whether it is present (non-null).
func (r Row) Cell(i int) (string, bool) {
	if i < 0 || i >= len(r.Cells) {
		return "", false
	}
	return r.Cells[i], true
}

// RawTable is the parser output. It is immutable once returned.
type RawTable struct {
	Format        Format   `json:"format"`
	Headers       []string `json:"headers"`
	HeaderLine    int      `json:"headerLine,omitempty"`
	Rows          []Row    `json:"rows"`
	Sheet         string   `json:"sheet,omitempty"`
	SkippedSheets []string `json:"skippedSheets,omitempty"`
}

// Parse decodes data according to format. cfg is only consulted for CSV;
// nil means DefaultCSVConfig.
func Parse(data []byte, format Format, cfg *CSVConfig) (*RawTable, error) {
	switch format {
	case FormatCSV:
		c := DefaultCSVConfig()
		if cfg != nil {
			c = *cfg
		}
		return ParseCSV(data, c)
	case FormatXLSX:
		return ParseXLSX(data)
	}
	return nil, &ParseError{Kind: UnsupportedFormat, Err: fmt.Errorf("unknown format %q", format)}
}

// isBlank reports whether every cell is empty after trimming.
func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// fitRow truncates cells to width, counting dropped non-blank cells.
func fitRow(line int, cells []string, width int) Row {
	row := Row{Line: line, Cells: cells}
	if len(cells) > width {
		for _, c := range cells[width:] {
			if strings.TrimSpace(c) != "" {
				row.Overflow++
			}
		}
		row.Cells = cells[:width:width]
	}
	return row
}

// headerNames trims header cells and names empty ones column_N.
func headerNames(cells []string, width int) []string {
	headers := make([]string, width)
	for i := range headers {
		if i < len(cells) {
			headers[i] = strings.TrimSpace(cells[i])
		}
		if headers[i] == "" {
			headers[i] = syntheticHeader(i)
		}
	}
	return headers
}

func syntheticHeader(i int) string {
	return fmt.Sprintf("column_%d", i+1)
}
