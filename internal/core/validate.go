package core

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

// Status is the validation outcome of a row.
type Status string

const (
	StatusValid   Status = "valid"
	StatusWarning Status = "warning"
	StatusInvalid Status = "invalid"
)

// IssueCode identifies a row-level problem.
type IssueCode string

const (
	IssueRequiredFieldMissing IssueCode = "REQUIRED_FIELD_MISSING"
	IssueInvalidFormat        IssueCode = "INVALID_FORMAT"
	IssueOutOfRange           IssueCode = "OUT_OF_RANGE"
	IssueDuplicateInBatch     IssueCode = "DUPLICATE_IN_BATCH"
	IssueRowTooLong           IssueCode = "ROW_TOO_LONG"
)

// RowIssue is a field-level problem attached to a row. Field is empty for
// problems with the row as a whole.
type RowIssue struct {
	Field   string    `json:"field,omitempty"`
	Code    IssueCode `json:"code"`
	Message string    `json:"message"`
	Value   string    `json:"value,omitempty"`
}

// ValidatedRow is the validation result for one RawTable row.
// Index is the row's position in RawTable.Rows; Line is its source line.
type ValidatedRow struct {
	Index  int        `json:"index"`
	Line   int        `json:"line"`
	Status Status     `json:"status"`
	Values Values     `json:"values"`
	Issues []RowIssue `json:"issues,omitempty"`
}

// ValidateOptions tunes ValidateRows.
type ValidateOptions struct {
	// Workers bounds the coercion pool. Zero means runtime.NumCPU().
	Workers int
}

// validateChunk is the number of rows a worker coerces per task.
const validateChunk = 256

// ValidateRows coerces and checks every row of table. The result has exactly
// one entry per table row, in row order.
//
// Coercion runs on a bounded worker pool. Duplicate key detection runs
// afterwards as a single ordered pass so the first occurrence of a key is
// always the one kept, whatever the worker count.
func ValidateRows(ctx context.Context, table *tabular.RawTable, m ColumnMapping, s *schema.EntitySchema, opts ValidateOptions) ([]ValidatedRow, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	binds := resolveBindings(m, s, len(table.Headers))
	results := make([]ValidatedRow, len(table.Rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for start := 0; start < len(table.Rows); start += validateChunk {
		start := start
		end := min(start+validateChunk, len(table.Rows))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				results[i] = validateRow(i, table.Rows[i], binds)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("validate rows: %w", err)
	}

	markDuplicates(results, s)
	return results, nil
}

func validateRow(idx int, row tabular.Row, binds []fieldBinding) ValidatedRow {
	vr := ValidatedRow{
		Index:  idx,
		Line:   row.Line,
		Values: make(Values, len(binds)),
	}
	invalid := false

	for _, b := range binds {
		var raw, cell string
		if b.column >= 0 {
			raw, _ = row.Cell(b.column)
			cell = CleanCell(raw)
		}

		if cell == "" {
			if b.field.Required {
				invalid = true
				vr.Issues = append(vr.Issues, RowIssue{
					Field:   b.field.Name,
					Code:    IssueRequiredFieldMissing,
					Message: fmt.Sprintf("%s is required", b.field.Name),
				})
			}
			continue
		}
		if b.field.Kind == schema.KindString {
			cell = TextCell(raw)
		}

		v, issue := Coerce(b.field, cell)
		if issue != nil {
			if b.field.Required {
				invalid = true
			}
			vr.Issues = append(vr.Issues, *issue)
			continue
		}
		vr.Values[b.field.Name] = v
	}

	if row.Overflow > 0 {
		vr.Issues = append(vr.Issues, RowIssue{
			Code:    IssueRowTooLong,
			Message: fmt.Sprintf("row has %d more cells than the header; extra cells were ignored", row.Overflow),
		})
	}

	switch {
	case invalid:
		vr.Status = StatusInvalid
	case len(vr.Issues) > 0:
		vr.Status = StatusWarning
	default:
		vr.Status = StatusValid
	}
	return vr
}

// markDuplicates flags every row whose natural key was already seen on an
// earlier eligible row. Invalid rows neither claim nor collide with keys.
func markDuplicates(rows []ValidatedRow, s *schema.EntitySchema) {
	seen := make(map[string]int, len(rows))

	for i := range rows {
		row := &rows[i]
		if row.Status == StatusInvalid {
			continue
		}
		key, ok := KeyOf(s, row.Values)
		if !ok {
			continue
		}
		k := key.String()
		if first, dup := seen[k]; dup {
			row.Status = StatusInvalid
			row.Issues = append(row.Issues, RowIssue{
				Code:    IssueDuplicateInBatch,
				Value:   key.Display(),
				Message: fmt.Sprintf("key %s already appears at line %d", key.Display(), rows[first].Line),
			})
			continue
		}
		seen[k] = i
	}
}

// StatusCounts tallies rows by status.
type StatusCounts struct {
	Valid   int `json:"valid"`
	Warning int `json:"warning"`
	Invalid int `json:"invalid"`
}

// CountStatuses tallies rows by status.
func CountStatuses(rows []ValidatedRow) StatusCounts {
	var c StatusCounts
	for _, r := range rows {
		switch r.Status {
		case StatusValid:
			c.Valid++
		case StatusWarning:
			c.Warning++
		case StatusInvalid:
			c.Invalid++
		}
	}
	return c
}
