package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

// Ignored is the target of a column that feeds no field.
const Ignored = ""

// ColumnBinding binds one source column to a canonical field.
type ColumnBinding struct {
	Column int    `json:"column"`
	Header string `json:"header,omitempty"`
	Field  string `json:"field"`
}

// Ignored reports whether the column is not mapped.
func (b ColumnBinding) Ignored() bool { return b.Field == Ignored }

// ColumnMapping is the binding list for a table, in column order.
type ColumnMapping []ColumnBinding

// Columns returns the source columns bound to each field.
func (m ColumnMapping) Columns() map[string][]int {
	out := make(map[string][]int)
	for _, b := range m {
		if !b.Ignored() {
			out[b.Field] = append(out[b.Field], b.Column)
		}
	}
	return out
}

// Clone returns a copy that can be modified independently.
func (m ColumnMapping) Clone() ColumnMapping {
	return append(ColumnMapping(nil), m...)
}

// MappingIssueCode identifies a problem with a mapping.
type MappingIssueCode string

const (
	IssueRequiredFieldUnmapped MappingIssueCode = "REQUIRED_FIELD_UNMAPPED"
	IssueDuplicateTarget       MappingIssueCode = "DUPLICATE_TARGET"
	IssueUnknownField          MappingIssueCode = "UNKNOWN_FIELD"
	IssueColumnOutOfRange      MappingIssueCode = "COLUMN_OUT_OF_RANGE"
)

// MappingIssue describes a problem with the mapping itself. Only blocking
// issues stop a caller from moving on to row validation.
type MappingIssue struct {
	Code     MappingIssueCode `json:"code"`
	Field    string           `json:"field,omitempty"`
	Columns  []int            `json:"columns,omitempty"`
	Message  string           `json:"message"`
	Blocking bool             `json:"blocking"`
}

// HasBlockingIssues reports whether any issue is blocking.
func HasBlockingIssues(issues []MappingIssue) bool {
	for _, i := range issues {
		if i.Blocking {
			return true
		}
	}
	return false
}

// normalizeHeader lower-cases and drops everything but letters and digits.
func normalizeHeader(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fieldMatches(f schema.FieldSpec, norm string) bool {
	if norm == "" {
		return false
	}
	if normalizeHeader(f.Name) == norm {
		return true
	}
	for _, a := range f.Aliases {
		if normalizeHeader(a) == norm {
			return true
		}
	}
	return false
}

// SuggestMapping proposes a binding for every header by normalized name or
// alias match. Each field is used at most once; when several fields match a
// header the first in schema order wins. Unmatched headers are ignored.
func SuggestMapping(headers []string, s *schema.EntitySchema) ColumnMapping {
	used := make(map[string]bool, len(s.Fields))
	mapping := make(ColumnMapping, len(headers))

	for i, h := range headers {
		mapping[i] = ColumnBinding{Column: i, Header: h, Field: Ignored}
		norm := normalizeHeader(h)
		for _, f := range s.Fields {
			if !used[f.Name] && fieldMatches(f, norm) {
				mapping[i].Field = f.Name
				used[f.Name] = true
				break
			}
		}
	}

	return mapping
}

// ValidateMapping checks a mapping against a schema and a table width.
// It never fails; problems come back as issues. An unmapped required field
// is blocking. Bindings to unknown fields or missing columns are ignored by
// row validation, and when a field is bound twice the first column wins.
func ValidateMapping(m ColumnMapping, s *schema.EntitySchema, columnCount int) []MappingIssue {
	var issues []MappingIssue
	targets := make(map[string][]int)

	for _, b := range m {
		if b.Column < 0 || b.Column >= columnCount {
			issues = append(issues, MappingIssue{
				Code:    IssueColumnOutOfRange,
				Field:   b.Field,
				Columns: []int{b.Column},
				Message: fmt.Sprintf("column %d does not exist (file has %d columns)", b.Column+1, columnCount),
			})
			continue
		}
		if b.Ignored() {
			continue
		}
		if _, ok := s.Field(b.Field); !ok {
			issues = append(issues, MappingIssue{
				Code:    IssueUnknownField,
				Field:   b.Field,
				Columns: []int{b.Column},
				Message: fmt.Sprintf("%s has no field named %q", s.EntityType, b.Field),
			})
			continue
		}
		targets[b.Field] = append(targets[b.Field], b.Column)
	}

	for _, f := range s.Fields {
		cols := targets[f.Name]
		switch {
		case len(cols) > 1:
			sort.Ints(cols)
			issues = append(issues, MappingIssue{
				Code:    IssueDuplicateTarget,
				Field:   f.Name,
				Columns: cols,
				Message: fmt.Sprintf("%s is mapped from %d columns; only column %d will be used", f.Name, len(cols), cols[0]+1),
			})
		case len(cols) == 0 && f.Required:
			issues = append(issues, MappingIssue{
				Code:     IssueRequiredFieldUnmapped,
				Field:    f.Name,
				Message:  fmt.Sprintf("required field %s is not mapped to any column", f.Name),
				Blocking: true,
			})
		}
	}

	return issues
}

// ApplyOverrides returns a copy of m with some bindings replaced. Keys name
// a source column by header (case-insensitive) or by 1-based position
// ("#3"); values name a field, or "-"/"ignored" to drop the column.
func ApplyOverrides(m ColumnMapping, headers []string, overrides map[string]string) (ColumnMapping, error) {
	out := m.Clone()
	index := make(map[int]int, len(out))
	for i, b := range out {
		index[b.Column] = i
	}

	for col, field := range overrides {
		c, err := resolveColumn(headers, col)
		if err != nil {
			return nil, err
		}

		field = strings.TrimSpace(field)
		if field == "-" || strings.EqualFold(field, "ignored") {
			field = Ignored
		}

		if i, ok := index[c]; ok {
			out[i].Field = field
			continue
		}
		out = append(out, ColumnBinding{Column: c, Header: headers[c], Field: field})
		index[c] = len(out) - 1
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out, nil
}

func resolveColumn(headers []string, ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "#") {
		n, err := strconv.Atoi(ref[1:])
		if err != nil || n < 1 || n > len(headers) {
			return 0, fmt.Errorf("column not found: %s", ref)
		}
		return n - 1, nil
	}
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), ref) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("column not found: %s", ref)
}

// fieldBinding is a field resolved to the column row validation reads.
type fieldBinding struct {
	field  schema.FieldSpec
	column int // -1 when unmapped
}

// resolveBindings picks one column per field in schema order, skipping
// bindings that ValidateMapping reports as unusable.
func resolveBindings(m ColumnMapping, s *schema.EntitySchema, columnCount int) []fieldBinding {
	first := make(map[string]int)
	for _, b := range m {
		if b.Ignored() || b.Column < 0 || b.Column >= columnCount {
			continue
		}
		if prev, ok := first[b.Field]; !ok || b.Column < prev {
			first[b.Field] = b.Column
		}
	}

	out := make([]fieldBinding, len(s.Fields))
	for i, f := range s.Fields {
		col, ok := first[f.Name]
		if !ok {
			col = -1
		}
		out[i] = fieldBinding{field: f, column: col}
	}
	return out
}
