package core

import (
	"testing"

	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

func ptr(x float64) *float64 { return &x }

// peopleSchema is a small schema that covers every field kind.
func peopleSchema(t *testing.T) *schema.EntitySchema {
	t.Helper()
	s := &schema.EntitySchema{
		EntityType: "people",
		Fields: []schema.FieldSpec{
			{Name: "email", Kind: schema.KindString, Required: true, IsKey: true, Aliases: []string{"e-mail", "mail"}},
			{Name: "name", Kind: schema.KindString, Required: true, Min: ptr(1), Max: ptr(20)},
			{Name: "age", Kind: schema.KindInt, Min: ptr(0), Max: ptr(150)},
			{Name: "score", Kind: schema.KindFloat},
			{Name: "active", Kind: schema.KindBool},
			{Name: "joined", Kind: schema.KindDate, Aliases: []string{"start date"}},
			{Name: "role", Kind: schema.KindEnum, EnumValues: []string{"admin", "viewer"}},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("people schema: %v", err)
	}
	return s
}

// table builds a RawTable with data rows starting on line 2.
func table(headers []string, rows ...[]string) *tabular.RawTable {
	t := &tabular.RawTable{Format: tabular.FormatCSV, Headers: headers, HeaderLine: 1}
	for i, cells := range rows {
		t.Rows = append(t.Rows, tabular.Row{Line: i + 2, Cells: cells})
	}
	return t
}
