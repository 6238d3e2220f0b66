package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

var peopleHeaders = []string{"email", "name", "age", "score", "active", "joined", "role"}

func validatePeople(t *testing.T, rows ...[]string) []ValidatedRow {
	t.Helper()
	s := peopleSchema(t)
	tbl := table(peopleHeaders, rows...)
	out, err := ValidateRows(context.Background(), tbl, SuggestMapping(peopleHeaders, s), s, ValidateOptions{})
	require.NoError(t, err)
	require.Len(t, out, len(rows))
	return out
}

func codesOf(issues []RowIssue) []IssueCode {
	var out []IssueCode
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

// =============================================================================
// Row status
// =============================================================================

func TestValidateRows_Status(t *testing.T) {
	tests := []struct {
		name   string
		row    []string
		status Status
		codes  []IssueCode
	}{
		{"all valid", []string{"a@x.io", "Ada", "36", "9.5", "yes", "2024-01-15", "admin"}, StatusValid, nil},
		{"optional blank", []string{"a@x.io", "Ada", "", "", "", "", ""}, StatusValid, nil},
		{"required missing", []string{"a@x.io", "  ", "36"}, StatusInvalid, []IssueCode{IssueRequiredFieldMissing}},
		{"required too long", []string{"a@x.io", "abcdefghijklmnopqrstuvwxyz"}, StatusInvalid, []IssueCode{IssueOutOfRange}},
		{"optional malformed", []string{"a@x.io", "Ada", "old"}, StatusWarning, []IssueCode{IssueInvalidFormat}},
		{"optional out of range", []string{"a@x.io", "Ada", "200"}, StatusWarning, []IssueCode{IssueOutOfRange}},
		{"both", []string{"", "Ada", "old", "", "maybe"}, StatusInvalid, []IssueCode{IssueRequiredFieldMissing, IssueInvalidFormat, IssueInvalidFormat}},
		{"excel text wrapper", []string{`="a@x.io"`, "Ada"}, StatusValid, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validatePeople(t, tt.row)[0]
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.codes, codesOf(got.Issues))
			assert.Equal(t, 0, got.Index)
			assert.Equal(t, 2, got.Line)
		})
	}
}

func TestValidateRows_RequiredNameOptionalEmail(t *testing.T) {
	s := &schema.EntitySchema{
		EntityType: "people",
		Fields: []schema.FieldSpec{
			{Name: "name", Kind: schema.KindString, Required: true, IsKey: true},
			{Name: "email", Kind: schema.KindString},
		},
	}
	tbl, err := tabular.ParseCSV([]byte("name,email\n,bad@x\nJohn,"), tabular.DefaultCSVConfig())
	require.NoError(t, err)

	rows, err := ValidateRows(context.Background(), tbl, SuggestMapping(tbl.Headers, s), s, ValidateOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, StatusInvalid, rows[0].Status)
	require.Len(t, rows[0].Issues, 1)
	assert.Equal(t, IssueRequiredFieldMissing, rows[0].Issues[0].Code)
	assert.Equal(t, "name", rows[0].Issues[0].Field)

	assert.Equal(t, StatusValid, rows[1].Status)
	assert.Empty(t, rows[1].Issues)
	assert.Equal(t, "John", rows[1].Values["name"].Str)
}

func TestValidateRows_ValuesOmitBlankAndBadCells(t *testing.T) {
	got := validatePeople(t, []string{"a@x.io", "Ada", "old", "1,500.5", "", "3/1/2024", "Viewer"})[0]

	assert.Equal(t, StatusWarning, got.Status)
	assert.Equal(t, "a@x.io", got.Values["email"].Str)
	assert.Equal(t, 1500.5, got.Values["score"].Float)
	assert.Equal(t, "2024-03-01", got.Values["joined"].String())
	assert.Equal(t, "viewer", got.Values["role"].Str)
	assert.NotContains(t, got.Values, "age")
	assert.NotContains(t, got.Values, "active")
}

func TestValidateRows_Overflow(t *testing.T) {
	s := peopleSchema(t)
	tbl := table([]string{"email", "name"})
	tbl.Rows = []tabular.Row{{Line: 2, Cells: []string{"a@x.io", "Ada"}, Overflow: 2}}

	out, err := ValidateRows(context.Background(), tbl, SuggestMapping(tbl.Headers, s), s, ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, out[0].Status)
	assert.Equal(t, []IssueCode{IssueRowTooLong}, codesOf(out[0].Issues))
}

func TestValidateRows_IgnoresUnknownAndOutOfRangeBindings(t *testing.T) {
	s := peopleSchema(t)
	tbl := table([]string{"email", "name", "x"}, []string{"a@x.io", "Ada", "zzz"})
	m := ColumnMapping{
		{Column: 0, Field: "email"},
		{Column: 1, Field: "name"},
		{Column: 2, Field: "shoe_size"},
		{Column: 7, Field: "age"},
	}

	out, err := ValidateRows(context.Background(), tbl, m, s, ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, out[0].Status)
	assert.Len(t, out[0].Values, 2)
}

// =============================================================================
// Duplicates
// =============================================================================

func TestValidateRows_DuplicateKeys(t *testing.T) {
	rows := validatePeople(t,
		[]string{"a@x.io", "First"},
		[]string{"b@x.io", "Other"},
		[]string{"a@x.io", "Second"},
		[]string{"a@x.io", ""},
		[]string{"a@x.io", "Third"},
	)

	assert.Equal(t, StatusValid, rows[0].Status)
	assert.Equal(t, StatusValid, rows[1].Status)

	assert.Equal(t, StatusInvalid, rows[2].Status)
	require.Len(t, rows[2].Issues, 1)
	assert.Equal(t, IssueDuplicateInBatch, rows[2].Issues[0].Code)
	assert.Equal(t, "key a@x.io already appears at line 2", rows[2].Issues[0].Message)

	// Invalid for its own reasons; not reported as a duplicate.
	assert.Equal(t, []IssueCode{IssueRequiredFieldMissing}, codesOf(rows[3].Issues))

	assert.Equal(t, []IssueCode{IssueDuplicateInBatch}, codesOf(rows[4].Issues))
}

func TestValidateRows_InvalidRowDoesNotClaimKey(t *testing.T) {
	rows := validatePeople(t,
		[]string{"a@x.io", ""},
		[]string{"a@x.io", "Ada"},
	)
	assert.Equal(t, StatusInvalid, rows[0].Status)
	assert.Equal(t, StatusValid, rows[1].Status)
}

func TestValidateRows_DeterministicAcrossWorkers(t *testing.T) {
	s := peopleSchema(t)

	var raw [][]string
	for i := 0; i < 3*validateChunk+17; i++ {
		// Every seventh row reuses an earlier key; every eleventh is missing its name.
		email := fmt.Sprintf("user%d@x.io", i)
		if i%7 == 6 {
			email = fmt.Sprintf("user%d@x.io", i-3)
		}
		name := "User"
		if i%11 == 10 {
			name = ""
		}
		raw = append(raw, []string{email, name, fmt.Sprint(i % 200)})
	}
	tbl := table(peopleHeaders, raw...)
	m := SuggestMapping(peopleHeaders, s)

	want, err := ValidateRows(context.Background(), tbl, m, s, ValidateOptions{Workers: 1})
	require.NoError(t, err)

	for _, workers := range []int{2, 4, 16} {
		got, err := ValidateRows(context.Background(), tbl, m, s, ValidateOptions{Workers: workers})
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := range want {
			if want[i].Status != got[i].Status || len(want[i].Issues) != len(got[i].Issues) || got[i].Index != i {
				t.Fatalf("workers=%d row %d: got %s %v, want %s %v", workers, i, got[i].Status, got[i].Issues, want[i].Status, want[i].Issues)
			}
		}
	}

	counts := CountStatuses(want)
	assert.Equal(t, len(want), counts.Valid+counts.Warning+counts.Invalid)
	assert.Positive(t, counts.Invalid)
}

func TestValidateRows_Cancelled(t *testing.T) {
	s := peopleSchema(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ValidateRows(ctx, table(peopleHeaders, []string{"a@x.io", "Ada"}), SuggestMapping(peopleHeaders, s), s, ValidateOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateRows_Empty(t *testing.T) {
	s := peopleSchema(t)
	out, err := ValidateRows(context.Background(), table(peopleHeaders), SuggestMapping(peopleHeaders, s), s, ValidateOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)
}
