package core_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/store/memstore"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

func ptr(x float64) *float64 { return &x }

var contacts = schema.EntitySchema{
	EntityType: "contacts",
	Fields: []schema.FieldSpec{
		{Name: "email", Kind: schema.KindString, Required: true, IsKey: true},
		{Name: "name", Kind: schema.KindString, Required: true},
		{Name: "age", Kind: schema.KindInt, Min: ptr(0), Max: ptr(150)},
		{Name: "vip", Kind: schema.KindBool},
		{Name: "since", Kind: schema.KindDate},
		{Name: "tier", Kind: schema.KindEnum, EnumValues: []string{"gold", "silver"}},
	},
}

type fixture struct {
	svc    *core.Service
	store  *memstore.Store
	schema *schema.EntitySchema
}

func newFixture(t *testing.T, wrap func(core.Store) core.Store, cfg core.Config) *fixture {
	t.Helper()
	reg, err := schema.NewRegistry(contacts)
	require.NoError(t, err)
	es, err := reg.Get("contacts")
	require.NoError(t, err)

	mem := memstore.New()
	var st core.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	return &fixture{svc: core.NewService(reg, st, cfg), store: mem, schema: es}
}

func (f *fixture) open(t *testing.T, name, data string) *core.ImportSession {
	t.Helper()
	sess, issues, err := f.svc.Open(context.Background(), core.OpenRequest{
		EntityType: "contacts",
		FileName:   name,
		Data:       []byte(data),
	})
	require.NoError(t, err)
	require.False(t, core.HasBlockingIssues(issues), "issues: %+v", issues)
	return sess
}

func (f *fixture) run(t *testing.T, data string, strategy core.Strategy, dryRun bool) *core.ImportReport {
	t.Helper()
	report, err := f.svc.Import(context.Background(), f.open(t, "contacts.csv", data), strategy, dryRun)
	require.NoError(t, err)
	require.True(t, report.Balanced())
	return report
}

func (f *fixture) seed(t *testing.T, vs core.Values) core.Record {
	t.Helper()
	rec, err := f.store.Put(f.schema, vs)
	require.NoError(t, err)
	return rec
}

func (f *fixture) find(t *testing.T, email string) *core.Record {
	t.Helper()
	rec, err := f.store.FindByKey(context.Background(), "contacts", core.Key{core.StringValue(email)})
	require.NoError(t, err)
	return rec
}

// =============================================================================
// End to end
// =============================================================================

func TestImport_CreatesRecords(t *testing.T) {
	f := newFixture(t, nil, core.Config{})

	report := f.run(t, "Name,E-mail,Age\nAda,ada@x.io,36\nGrace,grace@x.io,\n", core.StrategyCreateOnly, false)

	assert.Equal(t, 2, report.TotalRows)
	assert.Equal(t, 2, report.Created)
	assert.True(t, report.Succeeded())
	assert.Equal(t, 2, f.store.Len("contacts"))

	ada := f.find(t, "ada@x.io")
	require.NotNil(t, ada)
	assert.Equal(t, "Ada", ada.Values["name"].Str)
	assert.Equal(t, int64(36), ada.Values["age"].Int)
	assert.Equal(t, ada.ID, report.Rows[0].RecordID)
	assert.Equal(t, 2, report.Rows[0].Line)
	assert.Equal(t, core.OutcomeCreated, report.Rows[0].Outcome)

	assert.NotContains(t, f.find(t, "grace@x.io").Values, "age")
}

func TestImport_InvalidRowsAreSkipped(t *testing.T) {
	f := newFixture(t, nil, core.Config{})

	report := f.run(t, "email,name,age\nada@x.io,Ada,abc\n,Nobody,1\nada@x.io,Again,2\n", core.StrategyCreateOnly, false)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, core.StatusCounts{Warning: 1, Invalid: 2}, report.Validation)
	assert.Equal(t, core.OutcomeSkipped, report.Rows[1].Outcome)
	assert.Contains(t, report.Rows[1].Reason, "email is required")
	assert.Contains(t, report.Rows[2].Reason, "already appears at line 2")
	assert.Equal(t, 1, f.store.Len("contacts"))
}

func TestImport_CreateOnlyConflicts(t *testing.T) {
	f := newFixture(t, nil, core.Config{})
	existing := f.seed(t, core.Values{"email": core.StringValue("ada@x.io"), "name": core.StringValue("Ada")})

	report := f.run(t, "email,name\nada@x.io,Ada L\nnew@x.io,New\n", core.StrategyCreateOnly, false)

	assert.Equal(t, 1, report.Conflicted)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, core.OutcomeConflicted, report.Rows[0].Outcome)
	assert.Equal(t, existing.ID, report.Rows[0].ExistingRecordID)
	assert.Equal(t, "Ada", f.find(t, "ada@x.io").Values["name"].Str)
}

func TestImport_SkipDuplicatesIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, core.Config{})
	data := "email,name,vip\na@x.io,A,yes\nb@x.io,B,no\nc@x.io,C,\n"

	first := f.run(t, data, core.StrategySkipDuplicates, false)
	assert.Equal(t, 3, first.Created)
	before, err := f.store.List(context.Background(), "contacts", nil)
	require.NoError(t, err)

	second := f.run(t, data, core.StrategySkipDuplicates, false)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Skipped)

	after, err := f.store.List(context.Background(), "contacts", nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestImport_MergeVersusOverwrite(t *testing.T) {
	seedValues := core.Values{
		"email": core.StringValue("ada@x.io"),
		"name":  core.StringValue("Ada"),
		"age":   core.IntValue(36),
		"tier":  core.EnumValue("gold"),
	}
	data := "email,name,tier\nada@x.io,Ada Lovelace,silver\n"

	tests := []struct {
		strategy core.Strategy
		hasAge   bool
		changed  []string
	}{
		{core.StrategyMerge, true, []string{"name", "tier"}},
		{core.StrategyOverwrite, false, []string{"name", "age", "tier"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			f := newFixture(t, nil, core.Config{})
			seeded := f.seed(t, seedValues)

			report := f.run(t, data, tt.strategy, false)
			require.Equal(t, 1, report.Updated)

			row := report.Rows[0]
			assert.Equal(t, tt.changed, row.Changed)
			assert.Equal(t, int64(36), row.Before["age"].Int)
			assert.Equal(t, seeded.ID, row.RecordID)

			rec := f.find(t, "ada@x.io")
			assert.Equal(t, seeded.ID, rec.ID)
			assert.Equal(t, "Ada Lovelace", rec.Values["name"].Str)
			assert.Equal(t, "silver", rec.Values["tier"].Str)
			_, hasAge := rec.Values["age"]
			assert.Equal(t, tt.hasAge, hasAge)
		})
	}
}

func TestImport_DryRunDoesNotWrite(t *testing.T) {
	f := newFixture(t, nil, core.Config{})
	f.seed(t, core.Values{"email": core.StringValue("ada@x.io"), "name": core.StringValue("Ada")})

	report := f.run(t, "email,name\nada@x.io,Ada L\nnew@x.io,New\n", core.StrategyOverwrite, true)

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, []string{"name"}, report.Rows[0].Changed)
	assert.Equal(t, 1, f.store.Len("contacts"))
	assert.Equal(t, "Ada", f.find(t, "ada@x.io").Values["name"].Str)
}

// =============================================================================
// Atomic commit
// =============================================================================

// failingStore fails the nth write of every transaction.
type failingStore struct {
	core.Store
	failAt   int
	block    bool
	beginErr error
}

func (s *failingStore) Begin(ctx context.Context, entityType string) (core.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	tx, err := s.Store.Begin(ctx, entityType)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, store: s}, nil
}

type failingTx struct {
	core.Tx
	store  *failingStore
	writes atomic.Int32
}

var errDiskFull = errors.New("disk full")

func (tx *failingTx) Create(ctx context.Context, rec *core.Record) error {
	n := int(tx.writes.Add(1))
	if n == tx.store.failAt {
		if tx.store.block {
			<-ctx.Done()
			return ctx.Err()
		}
		return errDiskFull
	}
	return tx.Tx.Create(ctx, rec)
}

func TestImport_FailureRollsBackWholeBatch(t *testing.T) {
	f := newFixture(t, func(s core.Store) core.Store { return &failingStore{Store: s, failAt: 3} }, core.Config{})

	var b strings.Builder
	b.WriteString("email,name\n")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, "user%d@x.io,User %d\n", i, i)
	}

	sess := f.open(t, "contacts.csv", b.String())
	report, err := f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)

	var txErr *core.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, report)
	assert.Equal(t, 5, report.Failed)
	assert.Equal(t, 0, report.Created)
	assert.True(t, report.Balanced())
	assert.False(t, report.Succeeded())
	for _, row := range report.Rows {
		assert.Equal(t, core.OutcomeFailed, row.Outcome)
		assert.Empty(t, row.RecordID)
	}
	assert.Equal(t, 0, f.store.Len("contacts"))

	// The entity lock was released by the rollback.
	tx, err := f.store.Begin(context.Background(), "contacts")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(context.Background()))
}

func TestImport_FailureKeepsNonWriteOutcomes(t *testing.T) {
	f := newFixture(t, func(s core.Store) core.Store { return &failingStore{Store: s, failAt: 1} }, core.Config{})
	f.seed(t, core.Values{"email": core.StringValue("old@x.io"), "name": core.StringValue("Old")})

	sess := f.open(t, "contacts.csv", "email,name\nold@x.io,Old\nnew@x.io,New\n,Nobody\n")
	report, err := f.svc.Import(context.Background(), sess, core.StrategySkipDuplicates, false)
	require.Error(t, err)

	assert.Equal(t, core.OutcomeSkipped, report.Rows[0].Outcome)
	assert.Equal(t, core.OutcomeFailed, report.Rows[1].Outcome)
	assert.Equal(t, core.OutcomeSkipped, report.Rows[2].Outcome)
	assert.Equal(t, 1, f.store.Len("contacts"))
}

func TestImport_BeginFailureMarksRowsUnplanned(t *testing.T) {
	errDown := errors.New("connection refused")
	f := newFixture(t, func(s core.Store) core.Store { return &failingStore{Store: s, beginErr: errDown} }, core.Config{})

	sess := f.open(t, "contacts.csv", "email,name\na@x.io,Ann\n,Nobody\n")
	report, err := f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)

	var txErr *core.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "begin", txErr.Op)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, core.ActionUnplanned, report.Rows[0].Action)
	assert.Equal(t, core.OutcomeFailed, report.Rows[0].Outcome)
	assert.Equal(t, core.ActionSkip, report.Rows[1].Action)
	assert.Equal(t, core.OutcomeSkipped, report.Rows[1].Outcome)
	assert.True(t, report.Balanced())
}

func TestImport_CommitTimeout(t *testing.T) {
	f := newFixture(t, func(s core.Store) core.Store { return &failingStore{Store: s, failAt: 2, block: true} },
		core.Config{CommitTimeout: 50 * time.Millisecond})

	sess := f.open(t, "contacts.csv", "email,name\na@x.io,A\nb@x.io,B\nc@x.io,C\n")
	report, err := f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 0, f.store.Len("contacts"))
}

// =============================================================================
// Service guards
// =============================================================================

func TestService_OpenErrors(t *testing.T) {
	f := newFixture(t, nil, core.Config{MaxRows: 2})
	ctx := context.Background()

	_, _, err := f.svc.Open(ctx, core.OpenRequest{EntityType: "nope", FileName: "a.csv", Data: []byte("a\n1\n")})
	assert.ErrorIs(t, err, core.ErrUnknownEntityType)

	_, _, err = f.svc.Open(ctx, core.OpenRequest{EntityType: "contacts", FileName: "a.pdf", Data: []byte("x")})
	assert.True(t, tabular.IsKind(err, tabular.UnsupportedFormat), "got %v", err)

	_, _, err = f.svc.Open(ctx, core.OpenRequest{EntityType: "contacts", FileName: "a.csv", Data: []byte("email\na\nb\nc\n")})
	assert.ErrorIs(t, err, core.ErrTooManyRows)

	_, _, err = f.svc.Open(ctx, core.OpenRequest{EntityType: "contacts", FileName: "a.csv", Data: nil})
	assert.True(t, tabular.IsKind(err, tabular.EmptyFile), "got %v", err)
}

func TestService_BlockedMapping(t *testing.T) {
	f := newFixture(t, nil, core.Config{})

	sess, issues, err := f.svc.Open(context.Background(), core.OpenRequest{
		EntityType: "contacts",
		FileName:   "contacts.csv",
		Data:       []byte("email,full name\na@x.io,A\n"),
	})
	require.NoError(t, err)
	assert.True(t, core.HasBlockingIssues(issues))

	_, err = f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)
	assert.ErrorIs(t, err, core.ErrMappingBlocked)

	issues, err = f.svc.Remap(sess, core.ColumnMapping{{Column: 0, Field: "email"}, {Column: 1, Field: "name"}})
	require.NoError(t, err)
	assert.False(t, core.HasBlockingIssues(issues))
	assert.Equal(t, "full name", sess.Mapping[1].Header)

	report, err := f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
}

func TestService_ImportWaitsForLimiter(t *testing.T) {
	f := newFixture(t, nil, core.Config{MaxConcurrent: 1, MaxWait: 20 * time.Millisecond})
	sess := f.open(t, "contacts.csv", "email,name\na@x.io,A\n")

	require.NoError(t, f.svc.Limiter().Acquire(context.Background()))

	// Dry runs do not need a slot.
	_, err := f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, true)
	require.NoError(t, err)

	_, err = f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)
	assert.ErrorIs(t, err, core.ErrTooManyImports)

	f.svc.Limiter().Release()
	_, err = f.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)
	assert.NoError(t, err)
}

// =============================================================================
// Export
// =============================================================================

const roundTripCSV = "email,name,age,vip,since,tier\n" +
	"a@x.io,\"Smith, Ann\",41,true,2020-02-29,gold\n" +
	"b@x.io,\"Say \"\"hi\"\"\",,false,,\n" +
	"c@x.io,\"two\nlines\",7,,2024-12-31,silver\n"

func TestExport_RoundTrip(t *testing.T) {
	for _, format := range []core.ExportFormat{core.ExportCSV, core.ExportXLSX} {
		t.Run(string(format), func(t *testing.T) {
			f := newFixture(t, nil, core.Config{})
			f.run(t, roundTripCSV, core.StrategyCreateOnly, false)
			original, err := f.store.List(context.Background(), "contacts", nil)
			require.NoError(t, err)

			data, err := f.svc.Export(context.Background(), "contacts", format, nil)
			require.NoError(t, err)

			g := newFixture(t, nil, core.Config{})
			sess := g.open(t, "contacts."+string(format), string(data))
			report, err := g.svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)
			require.NoError(t, err)
			require.Equal(t, 3, report.Created)

			copied, err := g.store.List(context.Background(), "contacts", nil)
			require.NoError(t, err)
			require.Len(t, copied, len(original))
			for i := range original {
				assert.Equal(t, len(original[i].Values), len(copied[i].Values), "record %d", i)
				for k, v := range original[i].Values {
					assert.True(t, v.Equal(copied[i].Values[k]), "record %d field %s: %v != %v", i, k, v, copied[i].Values[k])
				}
			}
		})
	}
}

func TestExport_JSONLAndFilter(t *testing.T) {
	f := newFixture(t, nil, core.Config{})
	f.run(t, roundTripCSV, core.StrategyCreateOnly, false)

	data, err := f.svc.Export(context.Background(), "contacts", core.ExportJSONL, map[string]string{"tier": "GOLD"})
	require.NoError(t, err)
	assert.Equal(t, `{"email":"a@x.io","name":"Smith, Ann","age":41,"vip":true,"since":"2020-02-29","tier":"gold"}`+"\n", string(data))

	_, err = f.svc.Export(context.Background(), "contacts", core.ExportJSONL, map[string]string{"colour": "red"})
	assert.Error(t, err)

	_, err = f.svc.Export(context.Background(), "contacts", core.ExportJSONL, map[string]string{"age": "old"})
	assert.Error(t, err)
}

func TestExport_CSVHeaderAndQuoting(t *testing.T) {
	f := newFixture(t, nil, core.Config{})
	f.run(t, roundTripCSV, core.StrategyCreateOnly, false)

	data, err := f.svc.Export(context.Background(), "contacts", core.ExportCSV, map[string]string{"email": "b@x.io"})
	require.NoError(t, err)
	assert.Equal(t, "email,name,age,vip,since,tier\nb@x.io,\"Say \"\"hi\"\"\",,false,,\n", string(data))
}

var readings = schema.EntitySchema{
	EntityType: "readings",
	Fields: []schema.FieldSpec{
		{Name: "id", Kind: schema.KindInt, Required: true, IsKey: true},
		{Name: "note", Kind: schema.KindString},
		{Name: "at", Kind: schema.KindDate},
	},
}

func TestExport_RoundTripKeepsPrecision(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 20, 30, 0, time.UTC)
	seeded := []core.Values{
		{"id": core.IntValue(9007199254740993), "note": core.StringValue("  padded "), "at": core.DateValue(at.Add(500 * time.Millisecond))},
		{"id": core.IntValue(2), "note": core.StringValue("tab\tinside"), "at": core.DateValue(at.Add(123456789 * time.Nanosecond))},
	}

	for _, format := range []core.ExportFormat{core.ExportCSV, core.ExportXLSX} {
		t.Run(string(format), func(t *testing.T) {
			reg, err := schema.NewRegistry(readings)
			require.NoError(t, err)
			es, err := reg.Get("readings")
			require.NoError(t, err)

			src := memstore.New()
			for _, vs := range seeded {
				_, err := src.Put(es, vs)
				require.NoError(t, err)
			}
			data, err := core.NewService(reg, src, core.Config{}).Export(context.Background(), "readings", format, nil)
			require.NoError(t, err)

			dst := memstore.New()
			svc := core.NewService(reg, dst, core.Config{})
			sess, _, err := svc.Open(context.Background(), core.OpenRequest{
				EntityType: "readings",
				FileName:   "readings." + string(format),
				Data:       data,
			})
			require.NoError(t, err)
			report, err := svc.Import(context.Background(), sess, core.StrategyCreateOnly, false)
			require.NoError(t, err)
			require.Equal(t, 2, report.Created, "rows: %+v", report.Rows)

			for _, want := range seeded {
				key, ok := core.KeyOf(es, want)
				require.True(t, ok)
				rec, err := dst.FindByKey(context.Background(), "readings", key)
				require.NoError(t, err)
				require.NotNil(t, rec)
				for k, v := range want {
					assert.True(t, v.Equal(rec.Values[k]), "field %s: %q != %q", k, v, rec.Values[k])
				}
			}
		})
	}
}
