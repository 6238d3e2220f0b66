package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/schema"
)

func sitesSchema(t *testing.T) *schema.EntitySchema {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)
	es, err := reg.Get("sites")
	require.NoError(t, err)
	return es
}

func site(code, name string) core.Values {
	return core.Values{"code": core.StringValue(code), "name": core.StringValue(name)}
}

func record(t *testing.T, es *schema.EntitySchema, vs core.Values) *core.Record {
	t.Helper()
	key, ok := core.KeyOf(es, vs)
	require.True(t, ok)
	return &core.Record{ID: "id-" + key.String(), EntityType: es.EntityType, Key: key.String(), Values: vs}
}

// =============================================================================
// Reads
// =============================================================================

func TestStore_PutAndFind(t *testing.T) {
	es := sitesSchema(t)
	s := New()
	ctx := context.Background()

	put, err := s.Put(es, site("S1", "North"))
	require.NoError(t, err)
	assert.NotEmpty(t, put.ID)

	key, _ := core.KeyOf(es, site("S1", ""))
	got, err := s.FindByKey(ctx, "sites", key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, put.ID, got.ID)
	assert.Equal(t, "North", got.Values["name"].Str)

	missing, _ := core.KeyOf(es, site("S9", ""))
	got, err = s.FindByKey(ctx, "sites", missing)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PutIncompleteKey(t *testing.T) {
	_, err := New().Put(sitesSchema(t), core.Values{"name": core.StringValue("x")})
	assert.Error(t, err)
}

func TestStore_FindReturnsCopy(t *testing.T) {
	es := sitesSchema(t)
	s := New()
	_, err := s.Put(es, site("S1", "North"))
	require.NoError(t, err)

	key, _ := core.KeyOf(es, site("S1", ""))
	got, _ := s.FindByKey(context.Background(), "sites", key)
	got.Values["name"] = core.StringValue("changed")

	again, _ := s.FindByKey(context.Background(), "sites", key)
	assert.Equal(t, "North", again.Values["name"].Str)
}

func TestStore_ListSortedAndFiltered(t *testing.T) {
	es := sitesSchema(t)
	s := New()
	for _, c := range []string{"S3", "S1", "S2"} {
		_, err := s.Put(es, site(c, "Site "+c))
		require.NoError(t, err)
	}

	all, err := s.List(context.Background(), "sites", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "S1", all[0].Values["code"].Str)
	assert.Equal(t, "S3", all[2].Values["code"].Str)

	one, err := s.List(context.Background(), "sites", core.Filter{"name": core.StringValue("Site S2")})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "S2", one[0].Values["code"].Str)

	none, err := s.List(context.Background(), "gates", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// Transactions
// =============================================================================

func TestTx_CommitAppliesWrites(t *testing.T) {
	es := sitesSchema(t)
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx, "sites")
	require.NoError(t, err)
	rec := record(t, es, site("S1", "North"))
	require.NoError(t, tx.Create(ctx, rec))

	// Visible inside, not outside.
	key, _ := core.KeyOf(es, rec.Values)
	inside, err := tx.FindByKey(ctx, "sites", key)
	require.NoError(t, err)
	assert.NotNil(t, inside)
	assert.Equal(t, 0, s.Len("sites"))

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, s.Len("sites"))
	assert.ErrorIs(t, tx.Commit(ctx), core.ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(ctx), core.ErrTxDone)
}

func TestTx_RollbackDiscardsWrites(t *testing.T) {
	es := sitesSchema(t)
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx, "sites")
	require.NoError(t, err)
	require.NoError(t, tx.Create(ctx, record(t, es, site("S1", "North"))))
	require.NoError(t, tx.Rollback(ctx))

	assert.Equal(t, 0, s.Len("sites"))
	assert.ErrorIs(t, tx.Create(ctx, record(t, es, site("S2", "x"))), core.ErrTxDone)
}

func TestTx_WriteErrors(t *testing.T) {
	es := sitesSchema(t)
	s := New()
	ctx := context.Background()
	_, err := s.Put(es, site("S1", "North"))
	require.NoError(t, err)

	tx, err := s.Begin(ctx, "sites")
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = tx.Create(ctx, record(t, es, site("S1", "again")))
	assert.ErrorIs(t, err, core.ErrDuplicateKey)

	err = tx.Update(ctx, record(t, es, site("S2", "nobody")))
	assert.ErrorIs(t, err, core.ErrRecordNotFound)

	require.NoError(t, tx.Create(ctx, record(t, es, site("S2", "new"))))
	err = tx.Create(ctx, record(t, es, site("S2", "twice")))
	assert.ErrorIs(t, err, core.ErrDuplicateKey)

	require.NoError(t, tx.Update(ctx, record(t, es, site("S1", "renamed"))))
}

func TestTx_SerializedPerEntity(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Begin(ctx, "sites")
	require.NoError(t, err)

	// Another entity type is independent.
	other, err := s.Begin(ctx, "gates")
	require.NoError(t, err)
	require.NoError(t, other.Rollback(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Begin(waitCtx, "sites")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	acquired := make(chan struct{})
	go func() {
		tx, err := s.Begin(ctx, "sites")
		if err == nil {
			tx.Rollback(ctx)
		}
		close(acquired)
	}()

	require.NoError(t, first.Commit(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second transaction never started")
	}
}
