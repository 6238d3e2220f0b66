// Package postgres stores imported records in a single PostgreSQL table,
// one JSONB document per record, unique on (entity_type, natural_key).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JonMunkholm/dataimport/internal/core"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS import_records (
	id          UUID PRIMARY KEY,
	entity_type TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (entity_type, natural_key)
)`

const (
	lockSQL = `SELECT pg_advisory_xact_lock($1)`

	findSQL = `SELECT id, natural_key, data, created_at, updated_at
FROM import_records
WHERE entity_type = $1 AND natural_key = $2`

	listSQL = `SELECT id, natural_key, data, created_at, updated_at
FROM import_records
WHERE entity_type = $1 AND data @> $2::jsonb
ORDER BY natural_key`

	insertSQL = `INSERT INTO import_records (id, entity_type, natural_key, data, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)`

	updateSQL = `UPDATE import_records SET data = $3::jsonb, updated_at = $4
WHERE entity_type = $1 AND natural_key = $2`
)

// uniqueViolation is the PostgreSQL error code for a unique constraint.
const uniqueViolation = "23505"

// Store implements core.Store on database/sql.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// FromPool exposes a pgx pool through database/sql.
func FromPool(pool *pgxpool.Pool) *Store {
	return New(stdlib.OpenDBFromPool(pool))
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the records table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create import_records: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindByKey implements core.Lookup.
func (s *Store) FindByKey(ctx context.Context, entityType string, key core.Key) (*core.Record, error) {
	return findByKey(ctx, s.db, entityType, key)
}

func findByKey(ctx context.Context, q querier, entityType string, key core.Key) (*core.Record, error) {
	rec, err := scanRecord(entityType, q.QueryRowContext(ctx, findSQL, entityType, key.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	return rec, nil
}

// List implements core.Store. The filter becomes a JSONB containment test,
// so numbers compare numerically and strings exactly.
func (s *Store) List(ctx context.Context, entityType string, filter core.Filter) ([]core.Record, error) {
	cond, err := json.Marshal(core.Values(filter))
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	if filter == nil {
		cond = []byte("{}")
	}

	rows, err := s.db.QueryContext(ctx, listSQL, entityType, string(cond))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		rec, err := scanRecord(entityType, rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(entityType string, row scanner) (*core.Record, error) {
	var (
		rec  = core.Record{EntityType: entityType}
		data []byte
	)
	if err := row.Scan(&rec.ID, &rec.Key, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rec.Values); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// lockID maps an entity type onto an advisory lock key.
func lockID(entityType string) int64 {
	h := fnv.New64a()
	h.Write([]byte("import_records:" + entityType))
	return int64(h.Sum64())
}

// Begin implements core.Store. The transaction holds an advisory lock on
// the entity type until it ends, which serializes imports of that type
// across every process sharing the database.
func (s *Store) Begin(ctx context.Context, entityType string) (core.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx, lockSQL, lockID(entityType)); err != nil {
		_ = sqlTx.Rollback()
		return nil, fmt.Errorf("lock %s: %w", entityType, err)
	}
	return &tx{tx: sqlTx, entityType: entityType}, nil
}

type tx struct {
	tx         *sql.Tx
	entityType string
}

func (t *tx) FindByKey(ctx context.Context, entityType string, key core.Key) (*core.Record, error) {
	rec, err := findByKey(ctx, t.tx, entityType, key)
	return rec, txErr(err)
}

func (t *tx) Create(ctx context.Context, rec *core.Record) error {
	data, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, insertSQL, rec.ID, rec.EntityType, rec.Key, string(data), rec.CreatedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", core.ErrDuplicateKey, pgErr.Detail)
	}
	if err != nil {
		return fmt.Errorf("insert record: %w", txErr(err))
	}
	return nil
}

func (t *tx) Update(ctx context.Context, rec *core.Record) error {
	data, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, updateSQL, rec.EntityType, rec.Key, string(data), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update record: %w", txErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrRecordNotFound, rec.ID)
	}
	return nil
}

func (t *tx) Commit(context.Context) error {
	return txErr(t.tx.Commit())
}

func (t *tx) Rollback(context.Context) error {
	return txErr(t.tx.Rollback())
}

// txErr translates database/sql's finished-transaction error.
func txErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return core.ErrTxDone
	}
	return err
}
