// Package memstore is an in-process record store. It backs tests and the
// command line tool when no database is configured.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/schema"
)

// Store keeps records per entity type, indexed by natural key.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]core.Record

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]map[string]core.Record),
		locks:   make(map[string]chan struct{}),
	}
}

// entityLock returns the single-slot semaphore that serializes
// transactions on one entity type.
func (s *Store) entityLock(entityType string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[entityType]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[entityType] = l
	}
	return l
}

// Put stores a record outside any transaction, replacing one with the same
// key. It is meant for seeding.
func (s *Store) Put(es *schema.EntitySchema, values core.Values) (core.Record, error) {
	key, ok := core.KeyOf(es, values)
	if !ok {
		return core.Record{}, fmt.Errorf("%s record has an incomplete natural key", es.EntityType)
	}

	at := time.Now().UTC()
	rec := core.Record{
		ID:         uuid.NewString(),
		EntityType: es.EntityType,
		Key:        key.String(),
		Values:     values.Clone(),
		CreatedAt:  at,
		UpdatedAt:  at,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(es.EntityType)[rec.Key] = rec
	return clone(rec), nil
}

// Len returns the number of stored records of an entity type.
func (s *Store) Len(entityType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entityType])
}

// table returns the record map for an entity type. Callers hold mu.
func (s *Store) table(entityType string) map[string]core.Record {
	t, ok := s.records[entityType]
	if !ok {
		t = make(map[string]core.Record)
		s.records[entityType] = t
	}
	return t
}

func (s *Store) get(entityType, key string) (core.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[entityType][key]
	return rec, ok
}

// FindByKey implements core.Lookup.
func (s *Store) FindByKey(ctx context.Context, entityType string, key core.Key) (*core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.get(entityType, key.String())
	if !ok {
		return nil, nil
	}
	out := clone(rec)
	return &out, nil
}

// List implements core.Store.
func (s *Store) List(ctx context.Context, entityType string, filter core.Filter) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]core.Record, 0, len(s.records[entityType]))
	for _, rec := range s.records[entityType] {
		if filter.Matches(rec) {
			out = append(out, clone(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Begin implements core.Store. It blocks while another transaction holds
// the entity type.
func (s *Store) Begin(ctx context.Context, entityType string) (core.Tx, error) {
	lock := s.entityLock(entityType)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &tx{
		store:      s,
		entityType: entityType,
		lock:       lock,
		pending:    make(map[string]core.Record),
	}, nil
}

// tx buffers writes until Commit.
type tx struct {
	store      *Store
	entityType string
	lock       chan struct{}
	pending    map[string]core.Record
	done       bool
}

func (t *tx) find(key string) (core.Record, bool) {
	if rec, ok := t.pending[key]; ok {
		return rec, true
	}
	return t.store.get(t.entityType, key)
}

func (t *tx) check(ctx context.Context, entityType string) error {
	if t.done {
		return core.ErrTxDone
	}
	if entityType != t.entityType {
		return fmt.Errorf("transaction is scoped to %s, not %s", t.entityType, entityType)
	}
	return ctx.Err()
}

func (t *tx) FindByKey(ctx context.Context, entityType string, key core.Key) (*core.Record, error) {
	if err := t.check(ctx, entityType); err != nil {
		return nil, err
	}
	rec, ok := t.find(key.String())
	if !ok {
		return nil, nil
	}
	out := clone(rec)
	return &out, nil
}

func (t *tx) Create(ctx context.Context, rec *core.Record) error {
	if err := t.check(ctx, rec.EntityType); err != nil {
		return err
	}
	if _, ok := t.find(rec.Key); ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateKey, rec.Key)
	}
	t.pending[rec.Key] = clone(*rec)
	return nil
}

func (t *tx) Update(ctx context.Context, rec *core.Record) error {
	if err := t.check(ctx, rec.EntityType); err != nil {
		return err
	}
	if _, ok := t.find(rec.Key); !ok {
		return fmt.Errorf("%w: %s", core.ErrRecordNotFound, rec.Key)
	}
	t.pending[rec.Key] = clone(*rec)
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return core.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.store.mu.Lock()
	table := t.store.table(t.entityType)
	for key, rec := range t.pending {
		table[key] = rec
	}
	t.store.mu.Unlock()

	t.finish()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return core.ErrTxDone
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.pending = nil
	<-t.lock
}

func clone(rec core.Record) core.Record {
	rec.Values = rec.Values.Clone()
	return rec
}
