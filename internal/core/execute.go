package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

// Store is the record store the pipeline imports into and exports from.
type Store interface {
	Lookup

	// Begin starts a transaction scoped to one entity type. Implementations
	// must serialize transactions on the same entity type.
	Begin(ctx context.Context, entityType string) (Tx, error)

	// List returns the records of an entity type that match filter, ordered
	// by natural key.
	List(ctx context.Context, entityType string, filter Filter) ([]Record, error)
}

// Tx is a store transaction. Lookups through a Tx see its own writes.
type Tx interface {
	Lookup
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionError reports a commit that was aborted and rolled back.
type TransactionError struct {
	EntityType string
	Op         string
	Err        error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("import into %s failed during %s and was rolled back: %v", e.EntityType, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// CommitOptions controls Execute.
type CommitOptions struct {
	// DryRun computes the plan without touching the store.
	DryRun bool

	// Timeout bounds the commit transaction. Zero means no extra bound
	// beyond the caller's context.
	Timeout time.Duration
}

// rollbackTimeout bounds the rollback issued after a failed commit.
const rollbackTimeout = 10 * time.Second

// Execute plans rows against the store and, unless DryRun is set, applies
// every create and update in a single transaction.
//
// On a store failure, cancellation or timeout the transaction is rolled back
// and every row that would have been written is reported as failed. Execute
// then returns both the report and a *TransactionError.
func Execute(ctx context.Context, rows []ValidatedRow, s *schema.EntitySchema, strategy Strategy, store Store, opts CommitOptions) (*ImportReport, error) {
	started := time.Now()
	report := newReport(s.EntityType, strategy, opts.DryRun, rows, started)
	log := slog.With("entity_type", s.EntityType, "strategy", string(strategy), "run_id", report.RunID)

	if opts.DryRun {
		plan, err := PlanImport(ctx, rows, s, strategy, store)
		if err != nil {
			return nil, err
		}
		for _, e := range plan.Entries {
			report.record(rowOutcome(e))
		}
		report.finish(started)
		log.Debug("dry run planned", "rows", report.TotalRows, "created", report.Created, "updated", report.Updated)
		return report, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	fail := func(op string, err error, plan *ImportPlan) (*ImportReport, error) {
		txErr := &TransactionError{EntityType: s.EntityType, Op: op, Err: err}
		failBatch(report, rows, plan, txErr)
		report.Error = txErr.Error()
		report.finish(started)
		log.Error("import rolled back", "op", op, "error", err, "failed", report.Failed)
		return report, txErr
	}

	tx, err := store.Begin(ctx, s.EntityType)
	if err != nil {
		return fail("begin", err, nil)
	}

	// Planning inside the transaction sees the state the writes apply to.
	plan, err := PlanImport(ctx, rows, s, strategy, tx)
	if err != nil {
		rollback(ctx, tx, log)
		return fail("plan", err, nil)
	}

	recordIDs := make(map[int]string)
	at := time.Now().UTC()
	for _, e := range plan.Entries {
		if !e.Action.Writes() {
			continue
		}
		if err := ctx.Err(); err != nil {
			rollback(ctx, tx, log)
			return fail("apply", err, plan)
		}

		rec := buildRecord(s.EntityType, e, at)
		if e.Action == ActionCreate {
			err = tx.Create(ctx, rec)
		} else {
			err = tx.Update(ctx, rec)
		}
		if err != nil {
			rollback(ctx, tx, log)
			return fail(string(e.Action), fmt.Errorf("line %d: %w", e.Row.Line, err), plan)
		}
		recordIDs[e.Row.Index] = rec.ID
	}

	if err := ctx.Err(); err != nil {
		rollback(ctx, tx, log)
		return fail("commit", err, plan)
	}
	if err := tx.Commit(ctx); err != nil {
		rollback(ctx, tx, log)
		return fail("commit", err, plan)
	}

	for _, e := range plan.Entries {
		o := rowOutcome(e)
		if id, ok := recordIDs[e.Row.Index]; ok {
			o.RecordID = id
		}
		report.record(o)
	}
	report.finish(started)

	log.Info("import committed",
		"rows", report.TotalRows,
		"created", report.Created,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"conflicted", report.Conflicted,
		"duration_ms", report.DurationMs,
	)
	return report, nil
}

func buildRecord(entityType string, e PlanEntry, at time.Time) *Record {
	rec := &Record{
		EntityType: entityType,
		Key:        e.Key.String(),
		Values:     e.After,
		UpdatedAt:  at,
	}
	if e.Existing != nil {
		rec.ID = e.Existing.ID
		rec.CreatedAt = e.Existing.CreatedAt
	} else {
		rec.ID = uuid.NewString()
		rec.CreatedAt = at
	}
	return rec
}

// rollback aborts tx even when ctx is already done.
func rollback(ctx context.Context, tx Tx, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := tx.Rollback(rctx); err != nil && !errors.Is(err, ErrTxDone) {
		log.Error("rollback failed", "error", err)
	}
}

// failBatch records every row of an aborted commit. Rows the plan would
// have written fail with the transaction error; the rest keep their planned
// outcome. Without a plan every row that passed validation fails with
// ActionUnplanned.
func failBatch(report *ImportReport, rows []ValidatedRow, plan *ImportPlan, txErr error) {
	report.Rows = report.Rows[:0]
	report.Created, report.Updated, report.Skipped, report.Conflicted, report.Failed = 0, 0, 0, 0, 0

	if plan == nil {
		for _, r := range rows {
			o := RowOutcome{Index: r.Index, Line: r.Line, Status: r.Status, Issues: r.Issues}
			if r.Status == StatusInvalid {
				o.Action, o.Outcome, o.Reason = ActionSkip, OutcomeSkipped, invalidReason(r)
			} else {
				o.Action, o.Outcome, o.Error = ActionUnplanned, OutcomeFailed, txErr.Error()
			}
			report.record(o)
		}
		return
	}

	for _, e := range plan.Entries {
		o := rowOutcome(e)
		if e.Action.Writes() {
			o.Outcome = OutcomeFailed
			o.Error = txErr.Error()
			o.RecordID = ""
		}
		report.record(o)
	}
}
