package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

// Strategy decides what happens when an incoming row matches an existing
// record by natural key.
type Strategy string

const (
	StrategyCreateOnly     Strategy = "create-only"
	StrategyOverwrite      Strategy = "overwrite"
	StrategyMerge          Strategy = "merge"
	StrategySkipDuplicates Strategy = "skip-duplicates"
)

// Strategies lists every strategy in documentation order.
var Strategies = []Strategy{StrategyCreateOnly, StrategyOverwrite, StrategyMerge, StrategySkipDuplicates}

// ParseStrategy converts a user-supplied strategy name.
func ParseStrategy(s string) (Strategy, error) {
	want := Strategy(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Strategies {
		if st == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q (want one of create-only, overwrite, merge, skip-duplicates)", s)
}

// Action is what the executor will do with a row.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionSkip     Action = "skip"
	ActionConflict Action = "conflict"

	// ActionUnplanned marks valid rows of a commit that failed before its
	// plan was computed, so no action was ever decided for them.
	ActionUnplanned Action = "unplanned"
)

// Writes reports whether the action touches the store.
func (a Action) Writes() bool { return a == ActionCreate || a == ActionUpdate }

// Lookup finds records by natural key. Both Store and Tx satisfy it.
type Lookup interface {
	// FindByKey returns nil, nil when no record has the key.
	FindByKey(ctx context.Context, entityType string, key Key) (*Record, error)
}

// PlanEntry is one row's planned action. For updates Before and After hold
// the full record values and Changed lists the fields that differ, in
// schema order.
type PlanEntry struct {
	Row              ValidatedRow `json:"row"`
	Action           Action       `json:"action"`
	Reason           string       `json:"reason,omitempty"`
	Key              Key          `json:"-"`
	ExistingRecordID string       `json:"existingRecordId,omitempty"`
	Existing         *Record      `json:"-"`
	Before           Values       `json:"before,omitempty"`
	After            Values       `json:"after,omitempty"`
	Changed          []string     `json:"changed,omitempty"`
}

// ImportPlan is the resolver's output, one entry per validated row.
type ImportPlan struct {
	EntityType string      `json:"entityType"`
	Strategy   Strategy    `json:"strategy"`
	Entries    []PlanEntry `json:"entries"`
}

// PlanImport classifies every row as create, update, skip or conflict.
//
// Invalid rows are skipped without a lookup. Every other row is looked up by
// natural key and resolved by strategy. The only error is a lookup failure.
func PlanImport(ctx context.Context, rows []ValidatedRow, s *schema.EntitySchema, strategy Strategy, lookup Lookup) (*ImportPlan, error) {
	plan := &ImportPlan{
		EntityType: s.EntityType,
		Strategy:   strategy,
		Entries:    make([]PlanEntry, len(rows)),
	}

	for i, row := range rows {
		entry := PlanEntry{Row: row}

		if row.Status == StatusInvalid {
			entry.Action = ActionSkip
			entry.Reason = invalidReason(row)
			plan.Entries[i] = entry
			continue
		}

		key, ok := KeyOf(s, row.Values)
		if !ok {
			entry.Action = ActionSkip
			entry.Reason = "natural key is incomplete"
			plan.Entries[i] = entry
			continue
		}
		entry.Key = key

		existing, err := lookup.FindByKey(ctx, s.EntityType, key)
		if err != nil {
			return nil, fmt.Errorf("find %s %s: %w", s.EntityType, key.Display(), err)
		}

		resolve(&entry, s, strategy, existing)
		plan.Entries[i] = entry
	}

	return plan, nil
}

func resolve(entry *PlanEntry, s *schema.EntitySchema, strategy Strategy, existing *Record) {
	incoming := entry.Row.Values

	if existing == nil {
		entry.Action = ActionCreate
		entry.After = incoming.Clone()
		return
	}

	entry.Existing = existing
	entry.ExistingRecordID = existing.ID

	switch strategy {
	case StrategyOverwrite:
		entry.Action = ActionUpdate
		entry.Before = existing.Values.Clone()
		entry.After = incoming.Clone()
	case StrategyMerge:
		entry.Action = ActionUpdate
		entry.Before = existing.Values.Clone()
		entry.After = existing.Values.Clone()
		for k, v := range incoming {
			entry.After[k] = v
		}
	case StrategySkipDuplicates:
		entry.Action = ActionSkip
		entry.Reason = fmt.Sprintf("record %s already exists", entry.Key.Display())
		return
	default:
		entry.Action = ActionConflict
		entry.Reason = fmt.Sprintf("record %s already exists", entry.Key.Display())
		return
	}

	entry.Changed = changedFields(s, entry.Before, entry.After)
}

// changedFields lists fields whose value differs between a and b, in schema
// order. A field present on one side only counts as changed.
func changedFields(s *schema.EntitySchema, a, b Values) []string {
	var changed []string
	for _, f := range s.Fields {
		av, aok := a[f.Name]
		bv, bok := b[f.Name]
		if aok != bok || !av.Equal(bv) {
			changed = append(changed, f.Name)
		}
	}
	return changed
}

func invalidReason(row ValidatedRow) string {
	if len(row.Issues) == 0 {
		return "row is invalid"
	}
	msgs := make([]string, 0, len(row.Issues))
	for _, i := range row.Issues {
		msgs = append(msgs, i.Message)
	}
	return strings.Join(msgs, "; ")
}
