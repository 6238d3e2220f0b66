package core

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result of a row in an ImportReport.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeConflicted Outcome = "conflicted"
	OutcomeFailed     Outcome = "failed"
)

// RowOutcome is the audit trail for one row. In a dry run Outcome is what
// the row would have become.
type RowOutcome struct {
	Index            int        `json:"index"`
	Line             int        `json:"line"`
	Status           Status     `json:"status"`
	Action           Action     `json:"action"`
	Outcome          Outcome    `json:"outcome"`
	Key              string     `json:"key,omitempty"`
	RecordID         string     `json:"recordId,omitempty"`
	ExistingRecordID string     `json:"existingRecordId,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	Error            string     `json:"error,omitempty"`
	Issues           []RowIssue `json:"issues,omitempty"`
	Before           Values     `json:"before,omitempty"`
	After            Values     `json:"after,omitempty"`
	Changed          []string   `json:"changed,omitempty"`
}

// ImportReport is the terminal artifact of one pipeline run. The five
// outcome counts always sum to TotalRows.
type ImportReport struct {
	RunID      string    `json:"runId"`
	EntityType string    `json:"entityType"`
	Strategy   Strategy  `json:"strategy"`
	DryRun     bool      `json:"dryRun"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`

	TotalRows  int `json:"totalRows"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`

	Validation StatusCounts `json:"validation"`

	// Error is the batch-level store failure, if any.
	Error string `json:"error,omitempty"`

	Rows []RowOutcome `json:"rows"`
}

// Balanced reports whether the outcome counts sum to TotalRows.
func (r *ImportReport) Balanced() bool {
	return r.Created+r.Updated+r.Skipped+r.Failed+r.Conflicted == r.TotalRows
}

// Succeeded reports whether the run finished without a store failure.
func (r *ImportReport) Succeeded() bool { return r.Error == "" }

func newReport(entityType string, strategy Strategy, dryRun bool, rows []ValidatedRow, started time.Time) *ImportReport {
	return &ImportReport{
		RunID:      uuid.NewString(),
		EntityType: entityType,
		Strategy:   strategy,
		DryRun:     dryRun,
		StartedAt:  started,
		TotalRows:  len(rows),
		Validation: CountStatuses(rows),
		Rows:       make([]RowOutcome, 0, len(rows)),
	}
}

// record adds one row outcome and bumps the matching counter.
func (r *ImportReport) record(o RowOutcome) {
	switch o.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeConflicted:
		r.Conflicted++
	case OutcomeFailed:
		r.Failed++
	}
	r.Rows = append(r.Rows, o)
}

func (r *ImportReport) finish(started time.Time) {
	r.DurationMs = time.Since(started).Milliseconds()
}

// outcomeFor maps a planned action to its successful outcome.
func outcomeFor(a Action) Outcome {
	switch a {
	case ActionCreate:
		return OutcomeCreated
	case ActionUpdate:
		return OutcomeUpdated
	case ActionConflict:
		return OutcomeConflicted
	}
	return OutcomeSkipped
}

func rowOutcome(e PlanEntry) RowOutcome {
	o := RowOutcome{
		Index:            e.Row.Index,
		Line:             e.Row.Line,
		Status:           e.Row.Status,
		Action:           e.Action,
		Outcome:          outcomeFor(e.Action),
		ExistingRecordID: e.ExistingRecordID,
		Reason:           e.Reason,
		Issues:           e.Row.Issues,
		Before:           e.Before,
		After:            e.After,
		Changed:          e.Changed,
	}
	if e.Key != nil {
		o.Key = e.Key.Display()
	}
	if e.Action == ActionUpdate {
		o.RecordID = e.ExistingRecordID
	}
	return o
}
