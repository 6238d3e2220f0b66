package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/dataimport/internal/tabular"
)

// ImportSession carries an in-progress import between pipeline steps.
// It is a plain value: the pipeline never stores it, callers do.
type ImportSession struct {
	ID         string             `json:"id"`
	EntityType string             `json:"entityType"`
	FileName   string             `json:"fileName,omitempty"`
	Format     tabular.Format     `json:"format"`
	CSV        *tabular.CSVConfig `json:"csv,omitempty"`
	Table      *tabular.RawTable  `json:"table"`
	Mapping    ColumnMapping      `json:"mapping"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// NewImportSession wraps a parsed table.
func NewImportSession(entityType, fileName string, table *tabular.RawTable, csv *tabular.CSVConfig) *ImportSession {
	at := time.Now().UTC()
	return &ImportSession{
		ID:         uuid.NewString(),
		EntityType: entityType,
		FileName:   fileName,
		Format:     table.Format,
		CSV:        csv,
		Table:      table,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

// SessionSummary is the session without its rows.
type SessionSummary struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entityType"`
	FileName      string         `json:"fileName,omitempty"`
	Format        tabular.Format `json:"format"`
	Headers       []string       `json:"headers"`
	RowCount      int            `json:"rowCount"`
	SkippedSheets []string       `json:"skippedSheets,omitempty"`
	Mapping       ColumnMapping  `json:"mapping"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Summary returns the session metadata.
func (s *ImportSession) Summary() SessionSummary {
	return SessionSummary{
		ID:            s.ID,
		EntityType:    s.EntityType,
		FileName:      s.FileName,
		Format:        s.Format,
		Headers:       s.Table.Headers,
		RowCount:      len(s.Table.Rows),
		SkippedSheets: s.Table.SkippedSheets,
		Mapping:       s.Mapping,
		CreatedAt:     s.CreatedAt,
	}
}
