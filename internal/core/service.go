package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JonMunkholm/dataimport/internal/logging"
	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

// Config holds service tuning. Zero values select defaults.
type Config struct {
	Workers       int           // validation pool size, 0 = NumCPU
	CommitTimeout time.Duration // bound on each commit transaction
	MaxConcurrent int           // simultaneous commits
	MaxWait       time.Duration // wait for a commit slot
	MaxRows       int           // data rows per file, 0 = unlimited
}

// Service drives the pipeline stages for front ends. It holds no per-import
// state; everything in flight lives in the ImportSession the caller passes.
type Service struct {
	registry *schema.Registry
	store    Store
	limiter  *ImportLimiter
	cfg      Config
}

// NewService creates a service over a schema registry and a record store.
func NewService(registry *schema.Registry, store Store, cfg Config) *Service {
	return &Service{
		registry: registry,
		store:    store,
		limiter:  NewImportLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		cfg:      cfg,
	}
}

// Schemas returns every registered schema.
func (s *Service) Schemas() []*schema.EntitySchema { return s.registry.All() }

// Schema returns the schema for an entity type.
func (s *Service) Schema(entityType string) (*schema.EntitySchema, error) {
	return s.registry.Get(entityType)
}

// Limiter exposes the commit limiter for monitoring and shutdown.
func (s *Service) Limiter() *ImportLimiter { return s.limiter }

// OpenRequest describes an uploaded file.
type OpenRequest struct {
	EntityType string
	FileName   string
	Format     tabular.Format // inferred from FileName when empty
	CSV        *tabular.CSVConfig
	Data       []byte
}

// Open parses a file and starts a session with a suggested mapping.
// The returned issues describe the suggestion.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*ImportSession, []MappingIssue, error) {
	es, err := s.registry.Get(req.EntityType)
	if err != nil {
		return nil, nil, err
	}

	format := req.Format
	if format == "" {
		if format, err = tabular.FormatFromFilename(req.FileName); err != nil {
			return nil, nil, err
		}
	}

	table, err := tabular.Parse(req.Data, format, req.CSV)
	if err != nil {
		return nil, nil, err
	}
	if s.cfg.MaxRows > 0 && len(table.Rows) > s.cfg.MaxRows {
		return nil, nil, fmt.Errorf("%w: %d rows, limit is %d", ErrTooManyRows, len(table.Rows), s.cfg.MaxRows)
	}

	var csvCfg *tabular.CSVConfig
	if format == tabular.FormatCSV {
		c := tabular.DefaultCSVConfig()
		if req.CSV != nil {
			c = *req.CSV
		}
		csvCfg = &c
	}

	sess := NewImportSession(es.EntityType, req.FileName, table, csvCfg)
	sess.Mapping = SuggestMapping(table.Headers, es)
	issues := ValidateMapping(sess.Mapping, es, len(table.Headers))

	slog.DebugContext(ctx, "import session opened",
		"session_id", sess.ID,
		"entity_type", es.EntityType,
		"format", string(format),
		"rows", len(table.Rows),
		"columns", len(table.Headers),
	)
	return sess, issues, nil
}

// Remap replaces the session mapping and returns its issues. Headers are
// filled in from the table.
func (s *Service) Remap(sess *ImportSession, m ColumnMapping) ([]MappingIssue, error) {
	es, err := s.registry.Get(sess.EntityType)
	if err != nil {
		return nil, err
	}

	m = m.Clone()
	for i := range m {
		m[i].Field = strings.TrimSpace(m[i].Field)
		if c := m[i].Column; c >= 0 && c < len(sess.Table.Headers) {
			m[i].Header = sess.Table.Headers[c]
		}
	}

	sess.Mapping = m
	sess.UpdatedAt = time.Now().UTC()
	return ValidateMapping(m, es, len(sess.Table.Headers)), nil
}

// MappingIssues re-validates the session's current mapping.
func (s *Service) MappingIssues(sess *ImportSession) ([]MappingIssue, error) {
	es, err := s.registry.Get(sess.EntityType)
	if err != nil {
		return nil, err
	}
	return ValidateMapping(sess.Mapping, es, len(sess.Table.Headers)), nil
}

// Validate runs row validation. It refuses with ErrMappingBlocked while the
// mapping has blocking issues.
func (s *Service) Validate(ctx context.Context, sess *ImportSession) ([]ValidatedRow, error) {
	es, err := s.registry.Get(sess.EntityType)
	if err != nil {
		return nil, err
	}

	issues := ValidateMapping(sess.Mapping, es, len(sess.Table.Headers))
	if HasBlockingIssues(issues) {
		var msgs []string
		for _, i := range issues {
			if i.Blocking {
				msgs = append(msgs, i.Message)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrMappingBlocked, strings.Join(msgs, "; "))
	}

	return ValidateRows(ctx, sess.Table, sess.Mapping, es, ValidateOptions{Workers: s.cfg.Workers})
}

// Import validates the session and executes it. Commits wait for a limiter
// slot; dry runs do not.
func (s *Service) Import(ctx context.Context, sess *ImportSession, strategy Strategy, dryRun bool) (*ImportReport, error) {
	es, err := s.registry.Get(sess.EntityType)
	if err != nil {
		return nil, err
	}

	rows, err := s.Validate(ctx, sess)
	if err != nil {
		return nil, err
	}

	if !dryRun {
		if !s.limiter.TryAcquire() {
			log := logging.WithFields(ctx, "session_id", sess.ID, "entity_type", sess.EntityType)
			log.Info("waiting for an import slot", "active", s.limiter.ActiveCount())
			if err := s.limiter.Acquire(ctx); err != nil {
				log.Warn("no import slot", "error", err)
				return nil, err
			}
		}
		defer s.limiter.Release()
	}

	return Execute(ctx, rows, es, strategy, s.store, CommitOptions{
		DryRun:  dryRun,
		Timeout: s.cfg.CommitTimeout,
	})
}

// ParseFilter coerces textual field=value conditions with each field's own
// rules, so "Yes" matches a stored true and "2024-1-5" is not a date.
func ParseFilter(es *schema.EntitySchema, raw map[string]string) (Filter, error) {
	f := make(Filter, len(raw))
	for name, text := range raw {
		field, ok := es.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no field named %q", es.EntityType, name)
		}
		v, issue := Coerce(field, CleanCell(text))
		if issue != nil {
			return nil, fmt.Errorf("filter %s: %s", name, issue.Message)
		}
		f[name] = v
	}
	return f, nil
}

// Export serializes the stored records of an entity type that match the
// textual filter.
func (s *Service) Export(ctx context.Context, entityType string, format ExportFormat, filter map[string]string) ([]byte, error) {
	es, err := s.registry.Get(entityType)
	if err != nil {
		return nil, err
	}

	f, err := ParseFilter(es, filter)
	if err != nil {
		return nil, err
	}

	records, err := s.store.List(ctx, entityType, f)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}

	slog.DebugContext(ctx, "exporting records", "entity_type", entityType, "format", string(format), "records", len(records))
	return Serialize(records, es, format, ExportOptions{})
}
