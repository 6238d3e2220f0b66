package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/logging"
	"github.com/JonMunkholm/dataimport/internal/session"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

// multipartMemory is how much of an upload is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// importResponse describes a session and the state of its mapping.
type importResponse struct {
	Session   core.SessionSummary  `json:"session"`
	Issues    []core.MappingIssue  `json:"issues"`
	Blocking  bool                 `json:"blocking"`
	Templates []core.TemplateMatch `json:"templates,omitempty"`
}

func newImportResponse(sess *core.ImportSession, issues []core.MappingIssue) importResponse {
	if issues == nil {
		issues = []core.MappingIssue{}
	}
	return importResponse{
		Session:  sess.Summary(),
		Issues:   issues,
		Blocking: core.HasBlockingIssues(issues),
	}
}

// handleOpenImport parses an uploaded file and starts a session with a
// suggested mapping. Saved templates whose headers match the file are
// returned alongside.
func (s *Server) handleOpenImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.respondError(w, r, badRequest(fmt.Errorf("read upload: %w", err)))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, badRequest(errNoFile))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, badRequest(fmt.Errorf("read upload: %w", err)))
		return
	}

	req := core.OpenRequest{
		EntityType: r.FormValue("entityType"),
		FileName:   header.Filename,
		Data:       data,
	}
	if req.EntityType == "" {
		s.respondError(w, r, badRequest(errors.New("entityType is required")))
		return
	}
	if v := r.FormValue("format"); v != "" {
		if req.Format, err = tabular.ParseFormat(v); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if req.CSV, err = csvConfigFromForm(r); err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	sess, issues, err := s.service.Open(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		s.respondError(w, r, fmt.Errorf("save session: %w", err))
		return
	}

	resp := newImportResponse(sess, issues)
	if resp.Templates, err = s.matchingTemplates(r, sess); err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(ctx).Info("import session opened",
		"session_id", sess.ID,
		"entity_type", sess.EntityType,
		"file", sess.FileName,
		"rows", len(sess.Table.Rows),
	)
	writeJSON(w, http.StatusCreated, resp)
}

// csvConfigFromForm reads the optional CSV settings of an upload.
func csvConfigFromForm(r *http.Request) (*tabular.CSVConfig, error) {
	cfg := tabular.DefaultCSVConfig()

	if v := r.FormValue("delimiter"); v != "" {
		d, err := tabular.ParseDelimiter(v)
		if err != nil {
			return nil, err
		}
		cfg.Delimiter = d
	}
	if v := r.FormValue("encoding"); v != "" {
		cfg.Encoding = v
	}

	flags := []struct {
		name string
		dst  *bool
	}{
		{"header", &cfg.Header},
		{"skipEmptyLines", &cfg.SkipEmptyLines},
	}
	for _, f := range flags {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, badRequest(fmt.Errorf("%s: invalid boolean %q", f.name, v))
		}
		*f.dst = b
	}
	return &cfg, nil
}

func (s *Server) matchingTemplates(r *http.Request, sess *core.ImportSession) ([]core.TemplateMatch, error) {
	templates, err := s.sessions.Templates(r.Context(), sess.EntityType)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return core.MatchTemplates(templates, sess.Table.Headers), nil
}

// loadSession fetches the session named in the URL.
func (s *Server) loadSession(r *http.Request) (*core.ImportSession, error) {
	return s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
}

// handleGetImport returns a session summary and its mapping issues.
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	issues, err := s.service.MappingIssues(sess)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := newImportResponse(sess, issues)
	if resp.Templates, err = s.matchingTemplates(r, sess); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// mappingRequest replaces a session mapping. Mapping and TemplateID pick the
// base mapping (the current one when both are empty); Overrides are applied
// on top.
type mappingRequest struct {
	Mapping    core.ColumnMapping `json:"mapping"`
	TemplateID string             `json:"templateId"`
	Overrides  map[string]string  `json:"overrides"`
}

// handleUpdateMapping replaces the session mapping and returns its issues.
func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest(fmt.Errorf("invalid request body: %w", err)))
		return
	}

	m, err := s.resolveMapping(r, sess, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	issues, err := s.service.Remap(sess, m)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.sessions.Save(r.Context(), sess); err != nil {
		s.respondError(w, r, fmt.Errorf("save session: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newImportResponse(sess, issues))
}

func (s *Server) resolveMapping(r *http.Request, sess *core.ImportSession, req mappingRequest) (core.ColumnMapping, error) {
	headers := sess.Table.Headers

	var m core.ColumnMapping
	switch {
	case req.TemplateID != "":
		templates, err := s.sessions.Templates(r.Context(), sess.EntityType)
		if err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
		for _, t := range templates {
			if t.ID == req.TemplateID {
				m = t.Apply(headers)
				break
			}
		}
		if m == nil {
			return nil, fmt.Errorf("template %s: %w", req.TemplateID, session.ErrTemplateNotFound)
		}
	case req.Mapping != nil:
		m = req.Mapping
	case len(req.Overrides) > 0:
		m = sess.Mapping
	default:
		return nil, badRequest(errors.New("one of mapping, templateId or overrides is required"))
	}

	if len(req.Overrides) > 0 {
		var err error
		if m, err = core.ApplyOverrides(m, headers, req.Overrides); err != nil {
			return nil, badRequest(err)
		}
	}
	return m, nil
}

// validateResponse is the row-level validation result.
type validateResponse struct {
	SessionID string              `json:"sessionId"`
	Counts    core.StatusCounts   `json:"counts"`
	Rows      []core.ValidatedRow `json:"rows"`
}

// handleValidate coerces and checks every row. The optional status query
// parameter restricts the returned rows; counts always cover the whole file.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	rows, err := s.service.Validate(r.Context(), sess)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := validateResponse{
		SessionID: sess.ID,
		Counts:    core.CountStatuses(rows),
		Rows:      rows,
	}
	if want := core.Status(r.URL.Query().Get("status")); want != "" {
		resp.Rows = make([]core.ValidatedRow, 0, len(rows))
		for _, row := range rows {
			if row.Status == want {
				resp.Rows = append(resp.Rows, row)
			}
		}
	}
	if resp.Rows == nil {
		resp.Rows = []core.ValidatedRow{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type commitRequest struct {
	Strategy string `json:"strategy"`
	DryRun   bool   `json:"dryRun"`
}

// handleCommit runs the import. A rolled back commit still returns its
// report, with every write marked failed.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	strategy, err := core.ParseStrategy(req.Strategy)
	if err != nil {
		s.respondError(w, r, badRequest(err))
		return
	}

	report, err := s.service.Import(r.Context(), sess, strategy, req.DryRun)
	if report == nil {
		s.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		logging.FromContext(r.Context()).Error("import failed",
			"session_id", sess.ID,
			"run_id", report.RunID,
			"error", err,
		)
	}
	writeJSON(w, status, report)
}

// handleDeleteImport discards a session.
func (s *Server) handleDeleteImport(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
