package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/dataimport/internal/core"
)

// createTemplateRequest saves either the current mapping of a session or an
// explicit mapping over the given headers.
type createTemplateRequest struct {
	Name       string             `json:"name"`
	SessionID  string             `json:"sessionId"`
	EntityType string             `json:"entityType"`
	Headers    []string           `json:"headers"`
	Mapping    core.ColumnMapping `json:"mapping"`
}

// handleCreateTemplate saves a mapping template.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, badRequest(fmt.Errorf("invalid request body: %w", err)))
		return
	}

	if req.SessionID != "" {
		sess, err := s.sessions.Get(r.Context(), req.SessionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		req.EntityType = sess.EntityType
		req.Headers = sess.Table.Headers
		req.Mapping = sess.Mapping
	} else {
		if len(req.Headers) == 0 || len(req.Mapping) == 0 {
			s.respondError(w, r, badRequest(errors.New("sessionId or headers and mapping are required")))
			return
		}
		if _, err := s.service.Schema(req.EntityType); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	t, err := core.NewMappingTemplate(req.EntityType, req.Name, req.Headers, req.Mapping)
	if err != nil {
		s.respondError(w, r, badRequest(err))
		return
	}
	if err := s.sessions.SaveTemplate(r.Context(), t); err != nil {
		s.respondError(w, r, fmt.Errorf("save template: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleListTemplates returns the saved templates of an entity type.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	if _, err := s.service.Schema(entityType); err != nil {
		s.respondError(w, r, err)
		return
	}

	templates, err := s.sessions.Templates(r.Context(), entityType)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("load templates: %w", err))
		return
	}
	if templates == nil {
		templates = []core.MappingTemplate{}
	}
	writeJSON(w, http.StatusOK, templates)
}

// handleDeleteTemplate deletes a saved template.
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.DeleteTemplate(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
