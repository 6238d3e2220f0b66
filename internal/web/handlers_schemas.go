package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/dataimport/internal/core"
)

// handleListSchemas returns every registered entity schema.
func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Schemas())
}

// handleGetSchema returns one entity schema.
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	es, err := s.service.Schema(chi.URLParam(r, "entityType"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

// handleDownloadTemplate serves an empty CSV with the schema's headers.
func (s *Server) handleDownloadTemplate(w http.ResponseWriter, r *http.Request) {
	es, err := s.service.Schema(chi.URLParam(r, "entityType"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	data, err := core.TemplateCSV(es)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", core.ExportCSV.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_template.csv"`, es.EntityType))
	w.Write(data)
}
