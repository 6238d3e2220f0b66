package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/dataimport/internal/core"
)

// handleExportData downloads the stored records of an entity type. Every
// query parameter other than format is an equality filter on a field.
func (s *Server) handleExportData(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	es, err := s.service.Schema(entityType)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	query := r.URL.Query()
	format, err := core.ParseExportFormat(query.Get("format"))
	if err != nil {
		s.respondError(w, r, badRequest(err))
		return
	}

	filter := make(map[string]string)
	for name, values := range query {
		if name == "format" || len(values) == 0 {
			continue
		}
		filter[name] = values[0]
	}
	if _, err := core.ParseFilter(es, filter); err != nil {
		s.respondError(w, r, badRequest(err))
		return
	}

	data, err := s.service.Export(r.Context(), entityType, format, filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	filename := core.ExportFileName(entityType, format, time.Now())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Write(data)
}
