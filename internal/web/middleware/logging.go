// Package middleware provides HTTP middleware for the import server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/dataimport/internal/logging"
)

// Logger logs one line per request once the handler has returned.
//
// Besides method, status and timing it records the matched route pattern
// and, when present, the import session id and entity type taken from the
// URL, so every step of an import can be followed in the logs. Server
// errors log at error level, client errors at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", r.RemoteAddr,
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				attrs = append(attrs, "route", pattern)
			}
			if id := rctx.URLParam("id"); id != "" {
				attrs = append(attrs, "session_id", id)
			}
			if entity := rctx.URLParam("entityType"); entity != "" {
				attrs = append(attrs, "entity_type", entity)
			}
		}

		logging.FromContext(r.Context()).Log(r.Context(), levelFor(status), "request", attrs...)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
