package web

// errors.go provides unified error response handling for the web layer.
//
// It ensures all errors are:
//   - Logged with full technical details for debugging (server-side)
//   - Returned to clients as user-friendly messages with action suggestions
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err)
//  3. The status code is derived from the error chain by statusFor
//  4. Error is mapped via core.MapError to get user-friendly message
//  5. Technical error + context is logged with request ID for correlation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/logging"
	"github.com/JonMunkholm/dataimport/internal/session"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

var (
	errRateLimited = errors.New("rate limit exceeded")
	errNoFile      = errors.New("no file provided")
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Detail  string `json:"detail,omitempty"`
}

// requestError marks a problem with the request itself.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var (
		reqErr   *requestError
		parseErr *tabular.ParseError
		sizeErr  *http.MaxBytesError
	)

	switch {
	case errors.As(err, &sizeErr), errors.Is(err, core.ErrTooManyRows):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrUnknownEntityType),
		errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, session.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMappingBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTooManyImports):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &parseErr), errors.As(err, &reqErr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError logs err with request context and writes a user-friendly
// JSON error. Client errors carry the technical message as Detail so the
// caller can see which parameter was wrong.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	level := logger.Warn
	if status >= http.StatusInternalServerError {
		level = logger.Error
	}
	level("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	if status < http.StatusInternalServerError {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

// respondErrorJSON writes a JSON error response.
func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}
