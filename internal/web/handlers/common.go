package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-watch/internal/constants"
	"github.com/kozaktomas/face-watch/internal/database"
	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/kozaktomas/face-watch/internal/imaging"
	"github.com/kozaktomas/face-watch/internal/recognition"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, constants.MaxRequestBodySize)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// statusForError maps recognition and storage errors to HTTP status codes.
func statusForError(err error) int {
	var (
		loadErr      *database.LoadError
		inconsistent *recognition.InconsistentStateError
		duplicate    *recognition.DuplicateFeedbackError
	)
	switch {
	case errors.As(err, &loadErr):
		return http.StatusInternalServerError
	case errors.As(err, &inconsistent), errors.As(err, &duplicate):
		return http.StatusConflict
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, facematch.ErrInvalidEmbedding),
		errors.Is(err, imaging.ErrInvalidImage),
		errors.Is(err, recognition.ErrNoFace),
		errors.Is(err, recognition.ErrMultipleFaces),
		errors.Is(err, recognition.ErrLabelRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError sends the status matching err. Server-side failures are logged.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	}
	respondError(w, status, err.Error())
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// HealthHandler reports liveness and basic store statistics.
type HealthHandler struct {
	svc *recognition.Service
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(svc *recognition.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

// Check handles the health check endpoint.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"faces":       h.svc.Store().Len(),
		"pending":     h.svc.Feedback().Pending(),
		"quarantined": len(h.svc.Maintainer().Quarantined()),
	})
}
