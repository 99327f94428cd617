package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/joeyagent/backend/internal/middleware"
	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

// BaseHandler provides common handler functionality
type BaseHandler struct {
	Logger *zap.Logger
}

// RespondJSON sends a JSON response
func (h *BaseHandler) RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.Logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// RespondError sends an error JSON response
func (h *BaseHandler) RespondError(w http.ResponseWriter, status int, message string) {
	h.RespondJSON(w, status, map[string]string{"error": message})
}

// RespondServiceError maps a service error to its HTTP status. Client errors carry their
// message; anything unexpected is logged and answered with a generic message.
func (h *BaseHandler) RespondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, models.ErrProjectNotFound):
		h.RespondError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, models.ErrUserNotFound):
		h.RespondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, models.ErrFileNotFound):
		h.RespondError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrUnsupportedFileType):
		h.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrStatusConflict):
		h.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrFileTooLarge):
		h.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		h.Logger.Error("failed to "+action, zap.Error(err))
		h.RespondError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// requireUserID returns the authenticated user id, answering 401 when there is none
func (h *BaseHandler) requireUserID(w http.ResponseWriter, r *http.Request) (int, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		h.RespondError(w, http.StatusUnauthorized, "authentication required")
	}
	return userID, ok
}

// pathID parses a positive integer URL parameter, answering 400 when it is invalid
func (h *BaseHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		h.RespondError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
