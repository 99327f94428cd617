package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/joeyagent/backend/internal/middleware"
	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// ProjectService is the interface that wraps methods for project business logic.
type ProjectService interface {
	// Method Create validates the request, stores a pending project owned by "ownerID" and starts its run.
	//
	// If the request is invalid the returned error wraps models.ErrValidation.
	Create(ctx context.Context, ownerID int, req *models.CreateProjectRequest) (*models.Project, error)
	// Method GetByID retrieves a project owned by "ownerID".
	//
	// A project of another owner is reported as models.ErrProjectNotFound.
	GetByID(ctx context.Context, ownerID, id int) (*models.Project, error)
	// Method List retrieves a page of the owner's projects, newest first.
	//
	// "skip" and "limit" parameters are used for pagination. A non-positive limit means the default page size.
	List(ctx context.Context, ownerID, skip, limit int) ([]models.Project, error)
	// Method Update applies a partial update. Status may only be set to cancelled, and only while the project is unfinished.
	//
	// If the project has already finished the returned error wraps models.ErrStatusConflict.
	Update(ctx context.Context, ownerID, id int, req *models.UpdateProjectRequest) (*models.Project, error)
	// Method Delete stops the project's run and deletes the project together with its logs.
	Delete(ctx context.Context, ownerID, id int) error
	// Method GetLogs retrieves the full log history of a project, oldest first.
	GetLogs(ctx context.Context, ownerID, id int) ([]models.TaskLog, error)
}

// ProgressStreamer emits the progress events of one project until it finishes
type ProgressStreamer interface {
	Stream(ctx context.Context, ownerID, projectID int, emit func(models.StreamEvent) error) error
}

// ProjectHandler handles project-related HTTP requests
type ProjectHandler struct {
	BaseHandler
	service        ProjectService
	streamer       ProgressStreamer
	allowedOrigins []string
}

// NewProjectHandler creates a new project handler. allowedOrigins is checked on WebSocket upgrades.
func NewProjectHandler(service ProjectService, streamer ProgressStreamer, allowedOrigins []string, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		BaseHandler:    BaseHandler{Logger: logger},
		service:        service,
		streamer:       streamer,
		allowedOrigins: allowedOrigins,
	}
}

// RegisterRoutes registers all project handler routes.
// The router is expected to be scoped to /api and to authenticate the caller.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/projects", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{id}", h.GetByID)
		r.Patch("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/logs", h.GetLogs)
		r.Get("/{id}/stream", h.Stream)
		r.Get("/{id}/ws", h.WebSocket)
	})
}

// Create handles POST /projects
// @Summary Create a project
// @Description Create a project and start its run in the background
// @Tags projects
// @Accept json
// @Produce json
// @Param request body models.CreateProjectRequest true "Project"
// @Success 201 {object} models.Project
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Authentication required"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /projects [post]
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, err := h.service.Create(r.Context(), userID, &req)
	if err != nil {
		h.RespondServiceError(w, err, "create project")
		return
	}

	h.RespondJSON(w, http.StatusCreated, project)
}

// List handles GET /projects
// @Summary List projects
// @Description List the caller's projects, newest first
// @Tags projects
// @Produce json
// @Param skip query int false "Number of projects to skip"
// @Param limit query int false "Page size (default 20, max 100)"
// @Success 200 {array} models.Project
// @Failure 400 {object} map[string]string "Invalid pagination"
// @Failure 401 {object} map[string]string "Authentication required"
// @Failure 500 {object} map[string]string "Internal server error"
// @Security BearerAuth
// @Router /projects [get]
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		h.RespondError(w, http.StatusBadRequest, "invalid skip parameter")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		h.RespondError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}

	projects, err := h.service.List(r.Context(), userID, skip, limit)
	if err != nil {
		h.RespondServiceError(w, err, "list projects")
		return
	}

	h.RespondJSON(w, http.StatusOK, projects)
}

// GetByID handles GET /projects/{id}
// @Summary Get a project
// @Tags projects
// @Produce json
// @Param id path int true "Project ID"
// @Success 200 {object} models.Project
// @Failure 404 {object} map[string]string "Project not found"
// @Security BearerAuth
// @Router /projects/{id} [get]
func (h *ProjectHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	project, err := h.service.GetByID(r.Context(), userID, id)
	if err != nil {
		h.RespondServiceError(w, err, "get project")
		return
	}

	h.RespondJSON(w, http.StatusOK, project)
}

// Update handles PATCH /projects/{id}
// @Summary Update a project
// @Description Rename, describe or cancel a project. Status can only be set to "cancelled" while the project is unfinished.
// @Tags projects
// @Accept json
// @Produce json
// @Param id path int true "Project ID"
// @Param request body models.UpdateProjectRequest true "Changes"
// @Success 200 {object} models.Project
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 404 {object} map[string]string "Project not found"
// @Failure 409 {object} map[string]string "Project already finished"
// @Security BearerAuth
// @Router /projects/{id} [patch]
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req models.UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, err := h.service.Update(r.Context(), userID, id, &req)
	if err != nil {
		h.RespondServiceError(w, err, "update project")
		return
	}

	h.RespondJSON(w, http.StatusOK, project)
}

// Delete handles DELETE /projects/{id}
// @Summary Delete a project
// @Description Stop the project's run and delete it together with its logs
// @Tags projects
// @Param id path int true "Project ID"
// @Success 204 "Project deleted"
// @Failure 404 {object} map[string]string "Project not found"
// @Security BearerAuth
// @Router /projects/{id} [delete]
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, id); err != nil {
		h.RespondServiceError(w, err, "delete project")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetLogs handles GET /projects/{id}/logs
// @Summary Get project logs
// @Description Full log history of a project, oldest first
// @Tags projects
// @Produce json
// @Param id path int true "Project ID"
// @Success 200 {array} models.TaskLog
// @Failure 404 {object} map[string]string "Project not found"
// @Security BearerAuth
// @Router /projects/{id}/logs [get]
func (h *ProjectHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	logs, err := h.service.GetLogs(r.Context(), userID, id)
	if err != nil {
		h.RespondServiceError(w, err, "get project logs")
		return
	}

	h.RespondJSON(w, http.StatusOK, logs)
}

// Stream handles GET /projects/{id}/stream
// @Summary Stream project progress
// @Description Server-sent events: one "data: {json}" line per log, status and final complete event
// @Tags projects
// @Produce text/event-stream
// @Param id path int true "Project ID"
// @Success 200 {object} models.LogEvent "Event stream"
// @Failure 404 {object} map[string]string "Project not found"
// @Security BearerAuth
// @Router /projects/{id}/stream [get]
func (h *ProjectHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.streamTarget(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.Logger.Warn("failed to clear write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	emit := func(event models.StreamEvent) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	h.logStreamEnd(h.streamer.Stream(r.Context(), userID, id, emit), id, "sse")
}

// WebSocket handles GET /projects/{id}/ws
// @Summary Stream project progress over WebSocket
// @Description One JSON text message per event; the server closes the connection after the complete event
// @Tags projects
// @Param id path int true "Project ID"
// @Success 101 "Switching protocols"
// @Failure 404 {object} map[string]string "Project not found"
// @Security BearerAuth
// @Router /projects/{id}/ws [get]
func (h *ProjectHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.streamTarget(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(r.Header.Get("Origin"), h.allowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Info("websocket upgrade failed", zap.Int("project_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The client only sends control frames; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	emit := func(event models.StreamEvent) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(event)
	}

	err = h.streamer.Stream(ctx, userID, id, emit)
	h.logStreamEnd(err, id, "websocket")

	closeCode, reason := websocket.CloseNormalClosure, "complete"
	if err != nil {
		closeCode, reason = websocket.CloseGoingAway, "stream ended"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(writeWait))
}

// streamTarget resolves the caller and checks project ownership before any stream headers are sent
func (h *ProjectHandler) streamTarget(w http.ResponseWriter, r *http.Request) (userID, id int, ok bool) {
	if userID, ok = h.requireUserID(w, r); !ok {
		return 0, 0, false
	}
	if id, ok = h.pathID(w, r, "id"); !ok {
		return 0, 0, false
	}
	if _, err := h.service.GetByID(r.Context(), userID, id); err != nil {
		h.RespondServiceError(w, err, "get project")
		return 0, 0, false
	}
	return userID, id, true
}

func (h *ProjectHandler) logStreamEnd(err error, projectID int, transport string) {
	switch {
	case err == nil:
		h.Logger.Debug("progress stream completed", zap.Int("project_id", projectID), zap.String("transport", transport))
	case errors.Is(err, context.Canceled), errors.Is(err, models.ErrProjectNotFound):
		h.Logger.Debug("progress stream closed", zap.Int("project_id", projectID), zap.String("transport", transport), zap.Error(err))
	default:
		h.Logger.Warn("progress stream failed", zap.Int("project_id", projectID), zap.String("transport", transport), zap.Error(err))
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
