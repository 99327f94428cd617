package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joeyagent/backend/internal/models"
	"github.com/joeyagent/backend/internal/services"
	"go.uber.org/zap"
)

const multipartMemory = 32 << 20

// UploadService is the interface that wraps methods for uploaded file management.
type UploadService interface {
	// Method Upload validates every file and stores them for "userID".
	//
	// Nothing is stored when any file has a disallowed extension (models.ErrUnsupportedFileType)
	// or exceeds the size limit (models.ErrFileTooLarge).
	Upload(ctx context.Context, userID int, files []services.UploadSource) (*models.UploadResponse, error)
	// Method Open opens one of the user's files and returns it with its clean name.
	Open(userID int, filename string) (*os.File, string, error)
	// Method Delete removes one of the user's files.
	Delete(userID int, filename string) error
}

// UploadHandler handles file upload HTTP requests
type UploadHandler struct {
	BaseHandler
	uploadService UploadService
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(uploadService UploadService, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{
		BaseHandler:   BaseHandler{Logger: logger},
		uploadService: uploadService,
	}
}

// RegisterRoutes registers all upload handler routes.
// The router is expected to be scoped to /api and to authenticate the caller.
func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads/files", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/{filename}", h.Download)
		r.Delete("/{filename}", h.Delete)
	})
}

// Upload handles POST /uploads/files
// @Summary Upload files
// @Description Upload one or more text files to reference from projects
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param files formData file true "Files to upload"
// @Success 200 {object} models.UploadResponse
// @Failure 400 {object} map[string]string "Invalid request or unsupported file type"
// @Failure 413 {object} map[string]string "File too large"
// @Security BearerAuth
// @Router /uploads/files [post]
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.RespondError(w, http.StatusRequestEntityTooLarge, "request too large")
			return
		}
		h.Logger.Info("failed to parse multipart form", zap.Error(err))
		h.RespondError(w, http.StatusBadRequest, "failed to parse request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		h.RespondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	files := make([]services.UploadSource, len(headers))
	for i, fh := range headers {
		files[i] = uploadSource(fh)
	}

	resp, err := h.uploadService.Upload(r.Context(), userID, files)
	if err != nil {
		h.RespondServiceError(w, err, "upload files")
		return
	}

	h.RespondJSON(w, http.StatusOK, resp)
}

// Download handles GET /uploads/files/{filename}
// @Summary Download an uploaded file
// @Tags uploads
// @Produce application/octet-stream
// @Param filename path string true "File name"
// @Success 200 "File content"
// @Failure 404 {object} map[string]string "File not found"
// @Security BearerAuth
// @Router /uploads/files/{filename} [get]
func (h *UploadHandler) Download(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	file, name, err := h.uploadService.Open(userID, chi.URLParam(r, "filename"))
	if err != nil {
		h.RespondServiceError(w, err, "open file")
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		h.Logger.Error("failed to get file info", zap.Error(err))
		h.RespondError(w, http.StatusInternalServerError, "failed to get file info")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), file)
}

// Delete handles DELETE /uploads/files/{filename}
// @Summary Delete an uploaded file
// @Tags uploads
// @Produce json
// @Param filename path string true "File name"
// @Success 200 {object} models.DeleteFileResponse
// @Failure 404 {object} map[string]string "File not found"
// @Security BearerAuth
// @Router /uploads/files/{filename} [delete]
func (h *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	filename := chi.URLParam(r, "filename")
	if err := h.uploadService.Delete(userID, filename); err != nil {
		h.RespondServiceError(w, err, "delete file")
		return
	}

	h.RespondJSON(w, http.StatusOK, models.DeleteFileResponse{Success: true, Message: "File " + filename + " deleted"})
}

func uploadSource(fh *multipart.FileHeader) services.UploadSource {
	return services.UploadSource{
		Filename: fh.Filename,
		Size:     fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}
