package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

// UploadPathPrefix prefixes the paths returned for uploaded files
const UploadPathPrefix = "uploads/"

// allowedExtensions lists the file types accepted for upload
var allowedExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".env": {},
	".html": {}, ".css": {}, ".scss": {}, ".sql": {}, ".sh": {}, ".bash": {},
	".dockerfile": {}, ".gitignore": {},
}

// FileStorage stores files per user
type FileStorage interface {
	// Save writes r under filename, failing with models.ErrFileTooLarge past maxSize bytes
	// without leaving a partial file behind. It returns the stored size.
	Save(userID int, filename string, r io.Reader, maxSize int64) (int64, error)
	// OpenFile opens a stored file for use with http.ServeContent
	OpenFile(userID int, filename string) (*os.File, error)
	Delete(userID int, filename string) error
	Exists(userID int, filename string) (bool, error)
}

// UploadSource is one file of an upload request
type UploadSource struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

type uploadService struct {
	storage     FileStorage
	maxFileSize int64
	logger      *zap.Logger
}

// NewUploadService creates a new upload service
func NewUploadService(storage FileStorage, maxFileSize int64, logger *zap.Logger) *uploadService {
	return &uploadService{
		storage:     storage,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Upload validates every file first and then stores them in order
func (s *uploadService) Upload(ctx context.Context, userID int, files []UploadSource) (*models.UploadResponse, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files provided", models.ErrValidation)
	}

	names := make([]string, len(files))
	for i, f := range files {
		name, err := CleanUploadName(f.Filename)
		if err != nil {
			return nil, err
		}
		if f.Size > s.maxFileSize {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrFileTooLarge, name, s.maxFileSize)
		}
		names[i] = name
	}

	resp := &models.UploadResponse{Success: true, Files: make([]models.UploadedFile, 0, len(files))}
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		size, err := s.save(userID, names[i], f)
		if err != nil {
			return nil, err
		}

		resp.Files = append(resp.Files, models.UploadedFile{
			Filename: names[i],
			Path:     UploadPathPrefix + names[i],
			Size:     size,
		})
	}
	resp.Total = len(resp.Files)

	s.logger.Info("files uploaded", zap.Int("user_id", userID), zap.Int("count", resp.Total))
	return resp, nil
}

func (s *uploadService) save(userID int, name string, f UploadSource) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open uploaded file %s: %w", name, err)
	}
	defer rc.Close()

	size, err := s.storage.Save(userID, name, rc, s.maxFileSize)
	if err != nil {
		if errors.Is(err, models.ErrFileTooLarge) {
			return 0, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrFileTooLarge, name, s.maxFileSize)
		}
		return 0, fmt.Errorf("failed to save file %s: %w", name, err)
	}
	return size, nil
}

// Open opens one of the user's files for download
func (s *uploadService) Open(userID int, filename string) (*os.File, string, error) {
	name, err := CleanUploadName(filename)
	if err != nil {
		return nil, "", err
	}
	f, err := s.storage.OpenFile(userID, name)
	if err != nil {
		return nil, "", err
	}
	return f, name, nil
}

// Delete removes one of the user's files
func (s *uploadService) Delete(userID int, filename string) error {
	name, err := CleanUploadName(filename)
	if err != nil {
		return err
	}
	return s.storage.Delete(userID, name)
}

// Exists reports whether the user owns the file. path may carry the "uploads/" prefix.
func (s *uploadService) Exists(userID int, path string) (bool, error) {
	name, err := CleanUploadName(strings.TrimPrefix(path, UploadPathPrefix))
	if err != nil {
		return false, err
	}
	return s.storage.Exists(userID, name)
}

// CleanUploadName validates a client supplied file name and returns its base name.
// Extensionless names such as "Dockerfile" are matched by their full lowercase name.
func CleanUploadName(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid file name %q", models.ErrValidation, filename)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = "." + strings.ToLower(name)
	}
	if _, ok := allowedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedFileType, ext)
	}
	return name, nil
}
