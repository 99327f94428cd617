package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joeyagent/backend/internal/models"
)

// localStorage stores files on the local filesystem, one directory per user
type localStorage struct {
	basePath string
}

// NewLocalStorage creates a new localStorage instance
func NewLocalStorage(basePath string) *localStorage {
	return &localStorage{
		basePath: basePath,
	}
}

// userDir returns the directory holding a user's files
func (s *localStorage) userDir(userID int) string {
	return filepath.Join(s.basePath, strconv.Itoa(userID))
}

// generatePath returns the full path of a user's file. filename must be a bare base name.
func (s *localStorage) generatePath(userID int, filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("%w: invalid file name %q", models.ErrValidation, filename)
	}
	return filepath.Join(s.userDir(userID), filename), nil
}

// Save writes r to a temporary file and renames it into place once complete
func (s *localStorage) Save(userID int, filename string, r io.Reader, maxSize int64) (int64, error) {
	path, err := s.generatePath(userID, filename)
	if err != nil {
		return 0, err
	}

	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	tmpPath := filepath.Join(dir, GenerateTempName())
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	sizeWriter := NewSizeWriter()
	_, copyErr := io.Copy(tmp, io.TeeReader(io.LimitReader(r, maxSize+1), sizeWriter))
	closeErr := tmp.Close()

	switch {
	case copyErr != nil:
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write file: %w", copyErr)
	case closeErr != nil:
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close file: %w", closeErr)
	case sizeWriter.Size() > maxSize:
		os.Remove(tmpPath)
		return 0, models.ErrFileTooLarge
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to store file: %w", err)
	}

	return sizeWriter.Size(), nil
}

// OpenFile opens a file and returns *os.File
func (s *localStorage) OpenFile(userID int, filename string) (*os.File, error) {
	path, err := s.generatePath(userID, filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes a file
func (s *localStorage) Delete(userID int, filename string) error {
	path, err := s.generatePath(userID, filename)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.ErrFileNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists reports whether a regular file is stored under filename
func (s *localStorage) Exists(userID int, filename string) (bool, error) {
	path, err := s.generatePath(userID, filename)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Mode().IsRegular(), nil
}
