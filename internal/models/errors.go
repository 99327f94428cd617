package models

import "errors"

var (
	ErrProjectNotFound     = errors.New("project not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrFileNotFound        = errors.New("file not found")
	ErrValidation          = errors.New("validation failed")
	ErrStatusConflict      = errors.New("project status does not allow this change")
	ErrFileTooLarge        = errors.New("file too large")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)
