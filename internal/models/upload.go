package models

// UploadedFile describes a stored upload
type UploadedFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// UploadResponse represents the response of a multi-file upload
type UploadResponse struct {
	Success bool           `json:"success"`
	Files   []UploadedFile `json:"files"`
	Total   int            `json:"total"`
}

// DeleteFileResponse represents the response of a file deletion
type DeleteFileResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
