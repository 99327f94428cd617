package models

import "time"

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	ProjectStatusPending   ProjectStatus = "pending"
	ProjectStatusRunning   ProjectStatus = "running"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from the status
func (s ProjectStatus) IsTerminal() bool {
	switch s {
	case ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the status is one of the known values
func (s ProjectStatus) IsValid() bool {
	switch s {
	case ProjectStatusPending, ProjectStatusRunning, ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled:
		return true
	}
	return false
}

// Project is a unit of requested work owned by a user
type Project struct {
	ID            int           `json:"id"`
	OwnerID       int           `json:"owner_id"`
	Name          string        `json:"name"`
	Description   *string       `json:"description"`
	Status        ProjectStatus `json:"status"`
	TaskPrompt    string        `json:"task_prompt"`
	UploadedFiles []string      `json:"uploaded_files"`
	ResultSummary *string       `json:"result_summary"`
	OutputFiles   []string      `json:"output_files"`
	ErrorMessage  *string       `json:"error_message"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CreateProjectRequest represents a request to create a project
type CreateProjectRequest struct {
	Name          string   `json:"name"`
	Description   *string  `json:"description,omitempty"`
	TaskPrompt    string   `json:"task_prompt"`
	UploadedFiles []string `json:"uploaded_files,omitempty"`
}

// UpdateProjectRequest represents a partial update of a project.
// Status only accepts "cancelled".
type UpdateProjectRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
}

// ProjectChanges holds the columns to change in a project update. Nil fields are left untouched.
type ProjectChanges struct {
	Name        *string
	Description *string
}
