package models

import "time"

// LogType categorizes a task log entry
type LogType string

const (
	LogTypeInfo    LogType = "info"
	LogTypeError   LogType = "error"
	LogTypeSuccess LogType = "success"
	LogTypeToolUse LogType = "tool_use"
	LogTypeWarning LogType = "warning"
)

// TaskLog is an append-only progress record of a project run
type TaskLog struct {
	ID        int       `json:"id"`
	ProjectID int       `json:"project_id"`
	Message   string    `json:"message"`
	LogType   LogType   `json:"log_type"`
	CreatedAt time.Time `json:"created_at"`
}
