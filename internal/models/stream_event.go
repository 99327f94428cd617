package models

import "time"

// StreamEvent is one message of the progress stream
type StreamEvent interface {
	EventType() string
}

// LogEvent carries a single task log
type LogEvent struct {
	Type      string    `json:"type"`
	LogID     int       `json:"log_id"`
	Message   string    `json:"message"`
	LogType   LogType   `json:"log_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is a snapshot of the project status
type StatusEvent struct {
	Type      string        `json:"type"`
	Status    ProjectStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CompleteEvent is the last event of a stream
type CompleteEvent struct {
	Type          string        `json:"type"`
	Status        ProjectStatus `json:"status"`
	ResultSummary *string       `json:"result_summary"`
	ErrorMessage  *string       `json:"error_message"`
}

func (LogEvent) EventType() string      { return "log" }
func (StatusEvent) EventType() string   { return "status" }
func (CompleteEvent) EventType() string { return "complete" }

// NewLogEvent builds a log event from a task log
func NewLogEvent(l TaskLog) LogEvent {
	return LogEvent{
		Type:      "log",
		LogID:     l.ID,
		Message:   l.Message,
		LogType:   l.LogType,
		Timestamp: l.CreatedAt,
	}
}

// NewStatusEvent builds a status snapshot event from a project
func NewStatusEvent(p *Project) StatusEvent {
	return StatusEvent{
		Type:      "status",
		Status:    p.Status,
		UpdatedAt: p.UpdatedAt,
	}
}

// NewCompleteEvent builds the final event from a project in a terminal status
func NewCompleteEvent(p *Project) CompleteEvent {
	return CompleteEvent{
		Type:          "complete",
		Status:        p.Status,
		ResultSummary: p.ResultSummary,
		ErrorMessage:  p.ErrorMessage,
	}
}
