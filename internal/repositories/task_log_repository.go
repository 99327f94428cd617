package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/joeyagent/backend/internal/models"
)

type taskLogRepository struct {
	db *sql.DB
}

// NewTaskLogRepository creates a new task log repository
func NewTaskLogRepository(db *sql.DB) *taskLogRepository {
	return &taskLogRepository{db: db}
}

// Create appends a task log. Log ids are AUTO_INCREMENT, so they grow in insertion order.
func (r *taskLogRepository) Create(ctx context.Context, log *models.TaskLog) error {
	return insertTaskLog(ctx, r.db, log)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertTaskLog inserts log through db or an open transaction and writes its id back
func insertTaskLog(ctx context.Context, db execer, log *models.TaskLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO task_logs (project_id, message, log_type, created_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query, log.ProjectID, log.Message, log.LogType, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	log.ID = int(id)
	return nil
}

// GetByProjectID returns the project's logs with id greater than afterID, oldest first.
// afterID 0 returns the full history.
func (r *taskLogRepository) GetByProjectID(ctx context.Context, projectID, afterID int) ([]models.TaskLog, error) {
	query := `
		SELECT id, project_id, message, log_type, created_at
		FROM task_logs
		WHERE project_id = ? AND id > ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, projectID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task logs: %w", err)
	}
	defer rows.Close()

	logs := []models.TaskLog{}
	for rows.Next() {
		var l models.TaskLog
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Message, &l.LogType, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return logs, nil
}
