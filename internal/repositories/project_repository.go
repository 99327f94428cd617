package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeyagent/backend/internal/models"
)

const projectColumns = "id, owner_id, name, description, `status`, task_prompt, uploaded_files, " +
	"result_summary, output_files, error_message, created_at, started_at, completed_at, updated_at"

type projectRepository struct {
	db *sql.DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *sql.DB) *projectRepository {
	return &projectRepository{db: db}
}

// Create inserts a new project in pending status
func (r *projectRepository) Create(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	p.Status = models.ProjectStatusPending
	p.CreatedAt = now
	p.UpdatedAt = now

	uploaded, err := encodeFileList(p.UploadedFiles)
	if err != nil {
		return err
	}

	query := "INSERT INTO projects (owner_id, name, description, `status`, task_prompt, uploaded_files, created_at, updated_at)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

	result, err := r.db.ExecContext(ctx, query, p.OwnerID, p.Name, p.Description, p.Status, p.TaskPrompt, uploaded, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	p.ID = int(id)
	return nil
}

// GetByID retrieves a project regardless of its owner
func (r *projectRepository) GetByID(ctx context.Context, id int) (*models.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects WHERE id = ? LIMIT 1"
	return r.getOne(ctx, query, id)
}

// GetByIDForOwner retrieves a project owned by ownerID. A project of another owner is reported as not found.
func (r *projectRepository) GetByIDForOwner(ctx context.Context, id, ownerID int) (*models.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects WHERE id = ? AND owner_id = ? LIMIT 1"
	return r.getOne(ctx, query, id, ownerID)
}

func (r *projectRepository) getOne(ctx context.Context, query string, args ...any) (*models.Project, error) {
	p, err := scanProject(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// GetAllByOwner retrieves a page of the owner's projects, newest first
func (r *projectRepository) GetAllByOwner(ctx context.Context, ownerID, skip, limit int) ([]models.Project, error) {
	query := "SELECT " + projectColumns + `
		FROM projects
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`

	return r.getMany(ctx, query, ownerID, limit, skip)
}

// GetStale retrieves unfinished projects whose run started (or, if never started, was created) before the cutoff
func (r *projectRepository) GetStale(ctx context.Context, before time.Time, limit int) ([]models.Project, error) {
	query := "SELECT " + projectColumns + `
		FROM projects
		WHERE ` + "`status`" + ` IN ('pending', 'running') AND COALESCE(started_at, created_at) < ?
		ORDER BY id ASC
		LIMIT ?`

	return r.getMany(ctx, query, before, limit)
}

func (r *projectRepository) getMany(ctx context.Context, query string, args ...any) ([]models.Project, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return projects, nil
}

// Update applies name and description changes to a project owned by ownerID
func (r *projectRepository) Update(ctx context.Context, id, ownerID int, changes models.ProjectChanges) error {
	setClauses := []string{}
	args := []any{}

	if changes.Name != nil {
		setClauses = append(setClauses, "name = ?")
		args = append(args, *changes.Name)
	}
	if changes.Description != nil {
		setClauses = append(setClauses, "description = ?")
		args = append(args, *changes.Description)
	}

	if len(setClauses) == 0 {
		return nil
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC(), id, ownerID)

	query := fmt.Sprintf(`
		UPDATE projects
		SET %s
		WHERE id = ? AND owner_id = ?
	`, strings.Join(setClauses, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrProjectNotFound
	}

	return nil
}

// Delete deletes a project owned by ownerID. Its logs go with it through the foreign key cascade.
func (r *projectRepository) Delete(ctx context.Context, id, ownerID int) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrProjectNotFound
	}

	return nil
}

// MarkRunning claims a pending project for execution.
// It returns false when the project is gone or is no longer pending, i.e. another runner owns it.
func (r *projectRepository) MarkRunning(ctx context.Context, id int, at time.Time) (bool, error) {
	query := "UPDATE projects SET `status` = ?, started_at = ?, updated_at = ? WHERE id = ? AND `status` = ?"
	return r.transition(ctx, query, models.ProjectStatusRunning, at, at, id, models.ProjectStatusPending)
}

// CompleteWithLog moves a running project to completed with its result summary and appends
// entry in the same transaction. Nothing is written when the project is no longer running.
func (r *projectRepository) CompleteWithLog(ctx context.Context, id int, summary string, entry *models.TaskLog, at time.Time) (bool, error) {
	query := "UPDATE projects SET `status` = ?, result_summary = ?, completed_at = ?, updated_at = ? WHERE id = ? AND `status` = ?"
	return r.finishWithLog(ctx, entry, query, models.ProjectStatusCompleted, summary, at, at, id, models.ProjectStatusRunning)
}

// FailWithLog moves an unfinished project to failed and appends entry in the same transaction
func (r *projectRepository) FailWithLog(ctx context.Context, id int, errorMessage string, entry *models.TaskLog, at time.Time) (bool, error) {
	query := "UPDATE projects SET `status` = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ? AND `status` IN (?, ?)"
	return r.finishWithLog(ctx, entry, query, models.ProjectStatusFailed, errorMessage, at, at, id, models.ProjectStatusPending, models.ProjectStatusRunning)
}

// CancelWithLog moves an unfinished project to cancelled and appends entry in the same transaction
func (r *projectRepository) CancelWithLog(ctx context.Context, id int, entry *models.TaskLog, at time.Time) (bool, error) {
	query := "UPDATE projects SET `status` = ?, completed_at = ?, updated_at = ? WHERE id = ? AND `status` IN (?, ?)"
	return r.finishWithLog(ctx, entry, query, models.ProjectStatusCancelled, at, at, id, models.ProjectStatusPending, models.ProjectStatusRunning)
}

// transition runs a status UPDATE guarded by the expected current status and reports whether it applied
func (r *projectRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update project status: %w", err)
	}

	return singleRowAffected(result)
}

// finishWithLog runs a guarded terminal UPDATE and inserts the final log in one transaction.
// A log is never left behind for a transition that did not apply, and readers see both or neither.
func (r *projectRepository) finishWithLog(ctx context.Context, entry *models.TaskLog, query string, args ...any) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update project status: %w", err)
	}

	applied, err := singleRowAffected(result)
	if err != nil || !applied {
		return false, err
	}

	if err := insertTaskLog(ctx, tx, entry); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

func singleRowAffected(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var (
		description, uploaded, summary, output, errMessage sql.NullString
		startedAt, completedAt                             sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.Name,
		&description,
		&p.Status,
		&p.TaskPrompt,
		&uploaded,
		&summary,
		&output,
		&errMessage,
		&p.CreatedAt,
		&startedAt,
		&completedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Description = nullStringPtr(description)
	p.ResultSummary = nullStringPtr(summary)
	p.ErrorMessage = nullStringPtr(errMessage)
	p.StartedAt = nullTimePtr(startedAt)
	p.CompletedAt = nullTimePtr(completedAt)

	if p.UploadedFiles, err = decodeFileList(uploaded); err != nil {
		return nil, err
	}
	if p.OutputFiles, err = decodeFileList(output); err != nil {
		return nil, err
	}

	return p, nil
}

// encodeFileList stores a file list as JSON text; an empty list is stored as NULL
func encodeFileList(files []string) (sql.NullString, error) {
	if len(files) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode file list: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeFileList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var files []string
	if err := json.Unmarshal([]byte(s.String), &files); err != nil {
		return nil, fmt.Errorf("failed to decode file list: %w", err)
	}
	return files, nil
}
