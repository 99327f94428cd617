package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

const (
	maxProjectNameLength = 200
	defaultProjectLimit  = 20
	maxProjectLimit      = 100
)

// ProjectRepository is the project storage used by the project service
type ProjectRepository interface {
	Create(ctx context.Context, p *models.Project) error
	GetByIDForOwner(ctx context.Context, id, ownerID int) (*models.Project, error)
	GetAllByOwner(ctx context.Context, ownerID, skip, limit int) ([]models.Project, error)
	Update(ctx context.Context, id, ownerID int, changes models.ProjectChanges) error
	Delete(ctx context.Context, id, ownerID int) error
	CancelWithLog(ctx context.Context, id int, entry *models.TaskLog, at time.Time) (bool, error)
}

// TaskLogRepository is the task log storage used by the project service
type TaskLogRepository interface {
	GetByProjectID(ctx context.Context, projectID, afterID int) ([]models.TaskLog, error)
}

// TaskRunner starts and cancels background project runs
type TaskRunner interface {
	Start(projectID int) bool
	Cancel(projectID int, cause error) (<-chan struct{}, bool)
}

// UploadChecker reports whether a user owns an uploaded file
type UploadChecker interface {
	Exists(userID int, path string) (bool, error)
}

type projectService struct {
	repo      ProjectRepository
	logRepo   TaskLogRepository
	runner    TaskRunner
	uploads   UploadChecker
	publisher ProgressPublisher
	logger    *zap.Logger
}

// NewProjectService creates a new project service
func NewProjectService(
	repo ProjectRepository,
	logRepo TaskLogRepository,
	runner TaskRunner,
	uploads UploadChecker,
	publisher ProgressPublisher,
	logger *zap.Logger,
) *projectService {
	return &projectService{
		repo:      repo,
		logRepo:   logRepo,
		runner:    runner,
		uploads:   uploads,
		publisher: publisher,
		logger:    logger,
	}
}

// Create validates the request, stores a pending project and starts its run
func (s *projectService) Create(ctx context.Context, ownerID int, req *models.CreateProjectRequest) (*models.Project, error) {
	name := strings.TrimSpace(req.Name)
	if err := validateProjectName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TaskPrompt) == "" {
		return nil, fmt.Errorf("%w: task_prompt is required", models.ErrValidation)
	}
	if err := s.checkUploads(ownerID, req.UploadedFiles); err != nil {
		return nil, err
	}

	project := &models.Project{
		OwnerID:       ownerID,
		Name:          name,
		Description:   req.Description,
		TaskPrompt:    req.TaskPrompt,
		UploadedFiles: req.UploadedFiles,
	}
	if err := s.repo.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	if !s.runner.Start(project.ID) {
		s.logger.Warn("project run was not started", zap.Int("project_id", project.ID))
	}

	return project, nil
}

func (s *projectService) checkUploads(ownerID int, files []string) error {
	if len(files) == 0 || s.uploads == nil {
		return nil
	}

	for _, path := range files {
		exists, err := s.uploads.Exists(ownerID, path)
		if err != nil && !errors.Is(err, models.ErrValidation) && !errors.Is(err, models.ErrUnsupportedFileType) {
			return fmt.Errorf("failed to check uploaded file: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: uploaded file %q not found", models.ErrValidation, path)
		}
	}
	return nil
}

// GetByID returns a project owned by ownerID
func (s *projectService) GetByID(ctx context.Context, ownerID, id int) (*models.Project, error) {
	return s.repo.GetByIDForOwner(ctx, id, ownerID)
}

// List returns a page of the owner's projects, newest first
func (s *projectService) List(ctx context.Context, ownerID, skip, limit int) ([]models.Project, error) {
	if skip < 0 {
		skip = 0
	}
	if limit < 1 {
		limit = defaultProjectLimit
	}
	if limit > maxProjectLimit {
		limit = maxProjectLimit
	}

	projects, err := s.repo.GetAllByOwner(ctx, ownerID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// Update applies a partial update. Setting status is only allowed to cancel an unfinished project.
// The cancellation runs first; name and description are saved only once it succeeded.
func (s *projectService) Update(ctx context.Context, ownerID, id int, req *models.UpdateProjectRequest) (*models.Project, error) {
	changes := models.ProjectChanges{Description: req.Description}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := validateProjectName(name); err != nil {
			return nil, err
		}
		changes.Name = &name
	}
	if req.Status != nil && *req.Status != models.ProjectStatusCancelled {
		return nil, fmt.Errorf("%w: status can only be set to %q", models.ErrValidation, models.ProjectStatusCancelled)
	}

	project, err := s.repo.GetByIDForOwner(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if req.Status != nil && project.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: project is already %s", models.ErrStatusConflict, project.Status)
	}

	if req.Status != nil {
		if err := s.cancel(ctx, project); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Update(ctx, id, ownerID, changes); err != nil {
		return nil, err
	}

	return s.repo.GetByIDForOwner(ctx, id, ownerID)
}

// cancel stops a project's run. When the run lives in this process it records the
// cancellation itself; otherwise the cancellation is recorded here.
func (s *projectService) cancel(ctx context.Context, project *models.Project) error {
	if done, ok := s.runner.Cancel(project.ID, ErrCancelledByUser); ok {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		now := time.Now().UTC()
		applied, err := s.repo.CancelWithLog(ctx, project.ID, &models.TaskLog{
			ProjectID: project.ID,
			Message:   "Task cancelled by user",
			LogType:   models.LogTypeWarning,
			CreatedAt: now,
		}, now)
		if err != nil {
			return fmt.Errorf("failed to cancel project: %w", err)
		}
		if applied && s.publisher != nil {
			if err := s.publisher.Publish(ctx, project.ID); err != nil {
				s.logger.Warn("failed to publish progress", zap.Int("project_id", project.ID), zap.Error(err))
			}
		}
	}

	current, err := s.repo.GetByIDForOwner(ctx, project.ID, project.OwnerID)
	if err != nil {
		return err
	}
	if current.Status != models.ProjectStatusCancelled {
		return fmt.Errorf("%w: project finished as %s before it could be cancelled", models.ErrStatusConflict, current.Status)
	}
	return nil
}

// Delete stops the project's run, then deletes the project and its logs
func (s *projectService) Delete(ctx context.Context, ownerID, id int) error {
	if _, err := s.repo.GetByIDForOwner(ctx, id, ownerID); err != nil {
		return err
	}

	if done, ok := s.runner.Cancel(id, ErrProjectDeleted); ok {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.repo.Delete(ctx, id, ownerID)
}

// GetLogs returns the full log history of a project owned by ownerID, oldest first
func (s *projectService) GetLogs(ctx context.Context, ownerID, id int) ([]models.TaskLog, error) {
	if _, err := s.repo.GetByIDForOwner(ctx, id, ownerID); err != nil {
		return nil, err
	}

	logs, err := s.logRepo.GetByProjectID(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get project logs: %w", err)
	}
	return logs, nil
}

func validateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxProjectNameLength {
		return fmt.Errorf("%w: name must be at most %d characters", models.ErrValidation, maxProjectNameLength)
	}
	return nil
}
