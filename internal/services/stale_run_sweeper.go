package services

import (
	"context"
	"fmt"
	"time"

	"github.com/joeyagent/backend/internal/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	staleRunMessage = "run timed out"
	staleBatchSize  = 100
)

// StaleProjectRepository finds and fails abandoned runs
type StaleProjectRepository interface {
	GetStale(ctx context.Context, before time.Time, limit int) ([]models.Project, error)
	FailWithLog(ctx context.Context, id int, errorMessage string, entry *models.TaskLog, at time.Time) (bool, error)
}

// LocalRunChecker reports whether a run is alive in this process
type LocalRunChecker interface {
	IsRunning(projectID int) bool
}

// StaleRunSweeper fails projects left pending or running past the run timeout,
// e.g. after the process that owned them crashed.
type StaleRunSweeper struct {
	projects  StaleProjectRepository
	runs      LocalRunChecker
	publisher ProgressPublisher
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	cron *cron.Cron
}

// NewStaleRunSweeper creates a sweeper. publisher may be nil.
func NewStaleRunSweeper(
	projects StaleProjectRepository,
	runs LocalRunChecker,
	publisher ProgressPublisher,
	timeout time.Duration,
	logger *zap.Logger,
) *StaleRunSweeper {
	return &StaleRunSweeper{
		projects:  projects,
		runs:      runs,
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules Sweep using a cron spec such as "@every 1m"
func (s *StaleRunSweeper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if n, err := s.Sweep(ctx); err != nil {
			s.logger.Error("stale run sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("stale runs failed", zap.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop stops the schedule and waits for a sweep in progress
func (s *StaleRunSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep fails every stale project not being run by this process and returns how many it failed
func (s *StaleRunSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	projects, err := s.projects.GetStale(ctx, now.Add(-s.timeout), staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get stale projects: %w", err)
	}

	failed := 0
	for _, p := range projects {
		if s.runs != nil && s.runs.IsRunning(p.ID) {
			continue
		}

		ok, err := s.projects.FailWithLog(ctx, p.ID, staleRunMessage, &models.TaskLog{
			ProjectID: p.ID,
			Message:   "Task failed: " + staleRunMessage,
			LogType:   models.LogTypeError,
			CreatedAt: now,
		}, now)
		if err != nil {
			return failed, fmt.Errorf("failed to fail stale project: %w", err)
		}
		if !ok {
			continue
		}
		failed++

		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, p.ID); err != nil {
				s.logger.Warn("failed to publish progress", zap.Int("project_id", p.ID), zap.Error(err))
			}
		}
	}

	return failed, nil
}
