package services

import (
	"context"
	"fmt"
	"time"

	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

// StreamProjectReader reads owner-scoped projects for a stream
type StreamProjectReader interface {
	GetByIDForOwner(ctx context.Context, id, ownerID int) (*models.Project, error)
}

// TaskLogReader reads task logs after a cursor
type TaskLogReader interface {
	GetByProjectID(ctx context.Context, projectID, afterID int) ([]models.TaskLog, error)
}

// ProgressSubscriber subscribes to project change notifications
type ProgressSubscriber interface {
	Subscribe(ctx context.Context, projectID int) (<-chan struct{}, func(), error)
}

// ProgressStreamer turns a project's logs and status into stream events
type ProgressStreamer struct {
	projects     StreamProjectReader
	logs         TaskLogReader
	subscriber   ProgressSubscriber
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewProgressStreamer creates a progress streamer. pollInterval is the fallback
// re-read cadence used in addition to notifications.
func NewProgressStreamer(projects StreamProjectReader, logs TaskLogReader, subscriber ProgressSubscriber, pollInterval time.Duration, logger *zap.Logger) *ProgressStreamer {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &ProgressStreamer{
		projects:     projects,
		logs:         logs,
		subscriber:   subscriber,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Stream emits every log of the project exactly once in id order, a status snapshot after
// each batch while the project is unfinished, and a final complete event once it reaches a
// terminal status. It returns nil after the complete event, the context error when the
// consumer goes away, or models.ErrProjectNotFound if the project disappears.
func (s *ProgressStreamer) Stream(ctx context.Context, ownerID, projectID int, emit func(models.StreamEvent) error) error {
	// Subscribe before the first read so a write between read and wait still wakes us
	var wake <-chan struct{}
	if s.subscriber != nil {
		ch, unsubscribe, err := s.subscriber.Subscribe(ctx, projectID)
		if err != nil {
			s.logger.Warn("progress subscription unavailable, polling only", zap.Int("project_id", projectID), zap.Error(err))
		} else {
			defer unsubscribe()
			wake = ch
		}
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	cursor := 0
	for {
		// Status is read before logs: every log written before a terminal status is then
		// part of this batch, so complete is never emitted ahead of a log.
		project, err := s.projects.GetByIDForOwner(ctx, projectID, ownerID)
		if err != nil {
			return err
		}

		logs, err := s.logs.GetByProjectID(ctx, projectID, cursor)
		if err != nil {
			return fmt.Errorf("failed to read project logs: %w", err)
		}
		for _, l := range logs {
			if l.ID <= cursor {
				continue
			}
			if err := emit(models.NewLogEvent(l)); err != nil {
				return err
			}
			cursor = l.ID
		}

		if err := emit(models.NewStatusEvent(project)); err != nil {
			return err
		}

		if project.Status.IsTerminal() {
			return emit(models.NewCompleteEvent(project))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		}
	}
}
