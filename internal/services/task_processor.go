package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

// Cancellation causes of a project run
var (
	ErrCancelledByUser = errors.New("cancelled by user")
	ErrServerShutdown  = errors.New("server shutting down")
	ErrProjectDeleted  = errors.New("project deleted")
)

// errRunReleased means the project left running state outside this run, e.g. it was
// cancelled through another API instance or failed by the stale run sweeper
var errRunReleased = errors.New("project is no longer running")

// ProcessorProjectRepository is the subset of project storage the processor drives.
// Every status change is guarded by the expected current status and reports whether it applied;
// the *WithLog methods commit the final log together with the terminal status.
type ProcessorProjectRepository interface {
	GetByID(ctx context.Context, id int) (*models.Project, error)
	MarkRunning(ctx context.Context, id int, at time.Time) (bool, error)
	CompleteWithLog(ctx context.Context, id int, summary string, entry *models.TaskLog, at time.Time) (bool, error)
	FailWithLog(ctx context.Context, id int, errorMessage string, entry *models.TaskLog, at time.Time) (bool, error)
	CancelWithLog(ctx context.Context, id int, entry *models.TaskLog, at time.Time) (bool, error)
}

// TaskLogWriter appends task logs
type TaskLogWriter interface {
	Create(ctx context.Context, log *models.TaskLog) error
}

// ProgressPublisher announces that a project has new logs or a new status
type ProgressPublisher interface {
	Publish(ctx context.Context, projectID int) error
}

// CompletionNotifier is told about every project that reached a terminal status
type CompletionNotifier interface {
	NotifyFinished(ctx context.Context, project *models.Project) error
}

// Phase is one simulated step of a run
type Phase struct {
	Label string
	Delay time.Duration
}

// DefaultPhases returns the simulated execution steps
func DefaultPhases() []Phase {
	return []Phase{
		{Label: "Analyzing requirements...", Delay: 2 * time.Second},
		{Label: "Generating code...", Delay: 3 * time.Second},
		{Label: "Running tests...", Delay: 2 * time.Second},
	}
}

// PhasesWithDelays returns the default phases with their delays replaced by delays, position by position
func PhasesWithDelays(delays []time.Duration) []Phase {
	phases := DefaultPhases()
	for i := range phases {
		if i < len(delays) {
			phases[i].Delay = delays[i]
		}
	}
	return phases
}

type projectRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// TaskProcessor drives projects from pending to a terminal status in background goroutines.
// Each run is bound to a context that is cancelled when the project is cancelled or deleted,
// or when the processor shuts down.
type TaskProcessor struct {
	projects      ProcessorProjectRepository
	logs          TaskLogWriter
	publisher     ProgressPublisher
	notifier      CompletionNotifier
	phases        []Phase
	logger        *zap.Logger
	recordTimeout time.Duration
	now           func() time.Time

	baseCtx context.Context
	stop    context.CancelCauseFunc

	mu   sync.Mutex
	runs map[int]*projectRun
	wg   sync.WaitGroup
}

// NewTaskProcessor creates a task processor. notifier may be nil.
func NewTaskProcessor(
	projects ProcessorProjectRepository,
	logs TaskLogWriter,
	publisher ProgressPublisher,
	notifier CompletionNotifier,
	phases []Phase,
	logger *zap.Logger,
) *TaskProcessor {
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &TaskProcessor{
		projects:      projects,
		logs:          logs,
		publisher:     publisher,
		notifier:      notifier,
		phases:        phases,
		logger:        logger,
		recordTimeout: 5 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
		baseCtx:       baseCtx,
		stop:          stop,
		runs:          make(map[int]*projectRun),
	}
}

// Start runs the project in the background. It returns false if the processor is
// shutting down or a run for the project is already active in this process.
func (p *TaskProcessor) Start(projectID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.baseCtx.Err() != nil {
		return false
	}
	if _, ok := p.runs[projectID]; ok {
		return false
	}

	ctx, cancel := context.WithCancelCause(p.baseCtx)
	run := &projectRun{cancel: cancel, done: make(chan struct{})}
	p.runs[projectID] = run
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.runs, projectID)
			p.mu.Unlock()
			cancel(nil)
			close(run.done)
		}()
		p.Process(ctx, projectID)
	}()

	return true
}

// Cancel stops the active run of a project with the given cause. The returned channel
// is closed once the run has recorded its outcome. ok is false when no run is active here.
func (p *TaskProcessor) Cancel(projectID int, cause error) (done <-chan struct{}, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[projectID]
	if !ok {
		return nil, false
	}
	run.cancel(cause)
	return run.done, true
}

// IsRunning reports whether a run for the project is active in this process
func (p *TaskProcessor) IsRunning(projectID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[projectID]
	return ok
}

// Shutdown cancels every active run and waits for them to record their outcome
func (p *TaskProcessor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stop(ErrServerShutdown)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task processor shutdown: %w", ctx.Err())
	}
}

// Process runs a project synchronously. Errors are recorded on the project or logged, never returned.
func (p *TaskProcessor) Process(ctx context.Context, projectID int) {
	log := p.logger.With(zap.Int("project_id", projectID))

	project, err := p.projects.GetByID(ctx, projectID)
	if err != nil {
		if ctx.Err() != nil {
			p.cancelled(ctx, projectID, context.Cause(ctx))
			return
		}
		if errors.Is(err, models.ErrProjectNotFound) {
			log.Warn("project not found, skipping run")
			return
		}
		log.Error("failed to load project", zap.Error(err))
		return
	}

	claimed, err := p.projects.MarkRunning(ctx, projectID, p.now())
	if err != nil {
		if ctx.Err() != nil {
			p.cancelled(ctx, projectID, context.Cause(ctx))
			return
		}
		p.fail(ctx, projectID, err)
		return
	}
	if !claimed {
		log.Info("project is not pending, another runner owns it", zap.String("status", string(project.Status)))
		return
	}
	p.publish(ctx, projectID)
	log.Info("project run started")

	if err := p.execute(ctx, project); err != nil {
		if errors.Is(err, errRunReleased) {
			log.Info("project left running state, stopping run")
			return
		}
		if ctx.Err() != nil {
			p.cancelled(ctx, projectID, context.Cause(ctx))
			return
		}
		p.fail(ctx, projectID, err)
		return
	}

	p.complete(ctx, project)
}

func (p *TaskProcessor) execute(ctx context.Context, project *models.Project) error {
	if err := p.appendLog(ctx, project.ID, models.LogTypeInfo, "Starting task: "+project.Name); err != nil {
		return err
	}
	if err := p.appendLog(ctx, project.ID, models.LogTypeInfo, "Calling Claude API..."); err != nil {
		return err
	}

	for _, phase := range p.phases {
		if err := sleep(ctx, phase.Delay); err != nil {
			return err
		}
		if err := p.ensureRunning(ctx, project.ID); err != nil {
			return err
		}
		if err := p.appendLog(ctx, project.ID, models.LogTypeToolUse, phase.Label); err != nil {
			return err
		}
	}

	return ctx.Err()
}

func (p *TaskProcessor) ensureRunning(ctx context.Context, projectID int) error {
	current, err := p.projects.GetByID(ctx, projectID)
	if errors.Is(err, models.ErrProjectNotFound) {
		return errRunReleased
	}
	if err != nil {
		return err
	}
	if current.Status != models.ProjectStatusRunning {
		return errRunReleased
	}
	return nil
}

// complete records success. The success log commits together with the status, so a
// reader observing "completed" can already read every log.
func (p *TaskProcessor) complete(ctx context.Context, project *models.Project) {
	rctx, cancel := p.recordContext(ctx)
	defer cancel()

	summary := fmt.Sprintf("Completed task: %s\n\nResults have been saved.", project.Name)
	entry := p.newLog(project.ID, models.LogTypeSuccess, "Task completed successfully")
	ok, err := p.projects.CompleteWithLog(rctx, project.ID, summary, entry, p.now())
	if err != nil {
		p.fail(ctx, project.ID, err)
		return
	}
	if !ok {
		p.logger.Warn("project left running state before completion", zap.Int("project_id", project.ID))
		return
	}

	p.publish(rctx, project.ID)
	p.logger.Info("project run completed", zap.Int("project_id", project.ID))
	p.notifyFinished(rctx, project.ID)
}

func (p *TaskProcessor) fail(ctx context.Context, projectID int, cause error) {
	rctx, cancel := p.recordContext(ctx)
	defer cancel()

	log := p.logger.With(zap.Int("project_id", projectID))
	log.Error("project run failed", zap.Error(cause))

	entry := p.newLog(projectID, models.LogTypeError, "Task failed: "+cause.Error())
	ok, err := p.projects.FailWithLog(rctx, projectID, cause.Error(), entry, p.now())
	if err != nil {
		log.Error("failed to record project failure", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	p.publish(rctx, projectID)
	p.notifyFinished(rctx, projectID)
}

// cancelled records a cancellation. It also covers runs cancelled before they claimed the
// project, which are still pending.
func (p *TaskProcessor) cancelled(ctx context.Context, projectID int, cause error) {
	log := p.logger.With(zap.Int("project_id", projectID))

	if errors.Is(cause, ErrProjectDeleted) {
		log.Info("project run stopped, project deleted")
		return
	}

	rctx, cancel := p.recordContext(ctx)
	defer cancel()

	message := "Task cancelled by user"
	if errors.Is(cause, ErrServerShutdown) {
		message = "Task cancelled: server shutting down"
	}

	ok, err := p.projects.CancelWithLog(rctx, projectID, p.newLog(projectID, models.LogTypeWarning, message), p.now())
	if err != nil {
		log.Error("failed to record project cancellation", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	log.Info("project run cancelled", zap.NamedError("cause", cause))
	p.publish(rctx, projectID)
	p.notifyFinished(rctx, projectID)
}

func (p *TaskProcessor) newLog(projectID int, logType models.LogType, message string) *models.TaskLog {
	return &models.TaskLog{
		ProjectID: projectID,
		Message:   message,
		LogType:   logType,
		CreatedAt: p.now(),
	}
}

func (p *TaskProcessor) appendLog(ctx context.Context, projectID int, logType models.LogType, message string) error {
	if err := p.logs.Create(ctx, p.newLog(projectID, logType, message)); err != nil {
		return err
	}
	p.publish(ctx, projectID)
	return nil
}

func (p *TaskProcessor) publish(ctx context.Context, projectID int) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, projectID); err != nil {
		p.logger.Warn("failed to publish progress", zap.Int("project_id", projectID), zap.Error(err))
	}
}

func (p *TaskProcessor) notifyFinished(ctx context.Context, projectID int) {
	if p.notifier == nil {
		return
	}
	project, err := p.projects.GetByID(ctx, projectID)
	if err != nil {
		p.logger.Warn("failed to reload finished project", zap.Int("project_id", projectID), zap.Error(err))
		return
	}
	if err := p.notifier.NotifyFinished(ctx, project); err != nil {
		p.logger.Warn("failed to send completion notification", zap.Int("project_id", projectID), zap.Error(err))
	}
}

// recordContext detaches terminal writes from the run's cancellation
func (p *TaskProcessor) recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.recordTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
