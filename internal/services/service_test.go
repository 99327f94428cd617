package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/joeyagent/backend/internal/models"
)

// memStore is an in-memory project and task log store shared by the service tests.
// Status transitions follow the same guards as the MySQL repository.
type memStore struct {
	mu       sync.Mutex
	projects map[int]*models.Project
	logs     []models.TaskLog
	nextID   int
	nextLog  int

	// failLogAt makes the n-th log Create (1-based) fail
	failLogAt  int
	logCreates int
	lastLimit  int
}

func newMemStore() *memStore {
	return &memStore{projects: make(map[int]*models.Project)}
}

// add stores a copy of p with a fresh id and returns the id
func (s *memStore) add(p models.Project) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	if p.Status == "" {
		p.Status = models.ProjectStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.projects[p.ID] = &p
	return p.ID
}

func (s *memStore) project(id int) *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (s *memStore) projectLogs(id int) []models.TaskLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TaskLog
	for _, l := range s.logs {
		if l.ProjectID == id {
			out = append(out, l)
		}
	}
	return out
}

func (s *memStore) Create(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	p.Status = models.ProjectStatusPending
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id int) (*models.Project, error) {
	if p := s.project(id); p != nil {
		return p, nil
	}
	return nil, models.ErrProjectNotFound
}

func (s *memStore) GetByIDForOwner(ctx context.Context, id, ownerID int) (*models.Project, error) {
	p := s.project(id)
	if p == nil || p.OwnerID != ownerID {
		return nil, models.ErrProjectNotFound
	}
	return p, nil
}

func (s *memStore) GetAllByOwner(ctx context.Context, ownerID, skip, limit int) ([]models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit

	out := []models.Project{}
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if skip >= len(out) {
		return []models.Project{}, nil
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetStale(ctx context.Context, before time.Time, limit int) ([]models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Project{}
	for _, p := range s.projects {
		if p.Status.IsTerminal() {
			continue
		}
		since := p.CreatedAt
		if p.StartedAt != nil {
			since = *p.StartedAt
		}
		if since.Before(before) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, id, ownerID int, changes models.ProjectChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || p.OwnerID != ownerID {
		return models.ErrProjectNotFound
	}
	if changes.Name != nil {
		p.Name = *changes.Name
	}
	if changes.Description != nil {
		p.Description = changes.Description
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, id, ownerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || p.OwnerID != ownerID {
		return models.ErrProjectNotFound
	}
	delete(s.projects, id)
	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.ProjectID != id {
			kept = append(kept, l)
		}
	}
	s.logs = kept
	return nil
}

func (s *memStore) transition(id int, to models.ProjectStatus, at time.Time, apply func(*models.Project), from ...models.ProjectStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return false
	}
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			p.UpdatedAt = at
			apply(p)
			return true
		}
	}
	return false
}

func (s *memStore) MarkRunning(ctx context.Context, id int, at time.Time) (bool, error) {
	return s.transition(id, models.ProjectStatusRunning, at, func(p *models.Project) {
		p.StartedAt = &at
	}, models.ProjectStatusPending), nil
}

// MarkCompleted and MarkFailed finish a project without a log, standing in for a run
// recorded elsewhere
func (s *memStore) MarkCompleted(ctx context.Context, id int, summary string, at time.Time) (bool, error) {
	return s.transition(id, models.ProjectStatusCompleted, at, func(p *models.Project) {
		p.ResultSummary = &summary
		p.CompletedAt = &at
	}, models.ProjectStatusRunning), nil
}

func (s *memStore) MarkFailed(ctx context.Context, id int, errorMessage string, at time.Time) (bool, error) {
	return s.transition(id, models.ProjectStatusFailed, at, func(p *models.Project) {
		p.ErrorMessage = &errorMessage
		p.CompletedAt = &at
	}, models.ProjectStatusPending, models.ProjectStatusRunning), nil
}

// finishWithLog applies a guarded terminal transition and appends entry atomically,
// writing nothing when the guard does not hold or the log cannot be stored
func (s *memStore) finishWithLog(id int, entry *models.TaskLog, to models.ProjectStatus, at time.Time, apply func(*models.Project), from ...models.ProjectStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || !slices.Contains(from, p.Status) {
		return false, nil
	}
	if err := s.appendLogLocked(entry); err != nil {
		return false, err
	}
	p.Status = to
	p.UpdatedAt = at
	apply(p)
	return true, nil
}

func (s *memStore) CompleteWithLog(ctx context.Context, id int, summary string, entry *models.TaskLog, at time.Time) (bool, error) {
	return s.finishWithLog(id, entry, models.ProjectStatusCompleted, at, func(p *models.Project) {
		p.ResultSummary = &summary
		p.CompletedAt = &at
	}, models.ProjectStatusRunning)
}

func (s *memStore) FailWithLog(ctx context.Context, id int, errorMessage string, entry *models.TaskLog, at time.Time) (bool, error) {
	return s.finishWithLog(id, entry, models.ProjectStatusFailed, at, func(p *models.Project) {
		p.ErrorMessage = &errorMessage
		p.CompletedAt = &at
	}, models.ProjectStatusPending, models.ProjectStatusRunning)
}

func (s *memStore) CancelWithLog(ctx context.Context, id int, entry *models.TaskLog, at time.Time) (bool, error) {
	return s.finishWithLog(id, entry, models.ProjectStatusCancelled, at, func(p *models.Project) {
		p.CompletedAt = &at
	}, models.ProjectStatusPending, models.ProjectStatusRunning)
}

func (s *memStore) appendLogLocked(entry *models.TaskLog) error {
	s.logCreates++
	if s.failLogAt > 0 && s.logCreates == s.failLogAt {
		return errors.New("log storage unavailable")
	}
	if _, ok := s.projects[entry.ProjectID]; !ok {
		return errors.New("foreign key constraint fails")
	}
	s.nextLog++
	entry.ID = s.nextLog
	s.logs = append(s.logs, *entry)
	return nil
}

// memLogs exposes the store's task log methods under the names the log interfaces expect
type memLogs struct {
	*memStore
}

func (l memLogs) Create(ctx context.Context, entry *models.TaskLog) error {
	s := l.memStore
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLogLocked(entry)
}

func (l memLogs) GetByProjectID(ctx context.Context, projectID, afterID int) ([]models.TaskLog, error) {
	s := l.memStore
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.TaskLog{}
	for _, entry := range s.logs {
		if entry.ProjectID == projectID && entry.ID > afterID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// unclaimedStore catches a run before it claims its project. With holdFirstGet the first
// GetByID waits for the run context to end; MarkRunning fails once the context is done,
// as a database driver would.
type unclaimedStore struct {
	*memStore
	holdFirstGet bool

	getMu sync.Mutex
	gets  int
}

func (s *unclaimedStore) GetByID(ctx context.Context, id int) (*models.Project, error) {
	s.getMu.Lock()
	s.gets++
	first := s.gets == 1
	s.getMu.Unlock()

	if first && s.holdFirstGet {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.memStore.GetByID(ctx, id)
}

func (s *unclaimedStore) MarkRunning(ctx context.Context, id int, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.memStore.MarkRunning(ctx, id, at)
}

// countingPublisher counts publishes per project
type countingPublisher struct {
	mu     sync.Mutex
	counts map[int]int
	err    error
}

func (p *countingPublisher) Publish(ctx context.Context, projectID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts == nil {
		p.counts = make(map[int]int)
	}
	p.counts[projectID]++
	return p.err
}

func (p *countingPublisher) count(projectID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[projectID]
}

// recordingNotifier records finished projects
type recordingNotifier struct {
	mu       sync.Mutex
	finished []models.Project
}

func (n *recordingNotifier) NotifyFinished(ctx context.Context, project *models.Project) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, *project)
	return nil
}

func (n *recordingNotifier) snapshot() []models.Project {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Project(nil), n.finished...)
}

func logMessages(logs []models.TaskLog) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func strPtr(s string) *string { return &s }
