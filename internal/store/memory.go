package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deepresearch/orchestrator/internal/model"
)

// MemoryStore is the non-durable Persistence Layer backend: process-local
// maps with the same semantics (including uniqueness-violation errors) as
// the Postgres backend. It is the startup fallback when the durable
// backend is unreachable, and the default when PERSISTENCE_URL is unset.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]model.ResearchTask
	reports map[string]model.Report
	logs    map[string][]model.LogRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]model.ResearchTask),
		reports: make(map[string]model.Report),
		logs:    make(map[string][]model.LogRecord),
	}
}

func (s *MemoryStore) Backend() Backend { return BackendMemory }

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateTask(ctx context.Context, task model.ResearchTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, extras TaskExtras) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	// Idempotent for same-state writes: still apply extras (they may carry
	// new information), but never regress updated_at ordering semantics.
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if extras.ErrorReason != nil {
		task.ErrorReason = *extras.ErrorReason
	}
	if extras.EvidenceCount != nil {
		task.EvidenceCount = *extras.EvidenceCount
	}
	if extras.SourcesSummary != nil {
		task.SourcesSummary = *extras.SourcesSummary
	}
	if extras.StartedAt != nil {
		task.StartedAt = extras.StartedAt
	}
	if extras.CompletedAt != nil {
		task.CompletedAt = extras.CompletedAt
	}
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*model.ResearchTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &task, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.ResearchTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ResearchTask
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateReport(ctx context.Context, report model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.TaskID]; exists {
		return ErrAlreadyExists
	}
	s.reports[report.TaskID] = report
	return nil
}

func (s *MemoryStore) GetReport(ctx context.Context, taskID string) (*model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &report, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, rec model.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[rec.TaskID] = append(s.logs[rec.TaskID], rec)
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, taskID string, since *time.Time) ([]model.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[taskID]
	if since == nil {
		out := make([]model.LogRecord, len(all))
		copy(out, all)
		return out, nil
	}
	var out []model.LogRecord
	for _, r := range all {
		if r.Timestamp.After(*since) {
			out = append(out, r)
		}
	}
	return out, nil
}
