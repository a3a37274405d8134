// Package store implements the Persistence Layer: one interface with a
// durable (Postgres) backend and a non-durable in-memory backend sharing
// identical semantics, including uniqueness-violation error kind.
package store

import (
	"context"
	"time"

	"github.com/deepresearch/orchestrator/internal/model"
)

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status model.TaskStatus
	Limit  int
	Offset int
}

// Backend reports which concrete implementation is currently serving
// requests, surfaced by the Intake API's /health endpoint.
type Backend string

const (
	BackendDurable Backend = "durable"
	BackendMemory  Backend = "memory"
)

// Store is the Persistence Layer contract used by the orchestrator and
// the Intake API. Both implementations are safe under concurrent reads
// and writes across many tasks; per-task writes come from a single
// orchestrator, so task-level isolation is sufficient — neither backend
// needs fine-grained locking beyond that.
type Store interface {
	CreateTask(ctx context.Context, task model.ResearchTask) error
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, extras TaskExtras) error
	GetTask(ctx context.Context, id string) (*model.ResearchTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.ResearchTask, error)

	CreateReport(ctx context.Context, report model.Report) error
	GetReport(ctx context.Context, taskID string) (*model.Report, error)

	AppendLog(ctx context.Context, rec model.LogRecord) error
	ListLogs(ctx context.Context, taskID string, since *time.Time) ([]model.LogRecord, error)

	Backend() Backend
	Migrate(ctx context.Context) error
	Close() error
}

// TaskExtras carries the optional fields an UpdateTaskStatus call may
// set alongside the status transition itself.
type TaskExtras struct {
	ErrorReason    *string
	EvidenceCount  *int
	SourcesSummary *model.SourcesSummary
	StartedAt      *time.Time
	CompletedAt    *time.Time
}
