// Package model defines the data types shared across the research
// orchestrator: tasks, evidence, evaluation results, progress events,
// reports, and logs.
package model

import "time"

// TaskKind distinguishes a single-pass request from an iterative one.
type TaskKind string

const (
	KindSimple TaskKind = "simple"
	KindDeep   TaskKind = "deep"
)

// TaskStatus is the lifecycle state of a ResearchTask. Terminal states
// (Completed, Failed) never transition further.
type TaskStatus string

const (
	TaskAccepted          TaskStatus = "accepted"
	TaskRunning           TaskStatus = "running"
	TaskCompleted         TaskStatus = "completed"
	TaskCompletedDegraded TaskStatus = "completed-degraded"
	TaskFailed            TaskStatus = "failed"
)

// Terminal reports whether status has no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCompletedDegraded || s == TaskFailed
}

// TaskConfig is the configuration snapshot captured at intake time and
// frozen for the lifetime of the task.
type TaskConfig struct {
	MaxIterations      int     `json:"max_iterations"`
	MinCompletionScore float64 `json:"min_completion_score"`
	Budget             int     `json:"budget"`
	DeadlineSec        int     `json:"deadline_sec"`
}

// SourcesSummary is a terminal snapshot of where evidence came from.
type SourcesSummary struct {
	EvidenceCount int      `json:"evidence_count"`
	DistinctHosts []string `json:"distinct_hosts"`
}

// ResearchTask is the durable record of one research request.
type ResearchTask struct {
	ID             string         `json:"id"`
	Query          string         `json:"query"`
	Kind           TaskKind       `json:"kind"`
	Config         TaskConfig     `json:"config"`
	Status         TaskStatus     `json:"status"`
	ErrorReason    string         `json:"error_reason,omitempty"`
	EvidenceCount  int            `json:"evidence_count"`
	SourcesSummary SourcesSummary `json:"sources_summary"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// SubTask is one decomposition leaf of a plan. It lives only in memory
// for the duration of a single orchestration and is never persisted.
type SubTask struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Priority    float64 `json:"priority"`
	Iteration   int     `json:"iteration"`
}
