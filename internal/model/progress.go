package model

import "time"

// EventKind is one of the closed set of progress event kinds a task may
// publish, in the order they typically occur.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventPlanning         EventKind = "planning"
	EventIteration        EventKind = "iteration"
	EventEvidence         EventKind = "evidence"
	EventEvaluation       EventKind = "evaluation"
	EventGapAnalysis      EventKind = "gap_analysis"
	EventRefinement       EventKind = "refinement"
	EventReportGeneration EventKind = "report_generation"
	EventCompleted        EventKind = "completed"
	EventFailed           EventKind = "failed"
)

// Terminal reports whether the event kind ends a task's progress stream.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

// ProgressEvent is one immutable, ordered entry in a task's progress
// stream. Payload carries kind-specific structured detail.
type ProgressEvent struct {
	TaskID    string         `json:"task_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"event_type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"data,omitempty"`
}
