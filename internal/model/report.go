package model

import "time"

// ResearchSummary captures iterative-run metadata surfaced alongside a
// deep-research report.
type ResearchSummary struct {
	IterationsCompleted int      `json:"iterations_completed"`
	GapsIdentified      []string `json:"gaps_identified"`
	KeyFindings         []string `json:"key_findings"`
}

// QualityMetrics captures scoring/execution metadata surfaced alongside a
// deep-research report.
type QualityMetrics struct {
	CompletionScore  float64       `json:"completion_score"`
	EvidenceCount    int           `json:"evidence_count"`
	ExecutionTime    time.Duration `json:"execution_time"`
}

// Report is the synthesized output of a completed task. One-to-one with
// completed tasks; never written for failed tasks.
type Report struct {
	TaskID      string           `json:"task_id"`
	Markdown    string           `json:"report_md"`
	Bibliography string          `json:"sources_bib"`
	Summary     *ResearchSummary `json:"research_summary,omitempty"`
	Metrics     *QualityMetrics  `json:"metrics_json,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// LogLevel is the severity of an append-only LogRecord.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogRecord is a single append-only entry in a task's persisted trace
// log. Every ProgressEvent the orchestrator publishes is also appended
// here as a LogRecord, so the event_type/data fields carry the same
// information a live WebSocket subscriber would have seen; EventType is
// empty for plain severity log lines that are not progress events.
type LogRecord struct {
	TaskID    string         `json:"task_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventKind      `json:"event_type,omitempty"`
	Payload   map[string]any `json:"data,omitempty"`
}
