// Package orchestrator implements the iterative research state machine:
// one instance per task, coordinating Planner, Researcher, Evaluator,
// and Writer against a shared Evidence Store, publishing progress and
// persisting lifecycle transitions as it goes.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/evidence"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/progressbus"
	"github.com/deepresearch/orchestrator/internal/researcher"
	"github.com/deepresearch/orchestrator/internal/store"
	"github.com/deepresearch/orchestrator/internal/writer"
)

// RefinementsPerGap is the default number of refinement sub-queries (G)
// taken from the evaluator per gap-analysis round.
const RefinementsPerGap = 4

const (
	defaultDeadline = 300 * time.Second
	minDeadline     = 60 * time.Second
	maxDeadline     = 3600 * time.Second
)

// Planner decomposes a query into sub-tasks.
type Planner interface {
	Plan(ctx context.Context, query string) ([]model.SubTask, error)
}

// Researcher executes a set of sub-tasks against a shared Evidence
// Store within a request budget.
type Researcher interface {
	Run(ctx context.Context, query string, subTasks []model.SubTask, budget *researcher.Budget, store *evidence.Store) (researcher.Result, error)
}

// Evaluator scores the current evidence snapshot's completeness.
type Evaluator interface {
	Evaluate(ctx context.Context, query string, evidence []model.Evidence) (*model.EvaluationResult, error)
}

// Writer synthesizes the final report from the evidence snapshot.
type Writer interface {
	Write(ctx context.Context, taskID, query string, evidence []model.Evidence, summary *model.ResearchSummary) (*writer.Result, error)
}

// Orchestrator runs the iterative research state machine for any number
// of concurrently in-flight tasks; state is per-task, held on the stack
// of each Run call, not on the Orchestrator itself.
type Orchestrator struct {
	planner    Planner
	researcher Researcher
	evaluator  Evaluator
	writer     Writer
	store      store.Store
	bus        *progressbus.Bus

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator from its four stage dependencies plus the
// Persistence Layer and Progress Bus it reports through.
func New(p Planner, r Researcher, e Evaluator, w Writer, st store.Store, bus *progressbus.Bus) *Orchestrator {
	return &Orchestrator{
		planner:    p,
		researcher: r,
		evaluator:  e,
		writer:     w,
		store:      st,
		bus:        bus,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Cancel requests cancellation of an in-flight task. It is a no-op if
// the task is not currently running under this Orchestrator (including
// if it has already reached a terminal state).
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run drives task through the full state machine to a terminal status.
// It assumes the task record already exists in the Persistence Layer
// (typically written by the Intake API at accept time) with status
// Accepted. Every failure path publishes a failed event and persists
// status Failed with its reason, and Run then returns the error that
// ended the task.
func (o *Orchestrator) Run(ctx context.Context, task model.ResearchTask) error {
	deadline := time.Duration(task.Config.DeadlineSec) * time.Second
	if deadline < minDeadline || deadline > maxDeadline {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	o.registerCancel(task.ID, cancel)
	defer func() {
		o.unregisterCancel(task.ID)
		cancel()
	}()

	run := &taskRun{
		o:        o,
		task:     task,
		evidence: evidence.New(),
		budget:   researcher.NewBudget(task.Config.Budget),
		start:    time.Now(),
	}
	return run.execute(ctx)
}

func (o *Orchestrator) registerCancel(taskID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[taskID] = cancel
}

func (o *Orchestrator) unregisterCancel(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, taskID)
}

// taskRun holds the per-task state machine context (§4.9): the task, its
// budget B, the evidence store, the start time and progress counters.
// The iteration counter, K_max, θ and the current queries are locals of
// execute.
type taskRun struct {
	o                   *Orchestrator
	task                model.ResearchTask
	evidence            *evidence.Store
	budget              *researcher.Budget
	start               time.Time
	degraded            bool
	iterationsCompleted int
}

func (r *taskRun) execute(ctx context.Context) error {
	now := time.Now()
	r.persistStatus(ctx, model.TaskRunning, store.TaskExtras{StartedAt: &now})
	r.publish(ctx, model.EventStarted, "task started", nil)

	subTasks, err := r.o.planner.Plan(ctx, r.task.Query)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.publish(ctx, model.EventPlanning, fmt.Sprintf("plan produced %d sub-tasks", len(subTasks)), map[string]any{"sub_tasks": len(subTasks)})

	kMax := r.task.Config.MaxIterations
	if kMax < 1 {
		kMax = 1
	}
	theta := r.task.Config.MinCompletionScore

	queries := subTasks
	var lastEval *model.EvaluationResult

	for k := 1; k <= kMax; k++ {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, err)
		}

		r.publish(ctx, model.EventIteration, fmt.Sprintf("iteration %d/%d", k, kMax), map[string]any{"k": k, "k_max": kMax})
		r.iterationsCompleted = k

		before := r.evidence.Count()
		res, err := r.o.researcher.Run(ctx, r.task.Query, queries, r.budget, r.evidence)
		if err != nil {
			return r.fail(ctx, err)
		}
		after := r.evidence.Count()
		r.publish(ctx, model.EventEvidence, fmt.Sprintf("%d new, %d total", after-before, after),
			map[string]any{"new": after - before, "total": after})

		if r.budget.Remaining() <= 0 {
			break
		}

		eval, err := r.o.evaluator.Evaluate(ctx, r.task.Query, r.evidence.Snapshot())
		if err != nil {
			return r.fail(ctx, err)
		}
		lastEval = eval
		r.publish(ctx, model.EventEvaluation, fmt.Sprintf("score=%.2f level=%s", eval.OverallScore, eval.Level),
			map[string]any{"score": eval.OverallScore, "level": eval.Level})

		if eval.OverallScore >= theta {
			break
		}
		if k == kMax {
			break
		}
		if res.Unproductive(before, after) {
			break
		}

		r.publish(ctx, model.EventGapAnalysis, fmt.Sprintf("%d gaps identified", len(eval.Gaps)), map[string]any{"gaps": eval.Gaps})
		refinements := selectRefinements(eval.Refinements, RefinementsPerGap)
		r.publish(ctx, model.EventRefinement, fmt.Sprintf("%d refinement queries", len(refinements)), map[string]any{"count": len(refinements)})

		queries = refinementsToSubTasks(refinements, k+1)
	}

	return r.write(ctx, lastEval)
}

func (r *taskRun) write(ctx context.Context, lastEval *model.EvaluationResult) error {
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, err)
	}

	snapshot := r.evidence.Snapshot()
	r.publish(ctx, model.EventReportGeneration, fmt.Sprintf("%d evidence items", len(snapshot)), map[string]any{"evidence_total": len(snapshot)})

	summary := &model.ResearchSummary{
		IterationsCompleted: r.currentIteration(),
		GapsIdentified:      gapsFromEval(lastEval),
	}

	result, err := r.o.writer.Write(ctx, r.task.ID, r.task.Query, snapshot, summary)
	if err != nil {
		return r.fail(ctx, err)
	}

	if err := r.o.store.CreateReport(ctx, result.Report); err != nil {
		zap.L().Warn("orchestrator: report persistence failed, continuing degraded", zap.Error(err), zap.String("task_id", r.task.ID))
		r.degraded = true
	}

	score := 0.0
	if lastEval != nil {
		score = lastEval.OverallScore
	}
	duration := time.Since(r.start)
	r.publish(ctx, model.EventCompleted, fmt.Sprintf("completed score=%.2f evidence=%d duration=%s", score, len(snapshot), duration),
		map[string]any{"score": score, "evidence_count": len(snapshot), "duration_ms": duration.Milliseconds()})

	status := model.TaskCompleted
	if r.degraded {
		status = model.TaskCompletedDegraded
	}
	now := time.Now()
	summaryHosts := r.evidence.SourcesSummary()
	r.persistStatus(ctx, status, store.TaskExtras{
		EvidenceCount:  intPtr(len(snapshot)),
		SourcesSummary: &summaryHosts,
		CompletedAt:    &now,
	})
	return nil
}

func (r *taskRun) fail(ctx context.Context, cause error) error {
	reason := reasonFor(ctx, cause)
	zap.L().Warn("orchestrator: task failed", zap.String("task_id", r.task.ID), zap.String("reason", reason), zap.Error(cause))

	r.publish(context.Background(), model.EventFailed, reason, map[string]any{"reason": reason})

	now := time.Now()
	r.persistStatus(context.Background(), model.TaskFailed, store.TaskExtras{
		ErrorReason: &reason,
		CompletedAt: &now,
	})
	return cause
}

// reasonFor classifies the terminating cause into the short reason
// string surfaced on the failed event and the task record.
func reasonFor(ctx context.Context, cause error) string {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return "deadline-exceeded"
	case ctx.Err() == context.Canceled:
		return "cancelled"
	case apperr.Is(cause, apperr.KindDeadlineExceeded):
		return "deadline-exceeded"
	case apperr.Is(cause, apperr.KindCancelled):
		return "cancelled"
	default:
		return cause.Error()
	}
}

func (r *taskRun) persistStatus(ctx context.Context, status model.TaskStatus, extras store.TaskExtras) {
	if err := r.o.store.UpdateTaskStatus(ctx, r.task.ID, status, extras); err != nil {
		zap.L().Warn("orchestrator: status persistence failed, continuing degraded", zap.Error(err), zap.String("task_id", r.task.ID))
		r.degraded = true
	}
}

// publish fans a progress event out to live Progress Bus subscribers and
// persists it as a LogRecord so /traces/{id} can replay the same event
// stream after the fact, per the append-order NDJSON export contract.
func (r *taskRun) publish(ctx context.Context, kind model.EventKind, message string, payload map[string]any) {
	now := time.Now()
	r.o.bus.Publish(r.task.ID, model.ProgressEvent{
		Timestamp: now,
		Kind:      kind,
		Message:   message,
		Payload:   payload,
	})
	rec := model.LogRecord{
		TaskID:    r.task.ID,
		Level:     model.LogInfo,
		Message:   message,
		Timestamp: now,
		EventType: kind,
		Payload:   payload,
	}
	if kind == model.EventFailed {
		rec.Level = model.LogWarning
	}
	if err := r.o.store.AppendLog(ctx, rec); err != nil {
		zap.L().Warn("orchestrator: trace persistence failed, continuing degraded", zap.Error(err), zap.String("task_id", r.task.ID))
		r.degraded = true
	}
}

func (r *taskRun) currentIteration() int {
	return r.iterationsCompleted
}

// selectRefinements orders refinements by descending priority (ties
// broken by original emission order, since sort.SliceStable preserves
// input order among equal keys) and takes up to limit.
func selectRefinements(refinements []model.RefinementQuery, limit int) []model.RefinementQuery {
	ordered := make([]model.RefinementQuery, len(refinements))
	copy(ordered, refinements)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}

func refinementsToSubTasks(refinements []model.RefinementQuery, iteration int) []model.SubTask {
	out := make([]model.SubTask, len(refinements))
	for i, ref := range refinements {
		out[i] = model.SubTask{
			ID:          fmt.Sprintf("refine-%d-%d", iteration, i),
			Description: ref.Query,
			Priority:    1.0,
			Iteration:   iteration,
		}
	}
	return out
}

func gapsFromEval(eval *model.EvaluationResult) []string {
	if eval == nil {
		return nil
	}
	out := make([]string, 0, len(eval.Gaps))
	for _, g := range eval.Gaps {
		out = append(out, g.Description)
	}
	return out
}

func intPtr(v int) *int { return &v }
