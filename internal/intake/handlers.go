package intake

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/store"
)

const (
	minIterations = 1
	maxIterations = 5
	minScore      = 0.5
	maxScore      = 1.0
	minBudget     = 50
	maxBudget     = 300
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports service liveness plus, per capability, whether it
// is backed by a real credential or is running in deterministic mock mode.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := store.BackendMemory
	if s.store != nil {
		backend = s.store.Backend()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"providers":   s.providerPresence,
		"persistence": backend,
	})
}

type researchRequest struct {
	Query string `json:"query"`
}

// handleResearch accepts a single-pass research request: one planning and
// evidence-gathering pass, no iterative refinement.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	task := model.ResearchTask{
		ID:    uuid.NewString(),
		Query: req.Query,
		Kind:  model.KindSimple,
		Config: model.TaskConfig{
			MaxIterations:      1,
			MinCompletionScore: minScore,
			Budget:             maxBudget,
		},
		Status:    model.TaskAccepted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.accept(w, task)
}

type deepResearchRequest struct {
	Query              string   `json:"query"`
	MaxIterations      int      `json:"max_iterations"`
	MinCompletionScore float64  `json:"min_completion_score"`
	Budget             int      `json:"budget"`
}

// handleDeepResearch accepts an iterative research request, validating the
// three tunables against their documented ranges.
func (s *Server) handleDeepResearch(w http.ResponseWriter, r *http.Request) {
	var req deepResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = 3
	}
	if req.MinCompletionScore == 0 {
		req.MinCompletionScore = 0.75
	}
	if req.Budget == 0 {
		req.Budget = 150
	}
	if req.MaxIterations < minIterations || req.MaxIterations > maxIterations {
		writeError(w, http.StatusBadRequest, "max_iterations must be between 1 and 5")
		return
	}
	if req.MinCompletionScore < minScore || req.MinCompletionScore > maxScore {
		writeError(w, http.StatusBadRequest, "min_completion_score must be between 0.5 and 1.0")
		return
	}
	if req.Budget < minBudget || req.Budget > maxBudget {
		writeError(w, http.StatusBadRequest, "budget must be between 50 and 300")
		return
	}

	task := model.ResearchTask{
		ID:    uuid.NewString(),
		Query: req.Query,
		Kind:  model.KindDeep,
		Config: model.TaskConfig{
			MaxIterations:      req.MaxIterations,
			MinCompletionScore: req.MinCompletionScore,
			Budget:             req.Budget,
		},
		Status:    model.TaskAccepted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.accept(w, task)
}

// accept persists task as Accepted, returns 202 immediately, and hands the
// task to the background worker pool. Persistence deliberately uses its
// own background context: task creation must still happen even if the
// client disconnects the instant it fires the request.
func (s *Server) accept(w http.ResponseWriter, task model.ResearchTask) {
	if err := s.store.CreateTask(context.Background(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to accept task")
		return
	}
	s.spawn(task)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(model.TaskAccepted),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleReport returns the synthesized report for a completed task. A
// failed task has no report row, so the status is resolved from the task
// record itself and returned as 200, never 404: a client polling this
// endpoint should never have to special-case "not found yet" against
// "failed."
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	if task.Status == model.TaskFailed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       task.Status,
			"error_reason": task.ErrorReason,
		})
		return
	}
	if !task.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"status": task.Status})
		return
	}

	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     task.Status,
		"report_md":  report.Markdown,
		"sources_bib": report.Bibliography,
		"metrics_json": report.Metrics,
	})
}

// handleDeepReport extends handleReport with the research summary
// (iterations, gaps) attached to deep-research tasks.
func (s *Server) handleDeepReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task.Status == model.TaskFailed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       task.Status,
			"error_reason": task.ErrorReason,
		})
		return
	}
	if !task.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"status": task.Status})
		return
	}

	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          task.Status,
		"report_md":       report.Markdown,
		"sources_bib":     report.Bibliography,
		"metrics_json":    report.Metrics,
		"research_summary": report.Summary,
	})
}

// handleTraces streams the task's append-only log as newline-delimited
// JSON, one record per line, in append order.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	logs, err := s.store.ListLogs(r.Context(), id, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trace log")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	enc := json.NewEncoder(bw)
	for _, rec := range logs {
		_ = enc.Encode(rec)
	}
}
