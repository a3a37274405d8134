// Package researcher executes a plan's sub-tasks concurrently against the
// Provider Gateway's search-web capability, turning hits into scored
// Evidence and stopping early when the per-task request budget runs out.
package researcher

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/evidence"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/provider"
)

// Request costs against a task's budget, per SPEC_FULL.md §4.6.
const (
	CostSearchWeb    = 1
	CostCompleteText = 2
)

const (
	minConcurrency = 1
	maxConcurrency = 20

	maxResultsPerSearch = 8
)

// Researcher runs a set of sub-tasks with bounded concurrency, each
// issuing a search-web call and (optionally) a complete-text call to
// normalize the excerpt, recording results into an Evidence Store.
type Researcher struct {
	gateway     provider.Gateway
	concurrency int
	summarize   bool
}

// New creates a Researcher backed by gateway, running up to concurrency
// sub-tasks in parallel (clamped to [1,20]). When summarize is true, each
// search hit is additionally passed through a complete-text call to
// normalize its excerpt, at a higher budget cost; when summarize is false
// the provider-supplied excerpt is kept as-is.
func New(gateway provider.Gateway, concurrency int, summarize bool) *Researcher {
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	return &Researcher{gateway: gateway, concurrency: concurrency, summarize: summarize}
}

// Result summarizes one call to Run.
type Result struct {
	SubTasksRun   int
	HitsTotal     int
	EvidenceAdded int
}

// Unproductive reports whether this iteration surfaced nothing new: no
// search hit was returned for any sub-task and the store gained no
// evidence. The orchestrator uses this to detect convergence stalls.
func (r Result) Unproductive(storeCountBefore, storeCountAfter int) bool {
	return r.HitsTotal == 0 && storeCountAfter == storeCountBefore
}

// Run executes subTasks concurrently (bounded by the Researcher's
// configured concurrency), stopping early once budget is exhausted.
// Sub-task failures are logged and skipped rather than aborting the run;
// Run itself only returns an error if ctx is cancelled before any work
// starts.
func (r *Researcher) Run(ctx context.Context, query string, subTasks []model.SubTask, budget *Budget, store *evidence.Store) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, apperr.New(apperr.KindCancelled, err, "researcher: context already done")
	}

	sem := make(chan struct{}, r.concurrency)
	g, gCtx := errgroup.WithContext(ctx)

	var subTasksRun, hitsTotal, evidenceAdded atomic.Int64
	for i := range subTasks {
		st := subTasks[i]

		// Take a worker slot before checking the budget, so the check
		// sees what the sub-tasks that held the slot have already spent.
		sem <- struct{}{}
		if budget.Remaining() < CostSearchWeb {
			<-sem
			zap.L().Info("researcher: budget exhausted, skipping remaining sub-tasks",
				zap.Int("remaining_subtasks", len(subTasks)-i))
			break
		}

		subTasksRun.Add(1)
		g.Go(func() error {
			defer func() { <-sem }()
			hits, added := r.runSubTask(gCtx, query, st, budget, store)
			hitsTotal.Add(int64(hits))
			evidenceAdded.Add(int64(added))
			return nil
		})
	}

	_ = g.Wait()
	return Result{
		SubTasksRun:   int(subTasksRun.Load()),
		HitsTotal:     int(hitsTotal.Load()),
		EvidenceAdded: int(evidenceAdded.Load()),
	}, nil
}

// runSubTask issues one search-web call (and, if configured, per-hit
// complete-text normalization), returning the number of hits and the
// number of new Evidence items actually added to store. Errors are
// logged and swallowed: one failing sub-task must not abort the others.
func (r *Researcher) runSubTask(ctx context.Context, query string, st model.SubTask, budget *Budget, store *evidence.Store) (hits, added int) {
	if !budget.TrySpend(CostSearchWeb) {
		return 0, 0
	}

	maxResults := maxResultsPerSearch
	if remaining := budget.Remaining(); remaining < maxResults {
		maxResults = remaining
	}
	if maxResults < 1 {
		maxResults = 1
	}

	resp, err := r.gateway.SearchWeb(ctx, provider.SearchWebRequest{
		Query:      st.Description,
		MaxResults: maxResults,
	})
	if err != nil {
		zap.L().Warn("researcher: sub-task search-web failed, skipping",
			zap.String("subtask_id", st.ID), zap.Error(err))
		return 0, 0
	}
	hits = len(resp.Hits)

	now := time.Now()
	for _, hit := range resp.Hits {
		excerpt := hit.Excerpt
		if r.summarize && budget.TrySpend(CostCompleteText) {
			if normalized, ok := r.normalizeExcerpt(ctx, query, hit); ok {
				excerpt = normalized
			}
		}
		if strings.TrimSpace(excerpt) == "" {
			continue
		}

		item := model.Evidence{
			ID:      uuid.NewString(),
			Source:  model.Source{URL: hit.URL, Title: hit.Title, FetchedAt: now},
			Excerpt: excerpt,
			Tags:    []string{st.ID},
		}
		item.ContentHash = evidence.ContentHash(excerpt, hit.URL)
		item.Quality = evidence.Score(hit.URL, excerpt, query, hit.Published, now)

		if store.Add(item) {
			added++
		}
	}
	return hits, added
}

// normalizeExcerpt asks the gateway's researcher role to compress a raw
// search excerpt down to the sentences relevant to query. Failures fall
// back to the caller using the raw excerpt, since normalization is a
// quality improvement, not a correctness requirement.
func (r *Researcher) normalizeExcerpt(ctx context.Context, query string, hit model.SourceHit) (string, bool) {
	resp, err := r.gateway.CompleteText(ctx, provider.CompleteTextRequest{
		Role:   provider.RoleResearcher,
		System: "Extract the 1-3 sentences most relevant to the query from the given excerpt. Respond with plain text only, no commentary.",
		Prompt: fmt.Sprintf("Query: %s\n\nExcerpt:\n%s", query, hit.Excerpt),
		MockPayload: func(seed uint64) string {
			return hit.Excerpt
		},
	})
	if err != nil {
		zap.L().Warn("researcher: excerpt normalization failed, keeping raw excerpt", zap.Error(err))
		return "", false
	}
	return strings.TrimSpace(resp.Text), true
}
