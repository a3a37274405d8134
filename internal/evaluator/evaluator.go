// Package evaluator scores the current evidence snapshot's completeness
// against the original query, surfacing named gaps and refinement
// sub-queries for the orchestrator's gap-analysis/refinement step.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/provider"
)

const (
	maxExcerptsInPrompt = 20
	maxExcerptLen       = 280
)

const evalSystemPrompt = `You are a research completeness evaluator. Given a query and a ` +
	`snapshot of gathered evidence, score how well the evidence answers the query along five ` +
	`dimensions. Respond with a single JSON object: {"dimensions": {"factual_coverage": ` +
	`0.0-1.0, "source_diversity": 0.0-1.0, "temporal_coverage": 0.0-1.0, "perspective_balance": ` +
	`0.0-1.0, "depth": 0.0-1.0}, "gaps": [{"type": "...", "description": "...", "priority": 1, ` +
	`"suggested_query": "..."}], "refinements": [{"query": "...", "gap_addressed": "...", ` +
	`"priority": 1}]}. All five dimensions are required and each must be in [0,1].`

// Evaluator scores evidence completeness via the Provider Gateway.
type Evaluator struct {
	gateway provider.Gateway
	target  int
}

// New creates an Evaluator backed by gateway. target is the evidence
// count the conservative fallback treats as "fully covered" when
// computing score = min(evidence-count/target, 0.5).
func New(gateway provider.Gateway, target int) *Evaluator {
	if target <= 0 {
		target = 10
	}
	return &Evaluator{gateway: gateway, target: target}
}

type evalPayload struct {
	Dimensions  dimensionPayload        `json:"dimensions"`
	Gaps        []model.Gap             `json:"gaps"`
	Refinements []model.RefinementQuery `json:"refinements"`
}

type dimensionPayload struct {
	FactualCoverage    *float64 `json:"factual_coverage"`
	SourceDiversity    *float64 `json:"source_diversity"`
	TemporalCoverage   *float64 `json:"temporal_coverage"`
	PerspectiveBalance *float64 `json:"perspective_balance"`
	Depth              *float64 `json:"depth"`
}

// Evaluate scores evidence's coverage of query. On structured-output
// parse failure or out-of-range values it re-prompts once; on second
// failure it returns a conservative fallback result per spec rather than
// an error. An empty query and provider transport failures are returned
// as errors.
func (e *Evaluator) Evaluate(ctx context.Context, query string, evidence []model.Evidence) (*model.EvaluationResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.KindInput, nil, "evaluator: query must not be empty")
	}

	prompt := buildPrompt(query, evidence)
	var lastErr string

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			prompt = fmt.Sprintf("%s\n\nYour previous evaluation was rejected: %s. Produce a corrected evaluation.", buildPrompt(query, evidence), lastErr)
		}

		var payload evalPayload
		_, err := e.gateway.CompleteText(ctx, provider.CompleteTextRequest{
			Role:   provider.RoleEvaluator,
			System: evalSystemPrompt,
			Prompt: prompt,
			MockPayload: func(seed uint64) string {
				return mockEval(query, evidence)
			},
			Decode: func(raw []byte) error {
				return json.Unmarshal(cleanJSON(raw), &payload)
			},
		})
		if err != nil {
			if apperr.Is(err, apperr.KindProviderShape) {
				zap.L().Warn("evaluator: gateway exhausted repair retries, falling back", zap.Error(err))
				return fallbackResult(evidence, e.target), nil
			}
			return nil, err
		}

		result, verr := validate(payload)
		if verr == nil {
			return result, nil
		}
		lastErr = verr.Error()
		zap.L().Warn("evaluator: evaluation failed validation", zap.Error(verr), zap.Int("attempt", attempt))
	}

	zap.L().Warn("evaluator: falling back to conservative result after repeated validation failures")
	return fallbackResult(evidence, e.target), nil
}

func validate(payload evalPayload) (*model.EvaluationResult, error) {
	d := payload.Dimensions
	fields := map[string]*float64{
		"factual_coverage":    d.FactualCoverage,
		"source_diversity":    d.SourceDiversity,
		"temporal_coverage":   d.TemporalCoverage,
		"perspective_balance": d.PerspectiveBalance,
		"depth":               d.Depth,
	}
	for name, v := range fields {
		if v == nil {
			return nil, apperr.Newf(apperr.KindProviderShape, nil, "evaluator: dimension %q missing", name)
		}
		if *v < 0 || *v > 1 {
			return nil, apperr.Newf(apperr.KindProviderShape, nil, "evaluator: dimension %q value %v out of range [0,1]", name, *v)
		}
	}

	dims := model.DimensionScores{
		FactualCoverage:    *d.FactualCoverage,
		SourceDiversity:    *d.SourceDiversity,
		TemporalCoverage:   *d.TemporalCoverage,
		PerspectiveBalance: *d.PerspectiveBalance,
		Depth:              *d.Depth,
	}
	overall := compositeScore(dims)

	return &model.EvaluationResult{
		OverallScore: overall,
		Level:        model.CompletionLevelFor(overall),
		Dimensions:   dims,
		Gaps:         payload.Gaps,
		Refinements:  payload.Refinements,
	}, nil
}

// fallbackResult implements spec's conservative-result contract: score =
// min(evidence-count/target, 0.5), level = partial, empty gaps, no
// refinements.
func fallbackResult(evidence []model.Evidence, target int) *model.EvaluationResult {
	score := float64(len(evidence)) / float64(target)
	if score > 0.5 {
		score = 0.5
	}
	return &model.EvaluationResult{
		OverallScore: score,
		Level:        model.LevelPartial,
		Dimensions: model.DimensionScores{
			FactualCoverage:    score,
			SourceDiversity:    score,
			TemporalCoverage:   score,
			PerspectiveBalance: score,
			Depth:              score,
		},
		Gaps:        nil,
		Refinements: nil,
	}
}

func buildPrompt(query string, evidence []model.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nEvidence snapshot (%d items):\n", query, len(evidence))

	n := len(evidence)
	if n > maxExcerptsInPrompt {
		n = maxExcerptsInPrompt
	}
	for i := 0; i < n; i++ {
		ev := evidence[i]
		excerpt := ev.Excerpt
		if len(excerpt) > maxExcerptLen {
			excerpt = excerpt[:maxExcerptLen] + "..."
		}
		fmt.Fprintf(&b, "[%s] %s — %s\n", ev.CitationKey, ev.Source.Title, excerpt)
	}
	if n < len(evidence) {
		fmt.Fprintf(&b, "...(%d more items omitted)\n", len(evidence)-n)
	}
	return b.String()
}

func mockEval(query string, evidence []model.Evidence) string {
	score := fallbackResult(evidence, 10).OverallScore
	if score < 0.6 {
		score = 0.6
	}
	payload := evalPayload{
		Dimensions: dimensionPayload{
			FactualCoverage:    &score,
			SourceDiversity:    &score,
			TemporalCoverage:   &score,
			PerspectiveBalance: &score,
			Depth:              &score,
		},
		Gaps: []model.Gap{{
			Type:           "coverage",
			Description:    fmt.Sprintf("Limited synthetic coverage for: %s", query),
			Priority:       1,
			SuggestedQuery: fmt.Sprintf("more recent developments in %s", query),
		}},
		Refinements: []model.RefinementQuery{{
			Query:        fmt.Sprintf("more recent developments in %s", query),
			GapAddressed: "coverage",
			Priority:     1,
		}},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// cleanJSON strips markdown code fences models sometimes wrap structured
// output in.
func cleanJSON(raw []byte) []byte {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	return []byte(strings.TrimSpace(text))
}
