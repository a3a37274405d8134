// Package planner decomposes a normalized research query into an ordered
// set of sub-tasks the researcher can execute independently.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/provider"
)

const (
	minSubTasks = 3
	maxSubTasks = 8
)

const planSystemPrompt = `You are a research planner. Decompose the given query into ` +
	`3 to 8 independent sub-tasks that together cover the query thoroughly. ` +
	`Respond with a single JSON object: {"sub_tasks": [{"description": "...", "priority": 0.0-1.0}, ...]}. ` +
	`Descriptions must be non-empty and must not duplicate each other.`

// Planner turns a query into a validated plan of SubTasks.
type Planner struct {
	gateway provider.Gateway
}

// New creates a Planner backed by the given Provider Gateway.
func New(gateway provider.Gateway) *Planner {
	return &Planner{gateway: gateway}
}

type planPayload struct {
	SubTasks []subTaskPayload `json:"sub_tasks"`
}

type subTaskPayload struct {
	Description string  `json:"description"`
	Priority    float64 `json:"priority"`
}

// Plan decomposes query into an ordered, validated list of SubTasks. On
// repeated validation failure it falls back to a deterministic
// single-subtask plan containing the original query, per spec.
func (p *Planner) Plan(ctx context.Context, query string) ([]model.SubTask, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.KindInput, nil, "planner: query must not be empty")
	}

	prompt := fmt.Sprintf("Query: %s", query)
	var lastValidationErr string

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			prompt = fmt.Sprintf("Query: %s\n\nYour previous plan was rejected: %s. Produce a corrected plan.", query, lastValidationErr)
		}

		var payload planPayload
		_, err := p.gateway.CompleteText(ctx, provider.CompleteTextRequest{
			Role:   provider.RolePlanner,
			System: planSystemPrompt,
			Prompt: prompt,
			MockPayload: func(seed uint64) string {
				return mockPlan(query)
			},
			Decode: func(raw []byte) error {
				return json.Unmarshal(cleanJSON(raw), &payload)
			},
		})
		if err != nil {
			if apperr.Is(err, apperr.KindProviderShape) {
				zap.L().Warn("planner: gateway exhausted repair retries, falling back", zap.Error(err))
				return fallbackPlan(query), nil
			}
			return nil, err
		}

		subTasks, verr := validatePlan(payload)
		if verr == nil {
			return subTasks, nil
		}
		lastValidationErr = verr.Error()
		zap.L().Warn("planner: plan failed validation", zap.Error(verr), zap.Int("attempt", attempt))
	}

	zap.L().Warn("planner: falling back to single-subtask plan after repeated validation failures")
	return fallbackPlan(query), nil
}

func validatePlan(payload planPayload) ([]model.SubTask, error) {
	n := len(payload.SubTasks)
	if n < minSubTasks || n > maxSubTasks {
		return nil, apperr.Newf(apperr.KindProviderShape, nil, "planner: plan has %d sub-tasks, want [%d,%d]", n, minSubTasks, maxSubTasks)
	}

	seen := make(map[string]bool, n)
	out := make([]model.SubTask, 0, n)
	for _, st := range payload.SubTasks {
		desc := strings.TrimSpace(st.Description)
		if desc == "" {
			return nil, apperr.New(apperr.KindProviderShape, nil, "planner: sub-task description must not be empty")
		}
		key := strings.ToLower(desc)
		if seen[key] {
			return nil, apperr.Newf(apperr.KindProviderShape, nil, "planner: duplicate sub-task description %q", desc)
		}
		seen[key] = true

		if st.Priority < 0 || st.Priority > 1 {
			return nil, apperr.Newf(apperr.KindProviderShape, nil, "planner: sub-task priority %v out of range [0,1]", st.Priority)
		}

		out = append(out, model.SubTask{
			ID:          uuid.NewString(),
			Description: desc,
			Priority:    st.Priority,
		})
	}
	return out, nil
}

func fallbackPlan(query string) []model.SubTask {
	return []model.SubTask{{
		ID:          uuid.NewString(),
		Description: query,
		Priority:    1.0,
	}}
}

func mockPlan(query string) string {
	payload := planPayload{SubTasks: []subTaskPayload{
		{Description: fmt.Sprintf("Background and definitions for: %s", query), Priority: 0.9},
		{Description: fmt.Sprintf("Recent developments in: %s", query), Priority: 0.8},
		{Description: fmt.Sprintf("Key perspectives and controversies on: %s", query), Priority: 0.6},
	}}
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
