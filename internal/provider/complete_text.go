package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/resilience"
	"github.com/deepresearch/orchestrator/pkg/anthropic"
)

// statusCodeOf extracts an HTTP-ish status code from a provider SDK error
// using the same string-heuristic approach as resilience.IsTransient, since
// the provider SDK does not expose a typed status code through this error
// chain.
func statusCodeOf(err error) int {
	if err == nil {
		return 0
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return 429
	case strings.Contains(msg, "503"):
		return 503
	case strings.Contains(msg, "502"):
		return 502
	default:
		return 0
	}
}

func (g *gateway) CompleteText(ctx context.Context, req CompleteTextRequest) (*CompleteTextResponse, error) {
	if req.Prompt == "" {
		return nil, apperr.New(apperr.KindInput, nil, "provider: complete-text prompt must not be empty")
	}
	if !req.Role.valid() {
		return nil, apperr.Newf(apperr.KindInput, nil, "provider: unknown model-role %q", req.Role)
	}

	modelID := g.roleModels[req.Role]
	start := time.Now()

	var resp *CompleteTextResponse
	var err error
	if g.textMock {
		resp, err = g.mockCompleteText(req, modelID)
	} else {
		resp, err = g.callCompleteText(ctx, req, modelID)
	}

	zap.L().Info("provider gateway: complete-text",
		zap.String("role", string(req.Role)),
		zap.String("model", modelID),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("mock", g.textMock),
		zap.Error(err),
	)
	return resp, err
}

func (g *gateway) callCompleteText(ctx context.Context, req CompleteTextRequest, modelID string) (*CompleteTextResponse, error) {
	if err := g.textLimiter.Wait(ctx); err != nil {
		return nil, apperr.New(apperr.KindCancelled, err, "provider: rate limit wait cancelled")
	}

	breaker := g.breakers.Get("complete_text")

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	attempt := 0
	var lastResp *anthropic.MessageResponse
	var lastErr error

	for attempt <= g.maxRepairs {
		prompt := req.Prompt
		if attempt > 0 {
			prompt = fmt.Sprintf("%s\n\nYour previous response did not parse as the required JSON shape: %v. Respond with corrected JSON only.", req.Prompt, lastErr)
		}

		creq := anthropic.MessageRequest{
			Model:       modelID,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		}
		if req.System != "" {
			// Role system prompts are static and reused across every call for
			// that role within a task (researcher summarizes many evidence
			// items, evaluator runs once per iteration), so they are cache
			// breakpoints rather than plain text blocks.
			creq.System = anthropic.BuildCachedSystemBlocks(req.System)
		}

		msg, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.DoVal(ctx, g.retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				resp, err := g.textClient.CreateMessage(ctx, creq)
				if err != nil {
					if resilience.IsTransientHTTPStatus(statusCodeOf(err)) {
						g.textLimiter.OnRateLimit("complete_text")
					}
					return nil, resilience.NewTransientError(err, 0)
				}
				g.textLimiter.OnSuccess()
				return resp, nil
			})
		})
		if err != nil {
			return nil, apperr.Newf(apperr.KindProviderTransport, err, "provider: complete-text role=%s", req.Role)
		}
		lastResp = msg

		text := textFromBlocks(msg.Content)
		if req.Decode == nil {
			return &CompleteTextResponse{Text: text, Model: msg.Model, Usage: msg.Usage}, nil
		}
		if decodeErr := req.Decode([]byte(text)); decodeErr == nil {
			return &CompleteTextResponse{Text: text, Model: msg.Model, Usage: msg.Usage}, nil
		} else {
			lastErr = decodeErr
		}
		attempt++
	}

	_ = lastResp
	return nil, apperr.Newf(apperr.KindProviderShape, lastErr, "provider: complete-text role=%s exhausted %d repair attempts", req.Role, g.maxRepairs)
}

func textFromBlocks(blocks []anthropic.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func (g *gateway) mockCompleteText(req CompleteTextRequest, modelID string) (*CompleteTextResponse, error) {
	seed := deterministicSeed(string(req.Role) + "|" + req.Prompt)

	var text string
	if req.MockPayload != nil {
		text = req.MockPayload(seed)
	} else {
		text = fmt.Sprintf("[mock:%s] %s", req.Role, req.Prompt)
	}

	if req.Decode != nil {
		if err := req.Decode([]byte(text)); err != nil {
			return nil, apperr.Newf(apperr.KindProviderShape, err, "provider: mock complete-text role=%s did not satisfy decode", req.Role)
		}
	}

	return &CompleteTextResponse{
		Text:  text,
		Model: modelID,
		Usage: anthropic.TokenUsage{InputTokens: int64(len(req.Prompt) / 4), OutputTokens: int64(len(text) / 4)},
	}, nil
}
