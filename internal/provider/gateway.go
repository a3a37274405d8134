// Package provider implements the Provider Gateway: uniform access to the
// complete-text and search-web capabilities, with per-capability rate
// limiting, circuit breaking, retries, structured-output repair, and a
// deterministic mock mode for offline operation.
package provider

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deepresearch/orchestrator/internal/config"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/resilience"
	"github.com/deepresearch/orchestrator/pkg/anthropic"
	"github.com/deepresearch/orchestrator/pkg/perplexity"
)

// Role selects which configured model a complete-text call is routed to.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleResearcher Role = "researcher"
	RoleEvaluator  Role = "evaluator"
	RoleWriter     Role = "writer"
)

func (r Role) valid() bool {
	switch r {
	case RolePlanner, RoleResearcher, RoleEvaluator, RoleWriter:
		return true
	default:
		return false
	}
}

// Gateway is the Provider Gateway contract consumed by the planner,
// researcher, evaluator, and writer.
type Gateway interface {
	CompleteText(ctx context.Context, req CompleteTextRequest) (*CompleteTextResponse, error)
	SearchWeb(ctx context.Context, req SearchWebRequest) (*SearchWebResponse, error)
}

// CompleteTextRequest is a single complete-text call.
type CompleteTextRequest struct {
	Role        Role
	Prompt      string
	System      string
	MaxTokens   int64
	Temperature *float64

	// Decode, if set, is handed the model's raw text on each attempt; a
	// non-nil return is treated as a structured-output parse failure and
	// triggers a repair retry. Leave nil for free-text calls.
	Decode func(raw []byte) error

	// MockPayload, if set, is used verbatim as the response text when the
	// gateway is operating in mock mode (no configured API key). Domain
	// callers that need schema-shaped mock output (planner/evaluator)
	// supply this; free-text callers can leave it nil and receive a
	// deterministic echo of the prompt.
	MockPayload func(seed uint64) string
}

// CompleteTextResponse is the result of a complete-text call.
type CompleteTextResponse struct {
	Text  string
	Model string
	Usage anthropic.TokenUsage
}

// SearchWebRequest is a single search-web call.
type SearchWebRequest struct {
	Query      string
	MaxResults int
}

// SearchWebResponse is the result of a search-web call.
type SearchWebResponse struct {
	Hits []model.SourceHit
}

type gateway struct {
	textClient   anthropic.Client
	searchClient perplexity.Client

	roleModels map[Role]string

	textLimiter   *adaptiveLimiter
	searchLimiter *adaptiveLimiter

	breakers   *resilience.ServiceBreakers
	retryCfg   resilience.RetryConfig
	maxRepairs int

	textMock   bool
	searchMock bool
}

// New builds a Gateway from configuration. Capabilities whose API key is
// unset run in deterministic mock mode rather than refusing to start.
func New(cfg config.ProviderConfig, rateCfg config.RateLimitConfig) Gateway {
	g := &gateway{
		roleModels: map[Role]string{
			RolePlanner:    cfg.PlannerModel,
			RoleResearcher: cfg.ResearcherModel,
			RoleEvaluator:  cfg.EvaluatorModel,
			RoleWriter:     cfg.WriterModel,
		},
		textLimiter:   newAdaptiveLimiter(rate.Limit(float64(rateCfg.PerMinute)/60.0), rateCfg.Burst),
		searchLimiter: newAdaptiveLimiter(rate.Limit(float64(rateCfg.PerMinute)/60.0), rateCfg.Burst),
		breakers:      resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
		retryCfg: resilience.RetryConfig{
			MaxAttempts:    cfg.MaxRetries,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger("provider_gateway", "call"),
		},
		maxRepairs: 2,
	}

	if cfg.APIKeyText == "" {
		g.textMock = true
		zap.L().Warn("provider gateway: PROVIDER_API_KEY_TEXT unset, complete-text running in deterministic mock mode")
	} else {
		g.textClient = anthropic.NewClient(cfg.APIKeyText, cfg.BaseURLText)
	}

	if cfg.APIKeySearch == "" {
		g.searchMock = true
		zap.L().Warn("provider gateway: PROVIDER_API_KEY_SEARCH unset, search-web running in deterministic mock mode")
	} else {
		opts := []perplexity.Option{}
		if cfg.BaseURLSearch != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.BaseURLSearch))
		}
		g.searchClient = perplexity.NewClient(cfg.APIKeySearch, opts...)
	}

	return g
}
