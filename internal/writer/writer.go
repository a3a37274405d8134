// Package writer synthesizes the final markdown report and bibliography
// from a task's evidence snapshot via the Provider Gateway's writer role.
package writer

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/apperr"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/provider"
)

const writerSystemPrompt = `You are a research report writer. Using only the evidence ` +
	`provided, write a thorough markdown report answering the query. Cite every factual claim ` +
	`by its bracketed citation key, e.g. [S1]. Only use citation keys that appear in the ` +
	`evidence snapshot below; never invent a citation key. Do not include a bibliography ` +
	`section yourself — it is appended separately.`

var citationRe = regexp.MustCompile(`\[(S\d+)\]`)

// Writer synthesizes the final report via the Provider Gateway.
type Writer struct {
	gateway provider.Gateway
}

// New creates a Writer backed by gateway.
func New(gateway provider.Gateway) *Writer {
	return &Writer{gateway: gateway}
}

// Result is the outcome of a Write call: the report and whether any
// citation mentions were stripped for referencing an unknown key.
type Result struct {
	Report              model.Report
	StrippedCitations   []string
	UnresolvedCitations bool
}

// Write synthesizes a markdown report body and bibliography from
// evidence, enforcing that every citation mention resolves to an item in
// the snapshot. Mentions of unknown keys are stripped and reported
// rather than causing the call to fail.
func (w *Writer) Write(ctx context.Context, taskID, query string, evidence []model.Evidence, summary *model.ResearchSummary) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.KindInput, nil, "writer: query must not be empty")
	}

	validKeys := make(map[string]bool, len(evidence))
	for _, ev := range evidence {
		if ev.CitationKey != "" {
			validKeys[ev.CitationKey] = true
		}
	}

	prompt := buildPrompt(query, evidence)
	resp, err := w.gateway.CompleteText(ctx, provider.CompleteTextRequest{
		Role:   provider.RoleWriter,
		System: writerSystemPrompt,
		Prompt: prompt,
		MockPayload: func(seed uint64) string {
			return mockReport(query, evidence)
		},
	})
	if err != nil {
		return nil, err
	}

	body, stripped := stripUnresolvedCitations(resp.Text, validKeys)
	if len(stripped) > 0 {
		zap.L().Warn("writer: stripped citation mentions not present in evidence snapshot",
			zap.Strings("keys", stripped))
	}

	report := model.Report{
		TaskID:       taskID,
		Markdown:     body,
		Bibliography: buildBibliography(evidence),
		Summary:      summary,
	}

	return &Result{
		Report:              report,
		StrippedCitations:   stripped,
		UnresolvedCitations: len(stripped) > 0,
	}, nil
}

func buildPrompt(query string, evidence []model.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nEvidence snapshot:\n", query)
	for _, ev := range evidence {
		fmt.Fprintf(&b, "[%s] %s — %s\n", ev.CitationKey, ev.Source.Title, ev.Excerpt)
	}
	return b.String()
}

// stripUnresolvedCitations removes every [key] bracket whose key is not
// in validKeys, returning the cleaned text and the distinct set of keys
// that were stripped (in first-seen order).
func stripUnresolvedCitations(text string, validKeys map[string]bool) (string, []string) {
	seen := map[string]bool{}
	var stripped []string

	cleaned := citationRe.ReplaceAllStringFunc(text, func(match string) string {
		key := citationRe.FindStringSubmatch(match)[1]
		if validKeys[key] {
			return match
		}
		if !seen[key] {
			seen[key] = true
			stripped = append(stripped, key)
		}
		return ""
	})
	return cleaned, stripped
}

func buildBibliography(evidence []model.Evidence) string {
	sorted := make([]model.Evidence, len(evidence))
	copy(sorted, evidence)
	sort.Slice(sorted, func(i, j int) bool { return citationOrdinal(sorted[i].CitationKey) < citationOrdinal(sorted[j].CitationKey) })

	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for _, ev := range sorted {
		fmt.Fprintf(&b, "- [%s] %s. %s\n", ev.CitationKey, ev.Source.Title, ev.Source.URL)
	}
	return b.String()
}

// citationOrdinal extracts the numeric suffix of an "S<n>" citation key
// so bibliography entries sort S2 before S10, not lexically.
func citationOrdinal(key string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(key, "S"))
	if err != nil {
		return math.MaxInt
	}
	return n
}

func mockReport(query string, evidence []model.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", query)
	b.WriteString("This is a deterministic offline synthesis of the gathered evidence.\n\n")
	for _, ev := range evidence {
		fmt.Fprintf(&b, "- %s [%s]\n", ev.Excerpt, ev.CitationKey)
	}
	return b.String()
}
