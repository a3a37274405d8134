package evaluator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/provider"
)

type fakeGateway struct {
	texts []string
	calls int
}

func (f *fakeGateway) CompleteText(ctx context.Context, req provider.CompleteTextRequest) (*provider.CompleteTextResponse, error) {
	text := f.texts[f.calls]
	if f.calls < len(f.texts)-1 {
		f.calls++
	}
	if req.Decode != nil {
		if err := req.Decode([]byte(text)); err != nil {
			return nil, err
		}
	}
	return &provider.CompleteTextResponse{Text: text}, nil
}

func (f *fakeGateway) SearchWeb(ctx context.Context, req provider.SearchWebRequest) (*provider.SearchWebResponse, error) {
	return &provider.SearchWebResponse{}, nil
}

func f64(v float64) *float64 { return &v }

func evalJSON(p evalPayload) string {
	b, _ := json.Marshal(p)
	return string(b)
}

func sampleEvidence(n int) []model.Evidence {
	out := make([]model.Evidence, n)
	for i := range out {
		out[i] = model.Evidence{
			ID:          "e",
			CitationKey: "S1",
			Excerpt:     "excerpt",
			Source:      model.Source{Title: "t"},
		}
	}
	return out
}

func TestEvaluate_ValidResultComputesWeightedComposite(t *testing.T) {
	g := &fakeGateway{texts: []string{evalJSON(evalPayload{
		Dimensions: dimensionPayload{
			FactualCoverage:    f64(1.0),
			SourceDiversity:    f64(0.5),
			TemporalCoverage:   f64(0.5),
			PerspectiveBalance: f64(0.5),
			Depth:              f64(0.5),
		},
	})}}
	e := New(g, 10)

	result, err := e.Evaluate(context.Background(), "q", sampleEvidence(5))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, result.OverallScore, 1e-9) // 0.2*1.0 + 0.2*0.5*4
	assert.Equal(t, model.LevelPartial, result.Level)
}

func TestEvaluate_MissingDimensionFallsBackAfterRetry(t *testing.T) {
	missing := evalJSON(evalPayload{Dimensions: dimensionPayload{
		FactualCoverage: f64(0.5),
		SourceDiversity: f64(0.5),
		// temporal_coverage missing
		PerspectiveBalance: f64(0.5),
		Depth:              f64(0.5),
	}})
	g := &fakeGateway{texts: []string{missing, missing}}
	e := New(g, 10)

	result, err := e.Evaluate(context.Background(), "q", sampleEvidence(5))
	require.NoError(t, err)
	assert.Equal(t, model.LevelPartial, result.Level)
	assert.Empty(t, result.Gaps)
	assert.Empty(t, result.Refinements)
	assert.Equal(t, 0.5, result.OverallScore) // min(5/10, 0.5)
}

func TestEvaluate_OutOfRangeDimensionFallsBack(t *testing.T) {
	bad := evalJSON(evalPayload{Dimensions: dimensionPayload{
		FactualCoverage:    f64(1.5),
		SourceDiversity:    f64(0.5),
		TemporalCoverage:   f64(0.5),
		PerspectiveBalance: f64(0.5),
		Depth:              f64(0.5),
	}})
	g := &fakeGateway{texts: []string{bad, bad}}
	e := New(g, 20)

	result, err := e.Evaluate(context.Background(), "q", sampleEvidence(4))
	require.NoError(t, err)
	assert.Equal(t, 0.2, result.OverallScore) // min(4/20, 0.5)
}

func TestEvaluate_RejectsEmptyQuery(t *testing.T) {
	e := New(&fakeGateway{}, 10)
	_, err := e.Evaluate(context.Background(), "  ", nil)
	assert.Error(t, err)
}

func TestFallbackResult_ScoreCapsAtHalf(t *testing.T) {
	r := fallbackResult(sampleEvidence(100), 10)
	assert.Equal(t, 0.5, r.OverallScore)
	assert.Equal(t, model.LevelPartial, r.Level)
}
