package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/internal/provider"
)

// fakeGateway lets tests script a sequence of CompleteText responses.
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

func planJSON(tasks ...subTaskPayload) string {
	b, _ := json.Marshal(planPayload{SubTasks: tasks})
	return string(b)
}

func TestPlan_ValidPlanOnFirstTry(t *testing.T) {
	g := &fakeGateway{texts: []string{
		planJSON(
			subTaskPayload{Description: "background on fusion", Priority: 0.9},
			subTaskPayload{Description: "recent breakthroughs", Priority: 0.8},
			subTaskPayload{Description: "funding landscape", Priority: 0.5},
		),
	}}
	p := New(g)

	subtasks, err := p.Plan(context.Background(), "state of fusion research")
	require.NoError(t, err)
	require.Len(t, subtasks, 3)
	assert.Equal(t, "background on fusion", subtasks[0].Description)
	assert.NotEmpty(t, subtasks[0].ID)
}

func TestPlan_RejectsTooFewSubTasks(t *testing.T) {
	g := &fakeGateway{texts: []string{
		planJSON(subTaskPayload{Description: "only one", Priority: 0.5}),
		planJSON(subTaskPayload{Description: "still only one", Priority: 0.5}),
	}}
	p := New(g)

	subtasks, err := p.Plan(context.Background(), "narrow query")
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "narrow query", subtasks[0].Description)
}

func TestPlan_RejectsDuplicateDescriptions(t *testing.T) {
	g := &fakeGateway{texts: []string{
		planJSON(
			subTaskPayload{Description: "Same Topic", Priority: 0.5},
			subTaskPayload{Description: "same topic", Priority: 0.6},
			subTaskPayload{Description: "third", Priority: 0.4},
		),
	}}
	p := New(g)

	subtasks, err := p.Plan(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, subtasks, 1) // falls back after the single re-prompt attempt reuses the same bad payload
}

func TestPlan_RejectsPriorityOutOfRange(t *testing.T) {
	g := &fakeGateway{texts: []string{
		planJSON(
			subTaskPayload{Description: "a", Priority: 1.5},
			subTaskPayload{Description: "b", Priority: 0.5},
			subTaskPayload{Description: "c", Priority: 0.5},
		),
	}}
	p := New(g)

	subtasks, err := p.Plan(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, subtasks, 1)
}

func TestPlan_RejectsEmptyQuery(t *testing.T) {
	p := New(&fakeGateway{})
	_, err := p.Plan(context.Background(), "   ")
	assert.Error(t, err)
}
