package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/internal/config"
	"github.com/deepresearch/orchestrator/internal/model"
	"github.com/deepresearch/orchestrator/internal/progressbus"
	"github.com/deepresearch/orchestrator/internal/store"
)

type fakeRunner struct {
	ran chan model.ResearchTask
}

func newFakeRunner() *fakeRunner { return &fakeRunner{ran: make(chan model.ResearchTask, 16)} }

func (f *fakeRunner) Run(ctx context.Context, task model.ResearchTask) error {
	f.ran <- task
	return nil
}

func (f *fakeRunner) Cancel(taskID string) {}

func newTestServer() (*Server, store.Store, *fakeRunner) {
	st := store.NewMemory()
	bus := progressbus.New()
	runner := newFakeRunner()
	cfg := config.OrchestratorConfig{MaxConcurrentTasks: 4}
	presence := map[string]bool{"complete_text": false, "search_web": false}
	return New(st, bus, runner, cfg, presence), st, runner
}

func TestHealth_ReportsMockProviderPresence(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, string(store.BackendMemory), body["persistence"])
}

func TestResearch_AcceptsValidQueryAndSpawnsRun(t *testing.T) {
	s, st, runner := newTestServer()
	body, _ := json.Marshal(map[string]string{"query": "what is the capital of Peru"})
	req := httptest.NewRequest(http.MethodPost, "/research", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])
	assert.Equal(t, "accepted", resp["status"])

	select {
	case task := <-runner.ran:
		assert.Equal(t, resp["task_id"], task.ID)
		assert.Equal(t, model.KindSimple, task.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected runner to be invoked")
	}

	stored, err := st.GetTask(context.Background(), resp["task_id"])
	require.NoError(t, err)
	assert.Equal(t, model.TaskAccepted, stored.Status)
}

func TestResearch_RejectsEmptyQuery(t *testing.T) {
	s, _, _ := newTestServer()
	body, _ := json.Marshal(map[string]string{"query": ""})
	req := httptest.NewRequest(http.MethodPost, "/research", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeepResearch_RejectsOutOfRangeBudget(t *testing.T) {
	s, _, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"query": "q", "budget": 10})
	req := httptest.NewRequest(http.MethodPost, "/deep-research", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeepResearch_AppliesDefaultsAndAccepts(t *testing.T) {
	s, _, runner := newTestServer()
	body, _ := json.Marshal(map[string]any{"query": "deep dive"})
	req := httptest.NewRequest(http.MethodPost, "/deep-research", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case task := <-runner.ran:
		assert.Equal(t, model.KindDeep, task.Kind)
		assert.Equal(t, 3, task.Config.MaxIterations)
		assert.Equal(t, 0.75, task.Config.MinCompletionScore)
		assert.Equal(t, 150, task.Config.Budget)
	case <-time.After(time.Second):
		t.Fatal("expected runner to be invoked")
	}
}

func TestTaskStatus_ReturnsNotFoundForUnknownID(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist/status", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTaskStatus_ReturnsTaskForKnownID(t *testing.T) {
	s, st, _ := newTestServer()
	task := model.ResearchTask{ID: "t1", Query: "q", Kind: model.KindSimple, Status: model.TaskRunning}
	require.NoError(t, st.CreateTask(context.Background(), task))

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1/status", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body model.ResearchTask
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, model.TaskRunning, body.Status)
}

func TestReport_FailedTaskReturns200WithErrorReasonNotFound(t *testing.T) {
	s, st, _ := newTestServer()
	task := model.ResearchTask{ID: "t2", Query: "q", Kind: model.KindSimple, Status: model.TaskAccepted}
	require.NoError(t, st.CreateTask(context.Background(), task))
	reason := "deadline-exceeded"
	require.NoError(t, st.UpdateTaskStatus(context.Background(), "t2", model.TaskFailed, store.TaskExtras{ErrorReason: &reason}))

	req := httptest.NewRequest(http.MethodGet, "/reports/t2", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(model.TaskFailed), body["status"])
	assert.Equal(t, reason, body["error_reason"])
}

func TestReport_CompletedTaskReturnsReportBody(t *testing.T) {
	s, st, _ := newTestServer()
	task := model.ResearchTask{ID: "t3", Query: "q", Kind: model.KindSimple, Status: model.TaskAccepted}
	require.NoError(t, st.CreateTask(context.Background(), task))
	require.NoError(t, st.UpdateTaskStatus(context.Background(), "t3", model.TaskCompleted, store.TaskExtras{}))
	require.NoError(t, st.CreateReport(context.Background(), model.Report{TaskID: "t3", Markdown: "# Report", Bibliography: "## Sources"}))

	req := httptest.NewRequest(http.MethodGet, "/reports/t3", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "# Report", body["report_md"])
}

func TestReport_IncompleteTaskReturnsStatusOnly(t *testing.T) {
	s, st, _ := newTestServer()
	task := model.ResearchTask{ID: "t4", Query: "q", Kind: model.KindSimple, Status: model.TaskRunning}
	require.NoError(t, st.CreateTask(context.Background(), task))

	req := httptest.NewRequest(http.MethodGet, "/reports/t4", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(model.TaskRunning), body["status"])
	assert.NotContains(t, body, "report_md")
}

func TestTraces_ReturnsNDJSONInAppendOrder(t *testing.T) {
	s, st, _ := newTestServer()
	task := model.ResearchTask{ID: "t5", Query: "q", Kind: model.KindSimple, Status: model.TaskRunning}
	require.NoError(t, st.CreateTask(context.Background(), task))
	require.NoError(t, st.AppendLog(context.Background(), model.LogRecord{TaskID: "t5", Level: model.LogInfo, Message: "first"}))
	require.NoError(t, st.AppendLog(context.Background(), model.LogRecord{TaskID: "t5", Level: model.LogInfo, Message: "second"}))

	req := httptest.NewRequest(http.MethodGet, "/traces/t5", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	lines := bytes.Split(bytes.TrimSpace(rr.Body.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first model.LogRecord
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "first", first.Message)
}

func TestTraces_ReturnsNotFoundForUnknownTask(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/traces/nope", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
