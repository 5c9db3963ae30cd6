package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/internal/task_gateway/fallback"
	"mcp_gateway/backend/go/internal/task_gateway/orchestrator"
	"mcp_gateway/backend/go/internal/task_gateway/progress"
	"mcp_gateway/backend/go/internal/task_gateway/store"
	"mcp_gateway/backend/go/pkg/logger"
	"mcp_gateway/backend/go/pkg/mcp_host"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// upstream records the last delegated call and answers with fn.
type upstream struct {
	mu   sync.Mutex
	tool string
	args map[string]any
	fn   func(ctx context.Context) (any, error)
}

func (u *upstream) Invoke(ctx context.Context, req models.WorkRequest, timeout time.Duration) (any, error) {
	tool, args := UpstreamArguments(req)
	u.mu.Lock()
	u.tool, u.args = tool, args
	u.mu.Unlock()
	return u.fn(ctx)
}

type fixture struct {
	svc     *Service
	up      *upstream
	history *progress.History
	tasks   *store.Memory
	todos   *fallback.TodoStore
}

func newFixture(t *testing.T, fn func(ctx context.Context) (any, error)) *fixture {
	t.Helper()
	history, err := progress.NewHistory(16, time.Minute)
	require.NoError(t, err)
	tasks, err := store.NewMemory(16, time.Minute)
	require.NoError(t, err)

	todos := fallback.NewTodoStore()
	local := fallback.NewExecutor(fallback.PolicySimulate, logger.Nop())
	local.Register(TodoWriteToolName, fallback.TodoWriteHandler(todos))

	up := &upstream{fn: fn}
	orch, err := orchestrator.New(orchestrator.Options{
		DelegationTimeout: 200 * time.Millisecond,
		DelegationEnabled: true,
		Operations:        []string{TaskToolName},
		Schemas:           Schemas(),
	}, orchestrator.Dependencies{
		Delegator: up,
		Fallback:  local,
		Emitter:   progress.NewEmitter(logger.Nop(), history, progress.MCPNotifier{}),
		Recorder:  tasks,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	return &fixture{svc: NewService(orch, logger.Nop()), up: up, history: history, tasks: tasks, todos: todos}
}

func answer(text string) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		return map[string]any{"isError": false, "content": []any{map[string]any{"type": "text", "text": text}}}, nil
	}
}

func TestBuildRequest_Task(t *testing.T) {
	req := BuildRequest(TaskToolName, map[string]any{
		"prompt":         "count lines",
		"timeout":        1.5,
		"progress_token": "p-1",
	}, "")

	assert.Equal(t, TaskToolName, req.Operation())
	assert.Equal(t, "p-1", req.CorrelationHint())
	assert.Equal(t, 1500*time.Millisecond, req.Timeout())
	assert.ElementsMatch(t, []string{"prompt", "working_directory"}, req.Params().Keys())
	assert.Equal(t, ".", req.Params().GetString("working_directory", ""))

	req = BuildRequest(TaskToolName, map[string]any{"prompt": "x", "progress_token": "p-1"}, "meta-token")
	assert.Equal(t, "meta-token", req.CorrelationHint())
	assert.Zero(t, req.Timeout())
}

func TestTimeoutSeconds(t *testing.T) {
	assert.Equal(t, 2*time.Second, timeoutSeconds(2))
	assert.Equal(t, 3*time.Second, timeoutSeconds("3"))
	assert.Equal(t, 4*time.Second, timeoutSeconds(json.Number("4")))
	assert.Zero(t, timeoutSeconds(-1.0))
	assert.Zero(t, timeoutSeconds("soon"))
	assert.Zero(t, timeoutSeconds(nil))
}

func TestUpstreamArguments(t *testing.T) {
	req := BuildRequest(TaskToolName, map[string]any{"prompt": "list files", "working_directory": "/srv"}, "")
	tool, args := UpstreamArguments(req)
	assert.Equal(t, "Task", tool)
	assert.Equal(t, map[string]any{
		"description":   "Task execution via wrapper",
		"prompt":        "Working directory: /srv\n\nTask: list files",
		"subagent_type": "general-purpose",
	}, args)

	tool, args = UpstreamArguments(models.NewWorkRequest("Other", models.NewParams(map[string]any{"a": 1}), "", 0))
	assert.Equal(t, "Other", tool)
	assert.Equal(t, map[string]any{"a": 1}, args)
}

// UpstreamArguments must fit the DelegationClient hook.
var _ mcp_host.ArgumentMapper = UpstreamArguments

func TestService_UnknownTool(t *testing.T) {
	f := newFixture(t, answer("unused"))
	rec := f.svc.Call(context.Background(), "Bash", map[string]any{"command": "ls"}, "")

	assert.True(t, rec.Envelope.IsError)
	assert.Equal(t, models.PathRejected, rec.Path)
	assert.Contains(t, rec.Envelope.Text(), "Unknown tool 'Bash'")
	assert.Contains(t, rec.Envelope.Text(), "Task, TodoWrite")
	assert.Empty(t, rec.Token)
}

func TestService_TaskDelegated(t *testing.T) {
	f := newFixture(t, answer("done upstream"))
	rec := f.svc.Call(context.Background(), TaskToolName, map[string]any{"prompt": "build it", "working_directory": "/repo"}, "hint-1")

	require.False(t, rec.Envelope.IsError, rec.Envelope.Text())
	assert.Equal(t, "done upstream", rec.Envelope.Text())
	assert.Equal(t, models.PathDelegated, rec.Path)
	assert.Equal(t, "Working directory: /repo\n\nTask: build it", f.up.args["prompt"])

	events, ok := f.history.Events(rec.Token)
	require.True(t, ok)
	require.NotEmpty(t, events)
	assert.Equal(t, "hint-1", events[0].CorrelationHint)

	stored, found, err := f.tasks.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Envelope, stored.Envelope)
}

func TestService_TaskFallsBackOnUpstreamError(t *testing.T) {
	f := newFixture(t, func(context.Context) (any, error) {
		return nil, errors.New("connection refused")
	})
	rec := f.svc.Call(context.Background(), TaskToolName, map[string]any{"prompt": "build it"}, "")

	assert.False(t, rec.Envelope.IsError)
	assert.Equal(t, models.PathFallback, rec.Path)
	assert.Contains(t, rec.Envelope.Text(), "[SIMULATION]")
	assert.Contains(t, rec.Envelope.Text(), "build it")
}

func TestService_TaskMissingPromptIsRejected(t *testing.T) {
	f := newFixture(t, answer("unused"))
	rec := f.svc.Call(context.Background(), TaskToolName, map[string]any{"working_directory": "/"}, "")

	assert.True(t, rec.Envelope.IsError)
	assert.Equal(t, models.PathRejected, rec.Path)
	assert.Contains(t, rec.Envelope.Text(), "invalid request")
	assert.Nil(t, f.up.args, "invalid requests are never delegated")
}

func TestService_TodoWriteRunsLocally(t *testing.T) {
	f := newFixture(t, answer("unused"))
	rec := f.svc.Call(context.Background(), TodoWriteToolName, map[string]any{
		"todos": []any{map[string]any{"id": "1", "content": "ship", "status": "pending"}},
	}, "")

	require.False(t, rec.Envelope.IsError, rec.Envelope.Text())
	assert.Equal(t, models.PathFallback, rec.Path)
	assert.Contains(t, rec.Envelope.Text(), "1 total tasks")
	assert.Len(t, f.todos.List(), 1)
	assert.Nil(t, f.up.args, "TodoWrite is outside the delegation allow-list")
}

func connect(t *testing.T, svc *Service) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(NewMCPServer(svc, "gateway", "test"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	_, err = c.Initialize(ctx, mcp.InitializeRequest{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMCPServer_ListTools(t *testing.T) {
	c := connect(t, newFixture(t, answer("unused")).svc)
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, ToolNames(), names)
}

func TestMCPServer_CallTask(t *testing.T) {
	f := newFixture(t, answer("hello from upstream"))
	c := connect(t, f.svc)

	req := mcp.CallToolRequest{}
	req.Params.Name = TaskToolName
	req.Params.Arguments = map[string]any{"prompt": "say hello"}
	req.Params.Meta = &mcp.Meta{ProgressToken: "client-7"}

	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Equal(t, "hello from upstream", text.Text)
}

func TestMCPServer_CallTaskValidationError(t *testing.T) {
	c := connect(t, newFixture(t, answer("unused")).svc)

	req := mcp.CallToolRequest{}
	req.Params.Name = TaskToolName
	req.Params.Arguments = map[string]any{"prompt": ""}

	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err, "a rejected request is still a tool result")
	assert.True(t, res.IsError)
}

func newRouter(f *fixture) *gin.Engine {
	r := gin.New()
	NewHandler(f.svc, f.history, f.tasks).RegisterRoutes(r)
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTP_Health(t *testing.T) {
	w := doJSON(newRouter(newFixture(t, answer("x"))), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHTTP_SubmitThenLookup(t *testing.T) {
	f := newFixture(t, answer("via http"))
	r := newRouter(f)

	w := doJSON(r, http.MethodPost, "/api/v1/tasks", TaskRequest{
		Operation: TaskToolName,
		Params:    map[string]any{"prompt": "go"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rec models.TaskRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "via http", rec.Envelope.Text())
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.Token)

	w = doJSON(r, http.MethodGet, "/api/v1/envelopes/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored models.TaskRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, rec.Envelope, stored.Envelope)

	w = doJSON(r, http.MethodGet, "/api/v1/progress/"+string(rec.Token), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []models.ProgressEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	for i, ev := range body.Events {
		assert.Equal(t, i, ev.Sequence)
	}
	assert.Equal(t, "completed", body.Events[len(body.Events)-1].Status)
}

func TestHTTP_Errors(t *testing.T) {
	r := newRouter(newFixture(t, answer("x")))

	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodPost, "/api/v1/tasks", map[string]any{}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodPost, "/api/v1/tasks", TaskRequest{Operation: "Nope"}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/api/v1/envelopes/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/api/v1/progress/task_missing", nil).Code)

	bare := gin.New()
	NewHandler(newFixture(t, answer("x")).svc, nil, nil).RegisterRoutes(bare)
	assert.Equal(t, http.StatusNotFound, doJSON(bare, http.MethodGet, "/api/v1/envelopes/any", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(bare, http.MethodGet, "/api/v1/progress/any", nil).Code)
}

func TestHTTP_HealthReportsDependencies(t *testing.T) {
	f := newFixture(t, answer("x"))
	h := NewHandler(f.svc, f.history, f.tasks)
	h.AddHealthCheck("redis", func(context.Context) error { return nil })
	r := gin.New()
	h.RegisterRoutes(r)

	w := doJSON(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","dependencies":{"redis":"ok"}}`, w.Body.String())

	h.AddHealthCheck("kafka", func(context.Context) error { return errors.New("no brokers") })
	w = doJSON(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","dependencies":{"redis":"ok","kafka":"no brokers"}}`, w.Body.String())
}
