package api

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/internal/task_gateway/fallback"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// TaskToolName is the delegated task tool.
	TaskToolName = "Task"
	// TodoWriteToolName is the local todo list tool.
	TodoWriteToolName = fallback.TodoWriteOperation

	defaultWorkingDirectory = "."
	upstreamDescription     = "Task execution via wrapper"
	upstreamSubagentType    = "general-purpose"
)

// Input schemas checked by the orchestrator before anything runs.
var (
	taskSchema = []byte(`{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "working_directory": {"type": "string"}
  }
}`)

	todoWriteSchema = []byte(`{
  "type": "object",
  "required": ["todos"],
  "properties": {
    "todos": {"type": "array"}
  }
}`)
)

// Schemas returns the input schema of every exposed tool, keyed by name.
func Schemas() map[string][]byte {
	return map[string][]byte{
		TaskToolName:      taskSchema,
		TodoWriteToolName: todoWriteSchema,
	}
}

// ToolNames lists the exposed tools in a stable order.
func ToolNames() []string {
	return []string{TaskToolName, TodoWriteToolName}
}

// TaskTool describes the Task tool to MCP clients.
func TaskTool() mcp.Tool {
	return mcp.NewTool(TaskToolName,
		mcp.WithDescription("Execute a task through the upstream execution service. Falls back to a local simulated response when the upstream is unavailable or too slow."),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The task to perform"),
		),
		mcp.WithString("working_directory",
			mcp.Description("Directory the task runs in"),
			mcp.DefaultString(defaultWorkingDirectory),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Delegation timeout in seconds"),
		),
		mcp.WithString("progress_token",
			mcp.Description("Correlation hint echoed in progress events"),
		),
	)
}

// TodoWriteTool describes the TodoWrite tool to MCP clients.
func TodoWriteTool() mcp.Tool {
	return mcp.NewTool(TodoWriteToolName,
		mcp.WithDescription("Replace the session todo list and summarize it"),
		mcp.WithArray("todos",
			mcp.Required(),
			mcp.Description("The complete todo list"),
			mcp.Items(map[string]any{
				"type":     "object",
				"required": []string{"id", "content", "status"},
				"properties": map[string]any{
					"id":      map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
					"status": map[string]any{
						"type": "string",
						"enum": []string{fallback.TodoPending, fallback.TodoInProgress, fallback.TodoCompleted},
					},
				},
			}),
		),
	)
}

// BuildRequest turns tool arguments into a WorkRequest. Task arguments are
// reshaped: timeout becomes the delegation bound and progress_token the
// correlation hint, unless hint is already set.
func BuildRequest(name string, args map[string]any, hint string) models.WorkRequest {
	if name != TaskToolName {
		return models.NewWorkRequest(name, models.NewParams(args), hint, 0)
	}

	params := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case "timeout", "progress_token":
		default:
			params[k] = v
		}
	}
	if wd, ok := params["working_directory"].(string); !ok || strings.TrimSpace(wd) == "" {
		params["working_directory"] = defaultWorkingDirectory
	}
	if hint == "" {
		if s, ok := args["progress_token"].(string); ok {
			hint = s
		}
	}
	return models.NewWorkRequest(TaskToolName, models.NewParams(params), hint, timeoutSeconds(args["timeout"]))
}

// timeoutSeconds reads a positive number of seconds; anything else is zero.
func timeoutSeconds(v any) time.Duration {
	var secs float64
	switch t := v.(type) {
	case float64:
		secs = t
	case int:
		secs = float64(t)
	case int64:
		secs = float64(t)
	case json.Number:
		secs, _ = t.Float64()
	case string:
		secs, _ = strconv.ParseFloat(t, 64)
	}
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// UpstreamArguments maps a Task request onto the upstream Task tool call.
// Other operations are forwarded unchanged.
func UpstreamArguments(req models.WorkRequest) (string, map[string]any) {
	if req.Operation() != TaskToolName {
		return req.Operation(), req.Params().Map()
	}
	wd := req.Params().GetString("working_directory", defaultWorkingDirectory)
	prompt := req.Params().GetString("prompt", "")
	return TaskToolName, map[string]any{
		"description":   upstreamDescription,
		"prompt":        fmt.Sprintf("Working directory: %s\n\nTask: %s", wd, prompt),
		"subagent_type": upstreamSubagentType,
	}
}

// unknownToolEnvelope names the tools that do exist.
func unknownToolEnvelope(name string) models.Envelope {
	return models.ErrorEnvelope(fmt.Sprintf("Error: Unknown tool '%s'. Available tools: %s", name, strings.Join(ToolNames(), ", ")))
}
