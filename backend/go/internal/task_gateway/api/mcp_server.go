package api

import (
	"context"
	"fmt"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/internal/task_gateway/progress"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer builds the MCP server exposing Task and TodoWrite.
func NewMCPServer(svc *Service, name, version string) *server.MCPServer {
	s := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.AddTool(TaskTool(), svc.handle(TaskToolName))
	s.AddTool(TodoWriteTool(), svc.handle(TodoWriteToolName))
	return s
}

// handle adapts a tool call. A progressToken in _meta asks for MCP progress
// notifications and also becomes the correlation hint.
func (s *Service) handle(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var hint string
		if meta := request.Params.Meta; meta != nil && meta.ProgressToken != nil {
			ctx = progress.WithClientToken(ctx, meta.ProgressToken)
			hint = fmt.Sprint(meta.ProgressToken)
		}

		info := models.RequestInfo{Transport: "mcp", Method: name}
		if session := server.ClientSessionFromContext(ctx); session != nil {
			info.SessionID = session.SessionID()
		}
		l := s.log.WithRequest(info)

		rec := s.Call(ctx, name, request.GetArguments(), hint)
		l.WithPayload(map[string]interface{}{
			"task_id": rec.ID,
			"token":   rec.Token,
			"path":    rec.Path,
			"status":  rec.Status,
		}).Debug("tool call finished")
		return rec.Envelope.ToCallToolResult(), nil
	}
}
