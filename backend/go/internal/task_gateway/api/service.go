// Package api exposes the task gateway over MCP and HTTP.
package api

import (
	"context"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/logger"
)

// Runner executes one WorkRequest to its terminal record.
type Runner interface {
	Run(ctx context.Context, req models.WorkRequest) models.TaskRecord
}

// Service dispatches tool calls to the orchestrator.
type Service struct {
	runner Runner
	tools  map[string]struct{}
	log    *logger.Logger
}

// NewService creates a Service for the tools listed by ToolNames.
func NewService(runner Runner, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	tools := make(map[string]struct{})
	for _, name := range ToolNames() {
		tools[name] = struct{}{}
	}
	return &Service{runner: runner, tools: tools, log: log}
}

// Call runs tool name with args. An unknown tool is rejected without
// reaching the orchestrator.
func (s *Service) Call(ctx context.Context, name string, args map[string]any, hint string) models.TaskRecord {
	if _, ok := s.tools[name]; !ok {
		s.log.WithField("tool", name).Warn("unknown tool requested")
		now := time.Now()
		return models.TaskRecord{
			Operation:   name,
			Status:      models.TaskStatusFailed,
			Path:        models.PathRejected,
			Envelope:    unknownToolEnvelope(name),
			SubmittedAt: now,
			CompletedAt: now,
		}
	}
	return s.runner.Run(ctx, BuildRequest(name, args, hint))
}
