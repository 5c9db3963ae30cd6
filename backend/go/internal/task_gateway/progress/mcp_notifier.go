package progress

import (
	"context"

	"mcp_gateway/backend/go/internal/models"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const methodProgress = "notifications/progress"

type clientTokenKey struct{}

// WithClientToken stores the progressToken the MCP caller sent with its
// request. MCPNotifier only notifies requests that carry one.
func WithClientToken(ctx context.Context, token mcp.ProgressToken) context.Context {
	return context.WithValue(ctx, clientTokenKey{}, token)
}

func clientToken(ctx context.Context) (mcp.ProgressToken, bool) {
	token := ctx.Value(clientTokenKey{})
	return token, token != nil
}

// MCPNotifier forwards events to the calling MCP client as
// notifications/progress, using the server and session found in ctx.
type MCPNotifier struct{}

// Publish sends ev. progress is the fraction scaled to a total of 100; an
// event without a fraction reports its sequence number instead.
func (MCPNotifier) Publish(ctx context.Context, ev models.ProgressEvent) error {
	token, ok := clientToken(ctx)
	if !ok {
		return nil
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil || server.ClientSessionFromContext(ctx) == nil {
		return nil
	}

	params := map[string]any{
		"progressToken": token,
		"message":       ev.Status,
	}
	if ev.Fraction != nil {
		params["progress"] = *ev.Fraction * 100
		params["total"] = 100
	} else {
		params["progress"] = ev.Sequence
	}
	return srv.SendNotificationToClient(ctx, methodProgress, params)
}
