// Package fallback produces results locally when a request is not, or could
// not be, delegated upstream.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/logger"
)

// Policy selects what the executor does for operations without a local handler.
type Policy string

const (
	// PolicySimulate answers with an explanatory simulation message.
	PolicySimulate Policy = "simulate"
	// PolicyError answers with an error result naming the reason.
	PolicyError Policy = "error"
)

// Handler performs an operation locally. It returns a raw result in any shape
// the normalizer understands; an error means the handler itself broke.
type Handler func(ctx context.Context, req models.WorkRequest) (any, error)

// FailureError reports that local execution failed.
type FailureError struct {
	Operation string
	Err       error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("local execution of '%s' failed: %v", e.Operation, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Executor runs operations locally. Handlers are registered at startup; the
// executor is safe for concurrent use afterwards.
type Executor struct {
	policy Policy
	logger *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewExecutor creates an Executor. An unknown policy is treated as simulate.
func NewExecutor(policy Policy, log *logger.Logger) *Executor {
	if policy != PolicyError {
		policy = PolicySimulate
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{
		policy:   policy,
		logger:   log,
		handlers: make(map[string]Handler),
	}
}

// Register installs a local handler for operation.
func (e *Executor) Register(operation string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[operation] = h
}

// Handles reports whether operation has a local handler.
func (e *Executor) Handles(operation string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[operation]
	return ok
}

// RunLocally produces a result for req. reason says why the request was not
// delegated and is shown by the simulation message. RunLocally never panics:
// any failure yields a nil result and a *FailureError.
func (e *Executor) RunLocally(ctx context.Context, req models.WorkRequest, reason string) (raw any, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw = nil
			err = &FailureError{Operation: req.Operation(), Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			e.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: "fallback_failure"}).
				WithField("operation", req.Operation()).
				Warn("local execution failed")
		}
	}()

	e.mu.RLock()
	h, ok := e.handlers[req.Operation()]
	e.mu.RUnlock()
	if ok {
		out, herr := h(ctx, req)
		if herr != nil {
			return nil, &FailureError{Operation: req.Operation(), Err: herr}
		}
		return out, nil
	}

	if e.policy == PolicyError {
		return errorResult(fmt.Sprintf("Operation '%s' was not executed: %s", req.Operation(), reason)), nil
	}
	return textResult(simulationText(req, reason)), nil
}

// ErrorResult builds a raw result in the structured error shape.
func ErrorResult(text string) any { return errorResult(text) }

func errorResult(text string) map[string]any {
	return map[string]any{
		"isError": true,
		"content": []any{map[string]any{"type": models.ContentTypeText, "text": text}},
	}
}

func textResult(text string) map[string]any {
	return map[string]any{
		"isError": false,
		"content": []any{map[string]any{"type": models.ContentTypeText, "text": text}},
	}
}

func simulationText(req models.WorkRequest, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SIMULATION] Operation '%s' was handled locally.\n", req.Operation())
	if wd := req.Params().GetString("working_directory", ""); wd != "" {
		fmt.Fprintf(&b, "Working Directory: %s\n", wd)
	}
	if hint := req.CorrelationHint(); hint != "" {
		fmt.Fprintf(&b, "Progress Token: %s\n", hint)
	}
	if prompt := req.Params().GetString("prompt", ""); prompt != "" {
		fmt.Fprintf(&b, "\nTask Analysis: %s\n", prompt)
	}
	if reason == "" {
		reason = "delegation unavailable"
	}
	fmt.Fprintf(&b, "\nReason for simulation: %s\n", reason)
	b.WriteString("The upstream execution service would have performed this operation.")
	return b.String()
}
