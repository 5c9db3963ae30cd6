package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mcp_gateway/backend/go/internal/models"
)

// TodoWriteOperation is the operation name of the todo list tool.
const TodoWriteOperation = "TodoWrite"

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TodoItem is one entry of the todo list.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// TodoStore holds the current todo list of the process.
type TodoStore struct {
	mu    sync.RWMutex
	items []TodoItem
}

// NewTodoStore creates an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{}
}

// Replace swaps in a new list.
func (s *TodoStore) Replace(items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]TodoItem(nil), items...)
}

// List returns a copy of the current list.
func (s *TodoStore) List() []TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TodoItem(nil), s.items...)
}

// TodoWriteHandler validates the "todos" parameter, stores it and returns a
// summary. Invalid input produces an error result, not a Go error.
func TodoWriteHandler(store *TodoStore) Handler {
	return func(_ context.Context, req models.WorkRequest) (any, error) {
		raw, ok := req.Params().Get("todos")
		if !ok {
			return errorResult("Error: 'todos' is required"), nil
		}
		list, ok := raw.([]any)
		if !ok {
			return errorResult("Error: 'todos' must be an array"), nil
		}

		items := make([]TodoItem, 0, len(list))
		for i, entry := range list {
			item, msg := parseTodo(i, entry)
			if msg != "" {
				return errorResult(msg), nil
			}
			items = append(items, item)
		}
		store.Replace(items)
		return textResult(todoSummary(items, req.CorrelationHint())), nil
	}
}

func parseTodo(i int, entry any) (TodoItem, string) {
	m, ok := entry.(map[string]any)
	if !ok {
		return TodoItem{}, fmt.Sprintf("Error: Todo item %d must be an object", i)
	}
	for _, field := range []string{"content", "status", "id"} {
		if _, ok := m[field]; !ok {
			return TodoItem{}, fmt.Sprintf("Error: Todo item %d missing required field: %s", i, field)
		}
	}
	item := TodoItem{
		ID:      fmt.Sprint(m["id"]),
		Content: fmt.Sprint(m["content"]),
	}
	item.Status, _ = m["status"].(string)
	switch item.Status {
	case TodoPending, TodoInProgress, TodoCompleted:
	default:
		return TodoItem{}, fmt.Sprintf("Error: Todo item %d has invalid status. Must be: pending, in_progress, or completed", i)
	}
	if _, isString := m["content"].(string); !isString || strings.TrimSpace(item.Content) == "" {
		return TodoItem{}, fmt.Sprintf("Error: Todo item %d content cannot be empty", i)
	}
	return item, ""
}

func todoSummary(items []TodoItem, hint string) string {
	var pending, inProgress, completed int
	for _, it := range items {
		switch it.Status {
		case TodoPending:
			pending++
		case TodoInProgress:
			inProgress++
		case TodoCompleted:
			completed++
		}
	}

	lines := []string{
		"Todo List Updated",
		fmt.Sprintf("Summary: %d total tasks (%d pending, %d in progress, %d completed)",
			len(items), pending, inProgress, completed),
	}
	if hint != "" {
		lines = append(lines, "Progress Token: "+hint)
	}
	lines = append(lines, "")
	if len(items) == 0 {
		lines = append(lines, "No tasks in the list")
	} else {
		lines = append(lines, "Current Tasks:")
		for _, it := range items {
			lines = append(lines, fmt.Sprintf("  [%s] [%s] %s", statusMark(it.Status), it.ID, it.Content))
		}
	}
	if inProgress > 1 {
		lines = append(lines, "", "Warning: multiple tasks in progress. Consider focusing on one task at a time.")
	}
	if completed > 0 && inProgress == 0 && pending == 0 {
		lines = append(lines, "", "All tasks completed!")
	}
	return strings.Join(lines, "\n")
}

func statusMark(status string) string {
	switch status {
	case TodoInProgress:
		return "~"
	case TodoCompleted:
		return "x"
	default:
		return " "
	}
}
