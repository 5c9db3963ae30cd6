package models

import "time"

// TaskStatus is the terminal outcome of one orchestration run.
type TaskStatus string

const (
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// ExecutionPath records which branch produced the final result.
type ExecutionPath string

const (
	PathDelegated ExecutionPath = "delegated"
	PathFallback  ExecutionPath = "fallback"
	PathRejected  ExecutionPath = "rejected"
	PathCancelled ExecutionPath = "cancelled"
)

// TaskRecord is the audit record kept for each finished WorkRequest.
type TaskRecord struct {
	ID          string        `json:"id"`
	Operation   string        `json:"operation"`
	Token       ProgressToken `json:"token"`
	Status      TaskStatus    `json:"status"`
	Path        ExecutionPath `json:"path"`
	Envelope    Envelope      `json:"envelope"`
	SubmittedAt time.Time     `json:"submitted_at"`
	CompletedAt time.Time     `json:"completed_at"`
}
