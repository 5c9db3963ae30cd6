package models

import "time"

// TaskLogStatus mirrors the orchestrator state a progress event was emitted in.
type TaskLogStatus string

const (
	StatusDelegating  TaskLogStatus = "DELEGATING"
	StatusFallingBack TaskLogStatus = "FALLING_BACK"
	StatusFinished    TaskLogStatus = "FINISHED"
	StatusError       TaskLogStatus = "ERROR"
)

// TaskLogEntry is the progress record published to Kafka.
type TaskLogEntry struct {
	TaskID        string        `json:"task_id"`
	CorrelationID string        `json:"correlation_id"`
	Sequence      int           `json:"sequence"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        TaskLogStatus `json:"status"`
	Message       string        `json:"message"`
	Fraction      *float64      `json:"fraction,omitempty"`
}

// NewTaskLogEntry converts a progress event into a TaskLogEntry.
func NewTaskLogEntry(ev ProgressEvent) *TaskLogEntry {
	return &TaskLogEntry{
		TaskID:        string(ev.Token),
		CorrelationID: ev.CorrelationHint,
		Sequence:      ev.Sequence,
		Timestamp:     ev.Timestamp,
		Status:        ev.Stage,
		Message:       ev.Status,
		Fraction:      ev.Fraction,
	}
}
