package models

import "time"

// ProgressToken correlates the progress events of one orchestration run.
type ProgressToken string

// ProgressEvent is one ordered progress update for a token.
type ProgressEvent struct {
	Token           ProgressToken `json:"token"`
	CorrelationHint string        `json:"correlation_hint,omitempty"`
	Sequence        int           `json:"sequence"`
	Stage           TaskLogStatus `json:"stage"`
	Status          string        `json:"status"`
	Fraction        *float64      `json:"fraction,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}
