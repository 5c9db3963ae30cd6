package models

// RequestInfo describes the inbound call that produced a log line.
type RequestInfo struct {
	Transport string `json:"transport"` // stdio, sse, httpstream or http
	Method    string `json:"method"`    // tool name or HTTP route
	SessionID string `json:"session_id,omitempty"`
}

// ErrorInfo is the structured error attached to Warn/Error log lines.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"` // e.g. "validation_error", "delegation_timeout"
}
