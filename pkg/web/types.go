// Package web provides HTTP request and response types for the flow API.
package web

// StartExecutionRequest is the request body for creating a new flow execution.
type StartExecutionRequest struct {
	GraphID string         `json:"graph_id" validate:"required"`
	State   map[string]any `json:"state"`
}

// StartExecutionResponse is returned once the execution has been accepted.
// The walk runs asynchronously; poll GET /executions/:id for progress.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ResumeExecutionRequest carries an agent reply for a waiting execution.
type ResumeExecutionRequest struct {
	Reply map[string]any `json:"reply" validate:"required"`
}

// HeartbeatRequest carries optional agent metadata alongside a heartbeat.
type HeartbeatRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// AgentStatus is one row of the agent availability report.
type AgentStatus struct {
	Role          string         `json:"role"`
	Available     bool           `json:"available"`
	LastHeartbeat *string        `json:"last_heartbeat,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
