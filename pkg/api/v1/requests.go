package v1

import "encoding/json"

// RunContext carries caller-supplied placement hints for a new run's session.
type RunContext struct {
	ParentSessionID string `json:"parent_session_id,omitempty"`
	ProjectDir      string `json:"project_dir,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Type          RunType           `json:"type" binding:"required"`
	AgentName     string            `json:"agent_name" binding:"required"`
	Parameters    map[string]any    `json:"parameters"`
	SessionID     string            `json:"session_id,omitempty"`
	SessionName   string            `json:"session_name,omitempty"`
	Scope         map[string]string `json:"scope,omitempty"`
	Context       *RunContext       `json:"context,omitempty"`
	ExecutionMode ExecutionMode     `json:"execution_mode,omitempty"`
}

// CreateAgentRequest is the body of POST /agents and PUT /agents/:name.
type CreateAgentRequest struct {
	Name             string          `json:"name" binding:"required"`
	Type             AgentType       `json:"type" binding:"required"`
	Description      string          `json:"description,omitempty"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	SystemPrompt     string          `json:"system_prompt,omitempty"`
	MCPServers       []string        `json:"mcp_servers,omitempty"`
	Hooks            *Hooks          `json:"hooks,omitempty"`
	Demands          *Demands        `json:"demands,omitempty"`
	ExecutorProfile  string          `json:"executor_profile,omitempty"`
	Config           map[string]any  `json:"config,omitempty"`
}

// RegisterRunnerRequest is the body of POST /runner/register.
type RegisterRunnerRequest struct {
	RunnerID            string         `json:"runner_id,omitempty"` // set on re-registration
	Hostname            string         `json:"hostname" binding:"required"`
	ProjectDir          string         `json:"project_dir,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	ExecutorProfile     string         `json:"executor_profile,omitempty"`
	Executor            map[string]any `json:"executor,omitempty"`
	RequireMatchingTags bool           `json:"require_matching_tags,omitempty"`
	Agents              []Agent        `json:"agents,omitempty"`
}

// RegisterRunnerResponse acknowledges a registration.
type RegisterRunnerResponse struct {
	RunnerID string `json:"runner_id"`
}

// HeartbeatRequest is the body of POST /runner/heartbeat.
type HeartbeatRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

// CompleteRunRequest is the body of POST /runner/runs/:id/completed.
// Exactly one of ResultText / ResultData may be set; which one is legal is
// decided by the agent's type and output schema.
type CompleteRunRequest struct {
	ResultText *string        `json:"result_text,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
}

// FailRunRequest is the body of POST /runner/runs/:id/failed.
type FailRunRequest struct {
	Error string `json:"error" binding:"required"`
}

// AppendEventRequest is the runner-gateway ingress body of POST /events.
type AppendEventRequest struct {
	SessionID string         `json:"session_id" binding:"required"`
	RunID     string         `json:"run_id,omitempty"`
	EventType string         `json:"event_type" binding:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ValidationError describes one schema violation in a rejected request.
type ValidationError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	SchemaPath string `json:"schema_path"`
}
