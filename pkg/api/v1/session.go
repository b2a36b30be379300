package v1

import "time"

// SessionStatus is the projection of a session's latest run onto the session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusFinished SessionStatus = "finished"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusStopped  SessionStatus = "stopped"
)

// ExecutionMode controls how a child session reports back to its parent.
type ExecutionMode string

const (
	// ExecutionModeDetached runs the session without parent notification.
	ExecutionModeDetached ExecutionMode = "detached"
	// ExecutionModeAsyncCallback resumes the parent session with the child
	// result once the child terminates.
	ExecutionModeAsyncCallback ExecutionMode = "async_callback"
)

// Session is a conversational container for a sequence of runs.
type Session struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	AgentName       string        `json:"agent_name"`
	Status          SessionStatus `json:"status"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode,omitempty"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	Hostname        string        `json:"hostname,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SessionResult is the authoritative terminal result of a session.
// Exactly one of ResultText and ResultData is non-null for procedural and
// output-schema agents; plain autonomous agents carry ResultText only.
type SessionResult struct {
	ResultText *string        `json:"result_text"`
	ResultData map[string]any `json:"result_data"`
}
