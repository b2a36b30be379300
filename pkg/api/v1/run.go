package v1

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusClaimed   RunStatus = "claimed"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopping  RunStatus = "stopping"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal returns true if the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// RunType distinguishes runs that open a session from runs that resume one.
type RunType string

const (
	RunTypeStartSession  RunType = "start_session"
	RunTypeResumeSession RunType = "resume_session"
)

// Run is a single unit of work within a session.
type Run struct {
	ID                string             `json:"id"`
	SessionID         string             `json:"session_id"`
	RunNumber         int                `json:"run_number"`
	Type              RunType            `json:"type"`
	AgentName         string             `json:"agent_name"`
	Parameters        map[string]any     `json:"parameters"`
	Scope             map[string]string  `json:"scope,omitempty"`
	Status            RunStatus          `json:"status"`
	RunnerID          string             `json:"runner_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	Error             string             `json:"error,omitempty"`
	ErrorCode         string             `json:"error_code,omitempty"`
	ResolvedBlueprint *ResolvedBlueprint `json:"resolved_blueprint,omitempty"`
}

// ClaimedRun is the long-poll response handed to a runner: the run plus the
// resolved blueprint snapshot it should execute.
type ClaimedRun struct {
	Run       *Run               `json:"run"`
	Blueprint *ResolvedBlueprint `json:"blueprint"`
}
