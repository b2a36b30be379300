package v1

import "time"

// RunnerStatus tracks runner liveness as seen by the heartbeat reaper.
type RunnerStatus string

const (
	RunnerStatusActive  RunnerStatus = "active"
	RunnerStatusStale   RunnerStatus = "stale"
	RunnerStatusRemoved RunnerStatus = "removed"
)

// Runner is a registered worker process that claims and executes runs.
// The Executor descriptor is opaque to the coordinator except for
// executor-profile matching.
type Runner struct {
	ID                  string         `json:"id"`
	Hostname            string         `json:"hostname"`
	ProjectDir          string         `json:"project_dir,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	ExecutorProfile     string         `json:"executor_profile,omitempty"`
	Executor            map[string]any `json:"executor,omitempty"`
	RequireMatchingTags bool           `json:"require_matching_tags,omitempty"`
	Agents              []string       `json:"agents,omitempty"`
	Status              RunnerStatus   `json:"status"`
	LastHeartbeat       time.Time      `json:"last_heartbeat"`
	RegisteredAt        time.Time      `json:"registered_at"`
}
