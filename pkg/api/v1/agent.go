package v1

import (
	"encoding/json"
	"time"
)

// AgentType distinguishes free-form AI agents from fixed-procedure agents.
type AgentType string

const (
	AgentTypeAutonomous AgentType = "autonomous"
	AgentTypeProcedural AgentType = "procedural"
)

// HookType identifies how a hook is executed.
type HookType string

const (
	HookTypeAgent HookType = "agent"
	HookTypeHTTP  HookType = "http"
)

// HookOnError controls how hook failures affect the hooked run.
type HookOnError string

const (
	HookOnErrorBlock  HookOnError = "block"
	HookOnErrorIgnore HookOnError = "ignore"
)

// HookSpec declares a single hook attached to an agent blueprint.
type HookSpec struct {
	Type      HookType    `json:"type"`
	AgentName string      `json:"agent_name,omitempty"`
	URL       string      `json:"url,omitempty"`
	OnError   HookOnError `json:"on_error,omitempty"`
}

// Hooks holds the pre/post interception points of a blueprint.
type Hooks struct {
	OnRunStart  *HookSpec `json:"on_run_start,omitempty"`
	OnRunFinish *HookSpec `json:"on_run_finish,omitempty"`
}

// Demands are the capability requirements a run inherits from its blueprint.
// All set fields must match the claiming runner exactly; tags must be a
// subset of the runner's tags.
type Demands struct {
	Hostname        string   `json:"hostname,omitempty"`
	ProjectDir      string   `json:"project_dir,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// Agent is a blueprint: the static definition of a task an agent can run.
// RunnerID is empty for file-backed (globally owned) blueprints and set for
// blueprints declared by a runner at registration.
type Agent struct {
	Name             string          `json:"name"`
	Type             AgentType       `json:"type"`
	Description      string          `json:"description,omitempty"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	SystemPrompt     string          `json:"system_prompt,omitempty"`
	MCPServers       []string        `json:"mcp_servers,omitempty"`
	Hooks            *Hooks          `json:"hooks,omitempty"`
	Demands          *Demands        `json:"demands,omitempty"`
	ExecutorProfile  string          `json:"executor_profile,omitempty"`
	Config           map[string]any  `json:"config,omitempty"`
	RunnerID         string          `json:"runner_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AgentSummary is the listing shape returned by GET /agents.
type AgentSummary struct {
	Name             string          `json:"name"`
	Type             AgentType       `json:"type"`
	Description      string          `json:"description,omitempty"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
}

// ResolvedBlueprint is the per-run snapshot handed to a claiming runner.
// All coordinator-side placeholders (params, scope, env, runtime) have been
// substituted; runner.* placeholders pass through for the runner to resolve.
type ResolvedBlueprint struct {
	AgentName       string          `json:"agent_name"`
	Type            AgentType       `json:"type"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
	MCPServers      []string        `json:"mcp_servers,omitempty"`
	ExecutorProfile string          `json:"executor_profile,omitempty"`
	Config          map[string]any  `json:"config,omitempty"`

	// MCPServerConfigs carries the materialised definitions for the
	// references above that the coordinator knows about.
	MCPServerConfigs map[string]json.RawMessage `json:"mcp_server_configs,omitempty"`
}
