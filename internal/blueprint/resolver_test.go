package blueprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drover-ai/drover/internal/common/apperr"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

func testEnv(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestResolveSubstitutesAllSources(t *testing.T) {
	agent := &v1.Agent{
		Name:         "researcher",
		Type:         v1.AgentTypeAutonomous,
		SystemPrompt: "Task: ${params.prompt}. Tenant: ${scope.tenant}. Key: ${env.API_KEY}. Run: ${runtime.run_id}.",
		Config: map[string]any{
			"workdir": "/data/${scope.tenant}",
			"nested": map[string]any{
				"session": "${runtime.session_id}",
				"depth":   float64(3),
			},
			"targets": []any{"${params.url}", "literal"},
		},
	}

	rt := RuntimeContext{
		RunID:     "run_1",
		SessionID: "ses_1",
		AgentName: "researcher",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	resolved, err := Resolve(agent,
		map[string]any{"prompt": "Research X", "url": "https://example.com"},
		map[string]string{"tenant": "acme"},
		rt, testEnv(map[string]string{"API_KEY": "sk-123"}))
	require.NoError(t, err)

	require.Equal(t, "Task: Research X. Tenant: acme. Key: sk-123. Run: run_1.", resolved.SystemPrompt)
	require.Equal(t, "/data/acme", resolved.Config["workdir"])
	nested := resolved.Config["nested"].(map[string]any)
	require.Equal(t, "ses_1", nested["session"])
	require.Equal(t, float64(3), nested["depth"])
	targets := resolved.Config["targets"].([]any)
	require.Equal(t, "https://example.com", targets[0])
	require.Equal(t, "literal", targets[1])
}

func TestResolveRuntimeValues(t *testing.T) {
	agent := &v1.Agent{
		Name:         "child",
		Type:         v1.AgentTypeAutonomous,
		SystemPrompt: "${runtime.agent_name} ${runtime.parent_session_id} ${runtime.created_at}",
	}
	rt := RuntimeContext{
		AgentName:       "child",
		ParentSessionID: "ses_parent",
		CreatedAt:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	resolved, err := Resolve(agent, nil, nil, rt, nil)
	require.NoError(t, err)
	require.Equal(t, "child ses_parent 2026-08-01T12:00:00Z", resolved.SystemPrompt)
}

func TestRunnerPlaceholdersPassThrough(t *testing.T) {
	agent := &v1.Agent{
		Name:         "researcher",
		Type:         v1.AgentTypeAutonomous,
		SystemPrompt: "MCP at ${runner.orchestrator_mcp_url}",
	}
	resolved, err := Resolve(agent, nil, nil, RuntimeContext{}, nil)
	require.NoError(t, err)
	require.Equal(t, "MCP at ${runner.orchestrator_mcp_url}", resolved.SystemPrompt)
}

func TestResolveReportsEveryUnresolvedPlaceholder(t *testing.T) {
	agent := &v1.Agent{
		Name:         "researcher",
		Type:         v1.AgentTypeAutonomous,
		SystemPrompt: "${params.missing} and ${scope.absent}",
		Config:       map[string]any{"x": "${unknown.source}"},
	}
	_, err := Resolve(agent, map[string]any{"prompt": "x"}, nil, RuntimeContext{}, nil)
	require.Error(t, err)

	appErr := apperr.From(err)
	require.Equal(t, apperr.CodePlaceholderUnresolved, appErr.Code)
	require.ElementsMatch(t,
		[]string{"params.missing", "scope.absent", "unknown.source"},
		appErr.Details["unresolved"])
}

func TestResolveStringifiesNonStringParameters(t *testing.T) {
	agent := &v1.Agent{
		Name:         "crawler",
		Type:         v1.AgentTypeProcedural,
		SystemPrompt: "depth=${params.depth} opts=${params.opts}",
	}
	resolved, err := Resolve(agent, map[string]any{
		"depth": float64(3),
		"opts":  map[string]any{"follow": true},
	}, nil, RuntimeContext{}, nil)
	require.NoError(t, err)
	require.Equal(t, `depth=3 opts={"follow":true}`, resolved.SystemPrompt)
}

func TestResolveWithoutPlaceholdersIsIdentity(t *testing.T) {
	agent := &v1.Agent{
		Name:            "plain",
		Type:            v1.AgentTypeAutonomous,
		SystemPrompt:    "no placeholders here",
		ExecutorProfile: "default",
		MCPServers:      []string{"search"},
	}
	resolved, err := Resolve(agent, nil, nil, RuntimeContext{}, nil)
	require.NoError(t, err)
	require.Equal(t, "no placeholders here", resolved.SystemPrompt)
	require.Equal(t, "default", resolved.ExecutorProfile)
	require.Equal(t, []string{"search"}, resolved.MCPServers)
	require.Equal(t, v1.AgentTypeAutonomous, resolved.Type)
}
