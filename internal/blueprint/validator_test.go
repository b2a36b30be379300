package blueprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

func autonomousAgent(name string) *v1.Agent {
	return &v1.Agent{Name: name, Type: v1.AgentTypeAutonomous}
}

func TestImplicitSchemaForAutonomousAgents(t *testing.T) {
	schema := EffectiveParametersSchema(autonomousAgent("researcher"))
	require.NotNil(t, schema)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(schema, &doc))
	require.Equal(t, []any{"prompt"}, doc["required"])
}

func TestNoSchemaForBareProceduralAgent(t *testing.T) {
	agent := &v1.Agent{Name: "mover", Type: v1.AgentTypeProcedural}
	require.Nil(t, EffectiveParametersSchema(agent))

	violations, schema, err := NewValidator().ValidateParameters(agent, map[string]any{"anything": true})
	require.NoError(t, err)
	require.Nil(t, schema)
	require.Empty(t, violations)
}

func TestMissingPromptReportedAtPropertyPath(t *testing.T) {
	v := NewValidator()

	violations, schema, err := v.ValidateParameters(autonomousAgent("researcher"), map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, schema)
	require.Len(t, violations, 1)
	require.Equal(t, "$.prompt", violations[0].Path)
	require.Contains(t, violations[0].Message, "prompt")
}

func TestEmptyPromptRejected(t *testing.T) {
	v := NewValidator()

	violations, _, err := v.ValidateParameters(autonomousAgent("researcher"), map[string]any{"prompt": ""})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "$.prompt", violations[0].Path)
}

func TestValidPromptPasses(t *testing.T) {
	v := NewValidator()

	violations, _, err := v.ValidateParameters(autonomousAgent("researcher"), map[string]any{"prompt": "Research X"})
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestExplicitSchemaOverridesImplicit(t *testing.T) {
	agent := &v1.Agent{
		Name: "web-crawler",
		Type: v1.AgentTypeProcedural,
		ParametersSchema: json.RawMessage(`{
			"type": "object",
			"required": ["url", "depth"],
			"properties": {
				"url": {"type": "string", "format": "uri"},
				"depth": {"type": "integer", "minimum": 1}
			}
		}`),
	}
	v := NewValidator()

	violations, _, err := v.ValidateParameters(agent, map[string]any{
		"url":   "https://example.com",
		"depth": float64(3),
	})
	require.NoError(t, err)
	require.Empty(t, violations)

	violations, schema, err := v.ValidateParameters(agent, map[string]any{"url": "https://example.com", "depth": float64(0)})
	require.NoError(t, err)
	require.JSONEq(t, string(agent.ParametersSchema), string(schema))
	require.Len(t, violations, 1)
	require.Equal(t, "$.depth", violations[0].Path)
}

func TestNestedViolationPath(t *testing.T) {
	agent := &v1.Agent{
		Name: "batcher",
		Type: v1.AgentTypeProcedural,
		ParametersSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tasks": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["url"],
						"properties": {"url": {"type": "string"}}
					}
				}
			}
		}`),
	}
	v := NewValidator()

	violations, _, err := v.ValidateParameters(agent, map[string]any{
		"tasks": []any{map[string]any{"url": "https://a"}, map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "$.tasks.1.url", violations[0].Path)
}

func TestNilParametersValidatedAsEmptyObject(t *testing.T) {
	v := NewValidator()

	violations, _, err := v.ValidateParameters(autonomousAgent("researcher"), nil)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "$.prompt", violations[0].Path)
}

func TestInvalidSchemaSurfacesError(t *testing.T) {
	agent := &v1.Agent{
		Name:             "broken",
		Type:             v1.AgentTypeProcedural,
		ParametersSchema: json.RawMessage(`{"type": 12}`),
	}
	_, _, err := NewValidator().ValidateParameters(agent, map[string]any{})
	require.Error(t, err)
}
