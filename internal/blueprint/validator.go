package blueprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// implicitAutonomousSchema gates autonomous agents that declare no explicit
// parameters schema: a single non-empty prompt.
var implicitAutonomousSchema = json.RawMessage(`{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1}
	}
}`)

// EffectiveParametersSchema returns the schema that gates run parameters for
// an agent: the declared schema, or the implicit prompt schema for autonomous
// agents, or nil (no gate) for procedural agents without one.
func EffectiveParametersSchema(agent *v1.Agent) json.RawMessage {
	if len(agent.ParametersSchema) > 0 {
		return agent.ParametersSchema
	}
	if agent.Type == v1.AgentTypeAutonomous {
		return implicitAutonomousSchema
	}
	return nil
}

// Validator compiles and caches JSON-Schema draft-7 parameter schemas.
type Validator struct {
	mu      sync.Mutex
	cache   map[string]*jsonschema.Schema
	printer *message.Printer
}

// NewValidator creates a schema validator.
func NewValidator() *Validator {
	return &Validator{
		cache:   make(map[string]*jsonschema.Schema),
		printer: message.NewPrinter(language.English),
	}
}

// ValidateParameters checks run parameters against the agent's effective
// schema. It returns the violations (empty means the parameters conform) and
// the schema that was applied, so callers can echo it to the client.
func (v *Validator) ValidateParameters(agent *v1.Agent, parameters map[string]any) ([]v1.ValidationError, json.RawMessage, error) {
	schemaJSON := EffectiveParametersSchema(agent)
	if schemaJSON == nil {
		return nil, nil, nil
	}

	schema, err := v.compile(schemaJSON)
	if err != nil {
		return nil, schemaJSON, fmt.Errorf("agent %s has an invalid parameters schema: %w", agent.Name, err)
	}

	// The validator expects decoded JSON; parameters may be nil when the
	// request carried none.
	instance := any(parameters)
	if parameters == nil {
		instance = map[string]any{}
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil, schemaJSON, nil
	}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return nil, schemaJSON, err
	}
	return v.flatten(validationErr), schemaJSON, nil
}

// ValidateDocument checks an arbitrary document against a schema. Used for
// output-schema enforcement on reported results.
func (v *Validator) ValidateDocument(schemaJSON json.RawMessage, doc any) ([]v1.ValidationError, error) {
	schema, err := v.compile(schemaJSON)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return nil, err
	}
	return v.flatten(validationErr), nil
}

func (v *Validator) compile(schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaJSON)

	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.cache[key]; ok {
		return schema, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	v.cache[key] = schema
	return schema, nil
}

// flatten walks the validation error tree and produces one entry per leaf
// violation. Missing required properties are reported at the property path
// itself, not at the enclosing object.
func (v *Validator) flatten(err *jsonschema.ValidationError) []v1.ValidationError {
	var out []v1.ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		path := instancePath(e.InstanceLocation)
		schemaPath := e.SchemaURL

		if required, ok := e.ErrorKind.(*kind.Required); ok {
			for _, missing := range required.Missing {
				out = append(out, v1.ValidationError{
					Path:       path + "." + missing,
					Message:    "missing required property '" + missing + "'",
					SchemaPath: schemaPath,
				})
			}
			return
		}

		out = append(out, v1.ValidationError{
			Path:       path,
			Message:    e.ErrorKind.LocalizedString(v.printer),
			SchemaPath: schemaPath,
		})
	}
	walk(err)
	return out
}

// instancePath renders an instance location as a JSONPath-style string,
// e.g. ["tasks","0","url"] becomes "$.tasks.0.url".
func instancePath(location []string) string {
	if len(location) == 0 {
		return "$"
	}
	return "$." + strings.Join(location, ".")
}
