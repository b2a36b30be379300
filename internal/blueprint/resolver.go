// Package blueprint loads agent blueprints, validates run parameters against
// their schemas, and resolves per-run blueprint snapshots.
package blueprint

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/drover-ai/drover/internal/common/apperr"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// placeholderPattern matches ${source.key} references in blueprint strings.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\.([a-zA-Z0-9_.-]+)\}`)

// RuntimeContext supplies the runtime.* placeholder values for one run.
type RuntimeContext struct {
	RunID           string
	SessionID       string
	AgentName       string
	ParentSessionID string
	CreatedAt       time.Time
}

// EnvLookup resolves env.* placeholders. os.LookupEnv satisfies it.
type EnvLookup func(key string) (string, bool)

// Resolve produces the blueprint snapshot dispatched with a run. Placeholders
// in the system prompt and in string config values are substituted from the
// run's parameters, scope, the coordinator environment, and the runtime
// context. runner.* placeholders pass through untouched for the runner to
// resolve at dispatch. Any other unresolvable placeholder fails the whole
// resolution, reporting every offender at once.
func Resolve(agent *v1.Agent, parameters map[string]any, scope map[string]string, rt RuntimeContext, env EnvLookup) (*v1.ResolvedBlueprint, error) {
	r := &resolver{
		parameters: parameters,
		scope:      scope,
		rt:         rt,
		env:        env,
		unresolved: make(map[string]struct{}),
	}

	resolved := &v1.ResolvedBlueprint{
		AgentName:       agent.Name,
		Type:            agent.Type,
		SystemPrompt:    r.resolveString(agent.SystemPrompt),
		OutputSchema:    agent.OutputSchema,
		MCPServers:      agent.MCPServers,
		ExecutorProfile: agent.ExecutorProfile,
	}
	if agent.Config != nil {
		resolved.Config = r.resolveMap(agent.Config)
	}

	if len(r.unresolved) > 0 {
		names := make([]string, 0, len(r.unresolved))
		for name := range r.unresolved {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, apperr.New(apperr.CodePlaceholderUnresolved, http.StatusBadRequest,
			"blueprint references unresolved placeholders: "+strings.Join(names, ", ")).
			WithDetail("unresolved", names)
	}
	return resolved, nil
}

type resolver struct {
	parameters map[string]any
	scope      map[string]string
	rt         RuntimeContext
	env        EnvLookup
	unresolved map[string]struct{}
}

func (r *resolver) resolveString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		source, key := groups[1], groups[2]

		value, ok := r.lookup(source, key)
		if !ok {
			if source == "runner" {
				// Opaque to the coordinator; the runner substitutes it.
				return match
			}
			r.unresolved[source+"."+key] = struct{}{}
			return match
		}
		return value
	})
}

func (r *resolver) lookup(source, key string) (string, bool) {
	switch source {
	case "params":
		value, ok := r.parameters[key]
		if !ok {
			return "", false
		}
		return stringifyValue(value), true
	case "scope":
		value, ok := r.scope[key]
		return value, ok
	case "env":
		if r.env == nil {
			return "", false
		}
		return r.env(key)
	case "runtime":
		return r.lookupRuntime(key)
	default:
		return "", false
	}
}

func (r *resolver) lookupRuntime(key string) (string, bool) {
	switch key {
	case "run_id":
		return r.rt.RunID, true
	case "session_id":
		return r.rt.SessionID, true
	case "agent_name":
		return r.rt.AgentName, true
	case "parent_session_id":
		return r.rt.ParentSessionID, true
	case "created_at":
		return r.rt.CreatedAt.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}

func (r *resolver) resolveMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.resolveValue(v)
	}
	return out
}

func (r *resolver) resolveValue(v any) any {
	switch value := v.(type) {
	case string:
		return r.resolveString(value)
	case map[string]any:
		return r.resolveMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = r.resolveValue(item)
		}
		return out
	default:
		return v
	}
}

// stringifyValue renders a parameter value for substitution into a string.
// Non-scalar values are JSON-encoded.
func stringifyValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	}
}
