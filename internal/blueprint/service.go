package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Service owns the agent blueprint catalog. Blueprints come from two places:
// the admin API (file-backed, mirrored under the data directory) and runner
// registration (purged when the runner is removed). Runner-declared
// blueprints take precedence on name lookup conflicts resolved at
// registration time.
type Service struct {
	store     *store.Store
	validator *Validator
	files     *fileStore
	logger    *logger.Logger

	mcpMu      sync.RWMutex
	mcpServers map[string]json.RawMessage
}

// NewService creates the blueprint service. dataDir may be empty, in which
// case definitions are not mirrored to disk.
func NewService(st *store.Store, dataDir string, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		validator: NewValidator(),
		files:     newFileStore(dataDir),
		logger:    log.WithFields(zap.String("component", "blueprint")),
	}
}

// Validator exposes the shared schema validator.
func (s *Service) Validator() *Validator { return s.validator }

// Load re-imports file-backed agent and MCP server definitions from the data
// directory. Called once at startup so hand-edited definitions survive
// restarts.
func (s *Service) Load(ctx context.Context) error {
	agents, err := s.files.loadAll()
	if err != nil {
		return fmt.Errorf("failed to load agent definitions: %w", err)
	}
	for _, agent := range agents {
		if err := s.store.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("failed to import agent %s: %w", agent.Name, err)
		}
	}
	if len(agents) > 0 {
		s.logger.Info("Imported agent definitions", zap.Int("count", len(agents)))
	}

	servers, err := s.files.loadMCPServers()
	if err != nil {
		return fmt.Errorf("failed to load mcp server definitions: %w", err)
	}
	s.mcpMu.Lock()
	s.mcpServers = servers
	s.mcpMu.Unlock()
	if len(servers) > 0 {
		s.logger.Info("Imported MCP server definitions", zap.Int("count", len(servers)))
	}
	return nil
}

// MCPServerConfigs returns the materialised configurations for the given
// server references. References without a definition on disk pass through by
// name only; the runner may resolve those locally.
func (s *Service) MCPServerConfigs(refs []string) map[string]json.RawMessage {
	s.mcpMu.RLock()
	defer s.mcpMu.RUnlock()
	var configs map[string]json.RawMessage
	for _, ref := range refs {
		config, ok := s.mcpServers[ref]
		if !ok {
			continue
		}
		if configs == nil {
			configs = make(map[string]json.RawMessage)
		}
		configs[ref] = config
	}
	return configs
}

// ListMCPServers returns the known MCP server definition IDs sorted.
func (s *Service) ListMCPServers() []string {
	s.mcpMu.RLock()
	defer s.mcpMu.RUnlock()
	ids := make([]string, 0, len(s.mcpServers))
	for id := range s.mcpServers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutMCPServer materialises (or replaces) an MCP server definition. The
// config is opaque; only well-formed JSON is required.
func (s *Service) PutMCPServer(id string, config json.RawMessage) error {
	if id == "" {
		return apperr.BadRequest("mcp server id is required")
	}
	if !json.Valid(config) {
		return apperr.BadRequest("mcp server config must be valid JSON")
	}
	if err := s.files.writeMCPServer(id, config); err != nil {
		return fmt.Errorf("failed to materialise mcp server %s: %w", id, err)
	}
	s.mcpMu.Lock()
	if s.mcpServers == nil {
		s.mcpServers = make(map[string]json.RawMessage)
	}
	s.mcpServers[id] = config
	s.mcpMu.Unlock()
	return nil
}

// Get fetches a blueprint by name.
func (s *Service) Get(ctx context.Context, name string) (*v1.Agent, error) {
	agent, err := s.store.GetAgent(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeAgentNotFound, "agent "+name+" not found")
	}
	return agent, err
}

// List returns all blueprint summaries.
func (s *Service) List(ctx context.Context) ([]*v1.AgentSummary, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]*v1.AgentSummary, 0, len(agents))
	for _, agent := range agents {
		summaries = append(summaries, &v1.AgentSummary{
			Name:             agent.Name,
			Type:             agent.Type,
			Description:      agent.Description,
			ParametersSchema: agent.ParametersSchema,
		})
	}
	return summaries, nil
}

// Create registers a new file-backed blueprint.
func (s *Service) Create(ctx context.Context, req *v1.CreateAgentRequest) (*v1.Agent, error) {
	agent := agentFromRequest(req)
	if err := s.validateDefinition(ctx, agent); err != nil {
		return nil, err
	}

	if _, err := s.store.GetAgent(ctx, agent.Name); err == nil {
		return nil, apperr.Conflict(apperr.CodeAgentNameCollision,
			"agent name "+agent.Name+" is already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := s.files.write(agent); err != nil {
		s.logger.Error("Failed to materialise agent definition",
			zap.String("agent", agent.Name), zap.Error(err))
	}
	return agent, nil
}

// Update replaces an existing file-backed blueprint.
func (s *Service) Update(ctx context.Context, name string, req *v1.CreateAgentRequest) (*v1.Agent, error) {
	existing, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing.RunnerID != "" {
		return nil, apperr.Conflict(apperr.CodeAgentNameCollision,
			"agent "+name+" is declared by a runner and cannot be updated")
	}

	agent := agentFromRequest(req)
	agent.Name = name
	if err := s.validateDefinition(ctx, agent); err != nil {
		return nil, err
	}
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	if err := s.files.write(agent); err != nil {
		s.logger.Error("Failed to materialise agent definition",
			zap.String("agent", agent.Name), zap.Error(err))
	}
	return agent, nil
}

// Delete removes a file-backed blueprint and its on-disk definition.
func (s *Service) Delete(ctx context.Context, name string) error {
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, name); err != nil {
		return err
	}
	if err := s.files.remove(name); err != nil {
		s.logger.Error("Failed to remove agent definition file",
			zap.String("agent", name), zap.Error(err))
	}
	return nil
}

// validateDefinition checks everything about a blueprint that can be checked
// without a run: name, type, schema compilation, and hook wiring.
func (s *Service) validateDefinition(ctx context.Context, agent *v1.Agent) error {
	if agent.Name == "" {
		return apperr.BadRequest("agent name is required")
	}
	if agent.Type != v1.AgentTypeAutonomous && agent.Type != v1.AgentTypeProcedural {
		return apperr.BadRequest("agent type must be autonomous or procedural")
	}
	if len(agent.ParametersSchema) > 0 {
		if _, err := s.validator.compile(agent.ParametersSchema); err != nil {
			return apperr.BadRequest("parameters_schema does not compile: " + err.Error())
		}
	}
	if len(agent.OutputSchema) > 0 {
		if _, err := s.validator.compile(agent.OutputSchema); err != nil {
			return apperr.BadRequest("output_schema does not compile: " + err.Error())
		}
	}
	return s.ValidateHooks(ctx, agent)
}

// ValidateHooks rejects hook wiring that could recurse: a hook may not target
// the agent it is attached to, and may not target an agent that itself
// declares hooks. The rule is checked from both ends so registration order
// cannot defeat it: an agent already named as a hook target by someone else
// may not declare hooks when it registers.
func (s *Service) ValidateHooks(ctx context.Context, agent *v1.Agent) error {
	for point, spec := range hookSpecs(agent) {
		switch spec.Type {
		case v1.HookTypeAgent:
			if spec.AgentName == "" {
				return apperr.BadRequest(point + " hook requires agent_name")
			}
			if spec.AgentName == agent.Name {
				return apperr.BadRequest(point + " hook on agent " + agent.Name + " targets itself")
			}
			target, err := s.store.GetAgent(ctx, spec.AgentName)
			if errors.Is(err, store.ErrNotFound) {
				// Target may be declared later; the reverse check below
				// catches it when it does.
				continue
			}
			if err != nil {
				return err
			}
			if declaresHooks(target) {
				return apperr.BadRequest(point + " hook target " + spec.AgentName +
					" declares hooks of its own; hooks do not recurse")
			}
		case v1.HookTypeHTTP:
			if spec.URL == "" {
				return apperr.BadRequest(point + " hook requires url")
			}
		default:
			return apperr.BadRequest(point + " hook has unknown type " + string(spec.Type))
		}
	}

	if !declaresHooks(agent) {
		return nil
	}
	all, err := s.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.Name == agent.Name {
			continue
		}
		for point, spec := range hookSpecs(other) {
			if spec.Type == v1.HookTypeAgent && spec.AgentName == agent.Name {
				return apperr.BadRequest("agent " + agent.Name + " is the " + point +
					" hook target of agent " + other.Name + " and may not declare hooks; hooks do not recurse")
			}
		}
	}
	return nil
}

// hookSpecs flattens an agent's declared hooks into point-name/spec pairs.
func hookSpecs(agent *v1.Agent) map[string]*v1.HookSpec {
	if agent.Hooks == nil {
		return nil
	}
	specs := make(map[string]*v1.HookSpec, 2)
	if agent.Hooks.OnRunStart != nil {
		specs["on_run_start"] = agent.Hooks.OnRunStart
	}
	if agent.Hooks.OnRunFinish != nil {
		specs["on_run_finish"] = agent.Hooks.OnRunFinish
	}
	return specs
}

func declaresHooks(agent *v1.Agent) bool {
	return agent.Hooks != nil && (agent.Hooks.OnRunStart != nil || agent.Hooks.OnRunFinish != nil)
}

func agentFromRequest(req *v1.CreateAgentRequest) *v1.Agent {
	return &v1.Agent{
		Name:             req.Name,
		Type:             req.Type,
		Description:      req.Description,
		ParametersSchema: req.ParametersSchema,
		OutputSchema:     req.OutputSchema,
		SystemPrompt:     req.SystemPrompt,
		MCPServers:       req.MCPServers,
		Hooks:            req.Hooks,
		Demands:          req.Demands,
		ExecutorProfile:  req.ExecutorProfile,
		Config:           req.Config,
	}
}
