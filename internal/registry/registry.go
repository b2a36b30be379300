// Package registry tracks the runner fleet: registration with declared
// agents, heartbeats, and the stale/removed lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// DisconnectReason is the error recorded on runs orphaned by a runner that
// stopped heartbeating.
const DisconnectReason = "Runner disconnected during execution"

// HookValidator checks declared agents' hook wiring at registration.
type HookValidator interface {
	ValidateHooks(ctx context.Context, agent *v1.Agent) error
}

// OrphanHandler fails the active runs a removed runner left behind. Wired to
// the session service; the indirection avoids a dependency cycle.
type OrphanHandler interface {
	FailRunsForRunner(ctx context.Context, runnerID, reason, errorCode string) error
}

// Service is the runner registry.
type Service struct {
	store   *store.Store
	bus     bus.EventBus
	hooks   HookValidator
	orphans OrphanHandler
	logger  *logger.Logger

	staleAfter  time.Duration
	removeAfter time.Duration
}

// New creates the registry. staleAfter and removeAfter are the heartbeat
// thresholds for marking a runner stale and removing it.
func New(st *store.Store, eventBus bus.EventBus, hooks HookValidator, staleAfter, removeAfter time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:       st,
		bus:         eventBus,
		hooks:       hooks,
		staleAfter:  staleAfter,
		removeAfter: removeAfter,
		logger:      log.WithFields(zap.String("component", "registry")),
	}
}

// SetOrphanHandler wires the handler invoked for a removed runner's runs.
func (s *Service) SetOrphanHandler(h OrphanHandler) { s.orphans = h }

// Register admits a runner and its declared agents atomically. A declared
// agent name already owned by a different runner (or created via the admin
// API) fails the whole registration with a collision error and registers
// nothing.
func (s *Service) Register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.Runner, error) {
	if req.Hostname == "" {
		return nil, apperr.BadRequest("runner hostname is required")
	}

	runnerID := req.RunnerID
	if runnerID == "" {
		runnerID = ids.NewRunner()
	}

	// Hook checks run before any write; the collision check rides the
	// write transaction below.
	agentNames := make([]string, 0, len(req.Agents))
	for i := range req.Agents {
		agent := &req.Agents[i]
		if agent.Name == "" {
			return nil, apperr.BadRequest("declared agent is missing a name")
		}
		if s.hooks != nil {
			if err := s.hooks.ValidateHooks(ctx, agent); err != nil {
				return nil, err
			}
		}
		agentNames = append(agentNames, agent.Name)
	}
	if err := validateDeclaredHooks(req.Agents); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	runner := &v1.Runner{
		ID:                  runnerID,
		Hostname:            req.Hostname,
		ProjectDir:          req.ProjectDir,
		Tags:                req.Tags,
		ExecutorProfile:     req.ExecutorProfile,
		Executor:            req.Executor,
		RequireMatchingTags: req.RequireMatchingTags,
		Agents:              agentNames,
		Status:              v1.RunnerStatusActive,
		LastHeartbeat:       now,
		RegisteredAt:        now,
	}

	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		// The collision check runs on the writer connection so two
		// concurrent registrations declaring the same name cannot both
		// pass it and silently reassign ownership via the upsert.
		for i := range req.Agents {
			existing, err := s.store.TxGetAgent(ctx, tx, req.Agents[i].Name)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err == nil && existing.RunnerID != runnerID {
				return apperr.Conflict(apperr.CodeAgentNameCollision,
					"agent name "+req.Agents[i].Name+" is already registered").
					WithDetail("agent_name", req.Agents[i].Name)
			}
		}
		if err := s.store.TxUpsertRunner(ctx, tx, runner); err != nil {
			return err
		}
		// Re-registration replaces the declared set wholesale.
		if err := s.store.TxDeleteAgentsByRunner(ctx, tx, runnerID); err != nil {
			return err
		}
		for i := range req.Agents {
			agent := req.Agents[i]
			agent.RunnerID = runnerID
			if err := s.store.TxUpsertAgent(ctx, tx, &agent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, fmt.Errorf("failed to register runner: %w", err)
	}

	s.logger.Info("Runner registered",
		zap.String("runner_id", runnerID),
		zap.String("hostname", runner.Hostname),
		zap.Int("agents", len(agentNames)))
	s.publishStatus(ctx, runner)
	return runner, nil
}

// validateDeclaredHooks applies the no-recursion rule across agents declared
// in the same registration, which the per-agent check cannot see because
// none of them is stored yet.
func validateDeclaredHooks(agents []v1.Agent) error {
	declares := make(map[string]bool, len(agents))
	for i := range agents {
		declares[agents[i].Name] = agents[i].Hooks != nil &&
			(agents[i].Hooks.OnRunStart != nil || agents[i].Hooks.OnRunFinish != nil)
	}
	for i := range agents {
		hooks := agents[i].Hooks
		if hooks == nil {
			continue
		}
		for _, spec := range []*v1.HookSpec{hooks.OnRunStart, hooks.OnRunFinish} {
			if spec == nil || spec.Type != v1.HookTypeAgent {
				continue
			}
			if declares[spec.AgentName] {
				return apperr.BadRequest("declared agent " + spec.AgentName +
					" is a hook target of " + agents[i].Name +
					" and may not declare hooks; hooks do not recurse")
			}
		}
	}
	return nil
}

// Heartbeat records a runner's liveness. Stale runners reactivate; removed
// runners must re-register.
func (s *Service) Heartbeat(ctx context.Context, runnerID string) error {
	err := s.store.UpdateRunnerHeartbeat(ctx, runnerID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(apperr.CodeRunnerNotFound, "runner "+runnerID+" is not registered")
	}
	return err
}

// Get fetches a runner by ID.
func (s *Service) Get(ctx context.Context, runnerID string) (*v1.Runner, error) {
	runner, err := s.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeRunnerNotFound, "runner "+runnerID+" is not registered")
	}
	if err != nil {
		return nil, err
	}
	return s.withAgents(ctx, runner)
}

// List returns all runners that have not been removed.
func (s *Service) List(ctx context.Context) ([]*v1.Runner, error) {
	runners, err := s.store.ListRunners(ctx, v1.RunnerStatusActive, v1.RunnerStatusStale)
	if err != nil {
		return nil, err
	}
	for _, runner := range runners {
		if _, err := s.withAgents(ctx, runner); err != nil {
			return nil, err
		}
	}
	return runners, nil
}

// Unregister removes a runner immediately, purging its declared agents and
// failing its active runs.
func (s *Service) Unregister(ctx context.Context, runnerID string) error {
	runner, err := s.Get(ctx, runnerID)
	if err != nil {
		return err
	}
	return s.remove(ctx, runner)
}

func (s *Service) withAgents(ctx context.Context, runner *v1.Runner) (*v1.Runner, error) {
	agents, err := s.store.ListAgentsByRunner(ctx, runner.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(agents))
	for _, agent := range agents {
		names = append(names, agent.Name)
	}
	runner.Agents = names
	return runner, nil
}

func (s *Service) remove(ctx context.Context, runner *v1.Runner) error {
	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.TxUpdateRunnerStatus(ctx, tx, runner.ID, v1.RunnerStatusRemoved); err != nil {
			return err
		}
		return s.store.TxDeleteAgentsByRunner(ctx, tx, runner.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to remove runner %s: %w", runner.ID, err)
	}

	runner.Status = v1.RunnerStatusRemoved
	s.logger.Warn("Runner removed",
		zap.String("runner_id", runner.ID),
		zap.String("hostname", runner.Hostname))
	s.publishStatus(ctx, runner)

	if s.orphans != nil {
		if err := s.orphans.FailRunsForRunner(ctx, runner.ID, DisconnectReason, apperr.CodeRunnerDisconnected); err != nil {
			s.logger.Error("Failed to fail orphaned runs",
				zap.String("runner_id", runner.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) publishStatus(ctx context.Context, runner *v1.Runner) {
	event := bus.NewEvent(events.RunnerStatus, "registry", map[string]any{
		"runner_id": runner.ID,
		"status":    string(runner.Status),
	})
	if err := s.bus.Publish(ctx, events.BuildRunnerStatusSubject(runner.ID), event); err != nil {
		s.logger.Error("Failed to publish runner status", zap.Error(err))
	}
}
