// Package session owns the run lifecycle: creation through the schema gate,
// hook interception, blueprint resolution, terminal transitions with their
// journal events, and the projection of run state onto sessions.
package session

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/blueprint"
	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/hooks"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Service coordinates runs and sessions.
type Service struct {
	store      *store.Store
	eventlog   *eventlog.Service
	bus        bus.EventBus
	blueprints *blueprint.Service
	hooks      *hooks.Engine
	env        blueprint.EnvLookup
	lanes      *lanes
	logger     *logger.Logger

	// hookWait bounds how long a nested synchronous hook-agent run may take.
	hookWait time.Duration
}

// New creates the session service.
func New(st *store.Store, el *eventlog.Service, eventBus bus.EventBus, blueprints *blueprint.Service, hookEngine *hooks.Engine, log *logger.Logger) *Service {
	return &Service{
		store:      st,
		eventlog:   el,
		bus:        eventBus,
		blueprints: blueprints,
		hooks:      hookEngine,
		env:        os.LookupEnv,
		lanes:      newLanes(),
		hookWait:   5 * time.Minute,
		logger:     log.WithFields(zap.String("component", "session")),
	}
}

// SetEnvLookup overrides the environment source for ${env.*} placeholders.
func (s *Service) SetEnvLookup(env blueprint.EnvLookup) { s.env = env }

// CreateRun validates, intercepts, resolves and enqueues a new run. For
// start_session requests a fresh session is opened; resume_session requests
// append the run to an existing idle session.
func (s *Service) CreateRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.Run, error) {
	switch req.Type {
	case v1.RunTypeStartSession, v1.RunTypeResumeSession:
	default:
		return nil, apperr.BadRequest("type must be start_session or resume_session")
	}

	var (
		session *v1.Session
		err     error
	)
	if req.Type == v1.RunTypeResumeSession {
		if req.SessionID == "" {
			return nil, apperr.BadRequest("session_id is required to resume a session")
		}
		session, err = s.store.GetSession(ctx, req.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session "+req.SessionID+" not found")
		}
		if err != nil {
			return nil, err
		}
		if req.AgentName != "" && req.AgentName != session.AgentName {
			return nil, apperr.BadRequest("agent_name does not match the session's agent")
		}
	}

	agentName := req.AgentName
	if session != nil {
		agentName = session.AgentName
	}
	agent, err := s.blueprints.Get(ctx, agentName)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if session == nil {
		sessionID = ids.NewSession()
	}
	unlock := s.lanes.lock(sessionID)
	defer unlock()

	if session != nil {
		active, err := s.store.ActiveRunBySession(ctx, session.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if active != nil {
			return nil, apperr.Conflict(apperr.CodeSessionConflict,
				"session "+session.ID+" already has an active run").
				WithDetail("active_run_id", active.ID)
		}
	}

	if err := s.gateParameters(agent, req.Parameters); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if session == nil {
		session = &v1.Session{
			ID:            sessionID,
			Name:          req.SessionName,
			AgentName:     agent.Name,
			Status:        v1.SessionStatusPending,
			ExecutionMode: req.ExecutionMode,
			CreatedAt:     now,
		}
		if session.ExecutionMode == "" {
			session.ExecutionMode = v1.ExecutionModeDetached
		}
		if req.Context != nil {
			session.ParentSessionID = req.Context.ParentSessionID
			session.ProjectDir = req.Context.ProjectDir
			session.Hostname = req.Context.Hostname
		}
		if err := s.store.CreateSession(ctx, session); err != nil {
			return nil, err
		}
	}

	runID := ids.NewRun()
	parameters := req.Parameters

	outcome, err := s.hooks.RunStart(ctx, agent, hooks.StartInput{
		Parameters: parameters,
		AgentName:  agent.Name,
		SessionID:  session.ID,
		RunID:      runID,
	})
	if err != nil {
		return nil, s.recordRejectedRun(ctx, session, agent, runID, req, parameters, err)
	}
	if outcome.Action == hooks.ActionBlock {
		blockErr := apperr.New(apperr.CodeHookBlocked, http.StatusForbidden,
			"run blocked by on_run_start hook: "+outcome.BlockReason).
			WithDetail("block_reason", outcome.BlockReason)
		return nil, s.recordRejectedRun(ctx, session, agent, runID, req, parameters, blockErr)
	}
	if outcome.Parameters != nil {
		parameters = outcome.Parameters
	}
	// A hook may transform parameters; the transformed set passes the same
	// gate the original did.
	if validationErrs, _, err := s.blueprints.Validator().ValidateParameters(agent, parameters); err != nil {
		return nil, err
	} else if len(validationErrs) > 0 {
		hookErr := apperr.New(apperr.CodeHookFailed, http.StatusBadGateway,
			"on_run_start hook returned parameters that do not satisfy the agent's schema").
			WithDetail("validation_errors", validationErrs)
		return nil, s.recordRejectedRun(ctx, session, agent, runID, req, parameters, hookErr)
	}

	resolved, err := blueprint.Resolve(agent, parameters, req.Scope, blueprint.RuntimeContext{
		RunID:           runID,
		SessionID:       session.ID,
		AgentName:       agent.Name,
		ParentSessionID: session.ParentSessionID,
		CreatedAt:       now,
	}, s.env)
	if err != nil {
		return nil, s.recordRejectedRun(ctx, session, agent, runID, req, parameters, err)
	}
	resolved.MCPServerConfigs = s.blueprints.MCPServerConfigs(agent.MCPServers)

	run := &v1.Run{
		ID:                runID,
		SessionID:         session.ID,
		Type:              req.Type,
		AgentName:         agent.Name,
		Parameters:        parameters,
		Scope:             req.Scope,
		Status:            v1.RunStatusPending,
		CreatedAt:         now,
		ResolvedBlueprint: resolved,
	}
	if err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.TxCreateRun(ctx, tx, run)
	}); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionStatus(ctx, session.ID, v1.SessionStatusPending); err != nil {
		s.logger.Warn("Failed to reset session status",
			zap.String("session_id", session.ID), zap.Error(err))
	}

	s.publish(ctx, events.RunsPending, "run_pending", map[string]any{
		"run_id":     run.ID,
		"session_id": session.ID,
		"agent_name": agent.Name,
	})
	s.logger.Info("Run queued",
		zap.String("run_id", run.ID),
		zap.String("session_id", session.ID),
		zap.String("agent", agent.Name),
		zap.Int("run_number", run.RunNumber))
	return run, nil
}

// gateParameters rejects parameters that violate the agent's effective schema.
func (s *Service) gateParameters(agent *v1.Agent, parameters map[string]any) error {
	validationErrs, schema, err := s.blueprints.Validator().ValidateParameters(agent, parameters)
	if err != nil {
		return err
	}
	if len(validationErrs) == 0 {
		return nil
	}
	appErr := apperr.New(apperr.CodeParameterValidationFailed, http.StatusBadRequest,
		"parameters do not satisfy the agent's schema").
		WithDetail("agent_name", agent.Name).
		WithDetail("validation_errors", validationErrs)
	if schema != nil {
		appErr = appErr.WithDetail("parameters_schema", schema)
	}
	return appErr
}

// recordRejectedRun persists a run that never reached the queue (hook block,
// hook failure, unresolved placeholders) so the rejection stays auditable,
// then returns the rejection.
func (s *Service) recordRejectedRun(ctx context.Context, session *v1.Session, agent *v1.Agent, runID string, req *v1.CreateRunRequest, parameters map[string]any, cause error) error {
	now := time.Now().UTC()
	run := &v1.Run{
		ID:          runID,
		SessionID:   session.ID,
		Type:        req.Type,
		AgentName:   agent.Name,
		Parameters:  parameters,
		Scope:       req.Scope,
		Status:      v1.RunStatusFailed,
		CreatedAt:   now,
		CompletedAt: &now,
		Error:       apperr.From(cause).Message,
		ErrorCode:   apperr.From(cause).Code,
	}
	if err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return s.store.TxCreateRun(ctx, tx, run)
	}); err != nil {
		s.logger.Error("Failed to record rejected run",
			zap.String("run_id", runID), zap.Error(err))
		return cause
	}
	s.appendEvent(ctx, session.ID, runID, events.RunFailed, map[string]any{
		"error":      run.Error,
		"error_code": run.ErrorCode,
	})
	if err := s.store.UpdateSessionStatus(ctx, session.ID, v1.SessionStatusFailed); err != nil {
		s.logger.Warn("Failed to project session status",
			zap.String("session_id", session.ID), zap.Error(err))
	}
	return apperr.From(cause).WithDetail("run_id", runID)
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(ctx context.Context, runID string) (*v1.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeRunNotFound, "run "+runID+" not found")
	}
	return run, err
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session "+sessionID+" not found")
	}
	return session, err
}

// ListSessions returns all sessions.
func (s *Service) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	return s.store.ListSessions(ctx)
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session", data)); err != nil {
		s.logger.Warn("Failed to publish bus event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Service) appendEvent(ctx context.Context, sessionID, runID, eventType string, payload map[string]any) {
	_, err := s.eventlog.Append(ctx, &v1.Event{
		SessionID: sessionID,
		RunID:     runID,
		Type:      eventType,
		Payload:   payload,
	})
	if err != nil {
		s.logger.Error("Failed to append lifecycle event",
			zap.String("session_id", sessionID),
			zap.String("type", eventType), zap.Error(err))
	}
}
