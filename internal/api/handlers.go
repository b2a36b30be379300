package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/drover-ai/drover/internal/blueprint"
	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/dispatch"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/registry"
	"github.com/drover-ai/drover/internal/session"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// runnerIDHeader carries the caller's runner identity on runner endpoints.
const runnerIDHeader = "X-Runner-ID"

type handler struct {
	store      *store.Store
	sessions   *session.Service
	blueprints *blueprint.Service
	registry   *registry.Service
	dispatcher *dispatch.Dispatcher
	eventlog   *eventlog.Service
	logger     *logger.Logger
}

func newHandler(deps Deps, log *logger.Logger) *handler {
	return &handler{
		store:      deps.Store,
		sessions:   deps.Sessions,
		blueprints: deps.Blueprints,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		eventlog:   deps.EventLog,
		logger:     log,
	}
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Caller surface

func (h *handler) createRun(c *gin.Context) {
	req := &v1.CreateRunRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	run, err := h.sessions.CreateRun(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *handler) getRun(c *gin.Context) {
	run, err := h.sessions.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *handler) stopRun(c *gin.Context) {
	run, err := h.sessions.StopRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (h *handler) listSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *handler) getSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) sessionResult(c *gin.Context) {
	result, err := h.sessions.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) sessionEvents(c *gin.Context) {
	if _, err := h.sessions.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondError(c, h.logger, apperr.BadRequest("since must be a non-negative integer"))
			return
		}
		since = parsed
	}
	list, err := h.eventlog.EventsSince(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list})
}

// Blueprint admin

func (h *handler) listAgents(c *gin.Context) {
	agents, err := h.blueprints.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *handler) getAgent(c *gin.Context) {
	agent, err := h.blueprints.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *handler) createAgent(c *gin.Context) {
	req := &v1.CreateAgentRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	agent, err := h.blueprints.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *handler) updateAgent(c *gin.Context) {
	req := &v1.CreateAgentRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	agent, err := h.blueprints.Update(c.Request.Context(), c.Param("name"), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *handler) deleteAgent(c *gin.Context) {
	if err := h.blueprints.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listMCPServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mcp_servers": h.blueprints.ListMCPServers()})
}

func (h *handler) putMCPServer(c *gin.Context) {
	config, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.blueprints.PutMCPServer(c.Param("id"), config); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

// Runner surface

func (h *handler) registerRunner(c *gin.Context) {
	req := &v1.RegisterRunnerRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	runner, err := h.registry.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, runner)
}

func (h *handler) unregisterRunner(c *gin.Context) {
	runnerID := h.runnerID(c)
	if runnerID == "" {
		respondError(c, h.logger, apperr.BadRequest("runner identity is required"))
		return
	}
	if err := h.registry.Unregister(c.Request.Context(), runnerID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) heartbeat(c *gin.Context) {
	req := &v1.HeartbeatRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.registry.Heartbeat(c.Request.Context(), req.RunnerID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// claimRun is the long-poll: it blocks until an eligible run appears or the
// poll window closes. 204 means "nothing for you, poll again".
func (h *handler) claimRun(c *gin.Context) {
	runnerID := h.runnerID(c)
	if runnerID == "" {
		respondError(c, h.logger, apperr.BadRequest("runner identity is required"))
		return
	}
	claimed, err := h.dispatcher.Claim(c.Request.Context(), runnerID)
	if err != nil {
		if c.Request.Context().Err() != nil {
			return // client went away mid-poll
		}
		respondError(c, h.logger, err)
		return
	}
	if claimed == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

func (h *handler) runRunning(c *gin.Context) {
	if err := h.sessions.MarkRunning(c.Request.Context(), c.Param("id"), h.runnerID(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) runCompleted(c *gin.Context) {
	req := &v1.CompleteRunRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.sessions.CompleteRun(c.Request.Context(), c.Param("id"), h.runnerID(c), req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) runFailed(c *gin.Context) {
	req := &v1.FailRunRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.sessions.FailRun(c.Request.Context(), c.Param("id"), req.Error, ""); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) runStopped(c *gin.Context) {
	if err := h.sessions.StoppedRun(c.Request.Context(), c.Param("id"), h.runnerID(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// appendEvent is the runner-gateway ingress for journal appends.
func (h *handler) appendEvent(c *gin.Context) {
	req := &v1.AppendEventRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, h.logger, apperr.BadRequest(err.Error()))
		return
	}
	event, err := h.eventlog.Append(c.Request.Context(), &v1.Event{
		SessionID: req.SessionID,
		RunID:     req.RunID,
		Type:      req.EventType,
		Payload:   req.Payload,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// Operational surface

func (h *handler) listRunners(c *gin.Context) {
	runners, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runners": runners})
}

func (h *handler) status(c *gin.Context) {
	runs, err := h.store.CountRunsByStatus(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	runners, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	active := 0
	for _, runner := range runners {
		if runner.Status == v1.RunnerStatusActive {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":           runs,
		"runners":        len(runners),
		"runners_active": active,
	})
}

// runnerID extracts the caller's runner identity from header or query.
func (h *handler) runnerID(c *gin.Context) string {
	if id := c.GetHeader(runnerIDHeader); id != "" {
		return id
	}
	return c.Query("runner_id")
}
