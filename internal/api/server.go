// Package api exposes the coordinator over HTTP: the caller surface (runs,
// sessions, agents), the runner surface (register, heartbeat, long-poll,
// transitions, event ingress), and the live session stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/blueprint"
	"github.com/drover-ai/drover/internal/common/httpmw"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/dispatch"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/registry"
	"github.com/drover-ai/drover/internal/session"
	"github.com/drover-ai/drover/internal/store"
)

// Config holds the HTTP server settings.
type Config struct {
	Listen      string
	AuthEnabled bool
	VerifierURL string
}

// Server is the coordinator's HTTP front.
type Server struct {
	engine *gin.Engine
	server *http.Server
	logger *logger.Logger
}

// Deps are the components the handlers delegate to.
type Deps struct {
	Store      *store.Store
	Sessions   *session.Service
	Blueprints *blueprint.Service
	Registry   *registry.Service
	Dispatcher *dispatch.Dispatcher
	EventLog   *eventlog.Service
}

// New builds the server and registers all routes.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "api"))

	s := &Server{
		engine: engine,
		logger: log.WithFields(zap.String("component", "api")),
	}

	handler := newHandler(deps, s.logger)
	registerRoutes(engine, handler, cfg)

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func registerRoutes(engine *gin.Engine, h *handler, cfg Config) {
	engine.GET("/health", h.health)

	root := engine.Group("/")
	if cfg.AuthEnabled {
		root.Use(httpmw.VerifierAuth(cfg.VerifierURL))
	}

	root.POST("/runs", h.createRun)
	root.GET("/runs/:id", h.getRun)
	root.POST("/runs/:id/stop", h.stopRun)

	root.GET("/sessions", h.listSessions)
	root.GET("/sessions/:id", h.getSession)
	root.GET("/sessions/:id/result", h.sessionResult)
	root.GET("/sessions/:id/events", h.sessionEvents)
	root.GET("/sessions/:id/stream", h.streamSession)

	root.GET("/agents", h.listAgents)
	root.POST("/agents", h.createAgent)
	root.GET("/agents/:name", h.getAgent)
	root.PUT("/agents/:name", h.updateAgent)
	root.DELETE("/agents/:name", h.deleteAgent)

	root.GET("/mcp-servers", h.listMCPServers)
	root.PUT("/mcp-servers/:id", h.putMCPServer)

	runner := root.Group("/runner")
	runner.POST("/register", h.registerRunner)
	runner.POST("/unregister", h.unregisterRunner)
	runner.POST("/heartbeat", h.heartbeat)
	runner.GET("/runs", h.claimRun)
	runner.POST("/runs/:id/running", h.runRunning)
	runner.POST("/runs/:id/completed", h.runCompleted)
	runner.POST("/runs/:id/failed", h.runFailed)
	runner.POST("/runs/:id/stopped", h.runStopped)

	root.POST("/events", h.appendEvent)

	root.GET("/runners", h.listRunners)
	root.GET("/status", h.status)
}
