// Package server exposes the agent orchestration API over HTTP: REST
// endpoints for instructions, cancellation, projects, and history, plus SSE
// and WebSocket stream transports.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentd/internal/agent"
	"agentd/internal/config"
	"agentd/internal/logging"
	"agentd/internal/storage"
	"agentd/internal/stream"
)

// Server wires the chat service, stream manager, and store into an HTTP API.
type Server struct {
	chat    *agent.ChatService
	streams *stream.Manager
	store   *storage.Store
	logger  logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, chat *agent.ChatService, streams *stream.Manager, store *storage.Store, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		chat:    chat,
		streams: streams,
		store:   store,
		logger:  logging.OrNop(logger),
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	// WriteTimeout defaults to 0: SSE and WebSocket connections are
	// long-lived and must not be cut by the server.
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")

	agentGroup := api.Group("/agent")
	{
		agentGroup.GET("/engines", s.handleListEngines)

		chat := agentGroup.Group("/chat/:sessionId")
		{
			chat.POST("/act", s.handleAct)
			chat.DELETE("/cancel/:requestId", s.handleCancelOne)
			chat.DELETE("/cancel", s.handleCancelAll)
			chat.GET("/running", s.handleRunning)
			chat.GET("/stream", s.handleSSE)
			chat.GET("/ws", s.handleWebSocket)
		}
	}

	projects := api.Group("/projects")
	{
		projects.GET("", s.handleListProjects)
		projects.POST("", s.handleCreateProject)
		projects.GET("/:id", s.handleGetProject)
		projects.PUT("/:id", s.handleUpdateProject)
		projects.DELETE("/:id", s.handleDeleteProject)
	}

	sessions := api.Group("/sessions/:sessionId")
	{
		sessions.GET("/messages", s.handleListMessages)
		sessions.DELETE("/messages", s.handleDeleteMessages)
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"subscribers":   s.streams.SubscriberCount(""),
	})
}
