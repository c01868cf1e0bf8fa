// Package server is the dispatcher API: RPC-style JSON endpoints for task
// creation, leasing, progress and asset reporting, chat, and login, plus the
// artifact download and metrics side-surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"sandbox/internal/artifact"
	"sandbox/internal/auth"
	"sandbox/internal/config"
	"sandbox/internal/logging"
	"sandbox/internal/metrics"
	"sandbox/internal/scheduler"
	"sandbox/internal/store"
)

// Deps collects everything the server needs. Auth fields may be nil in dev
// mode; the affected realms then reject every request.
type Deps struct {
	Store     store.Store
	Artifacts artifact.Store
	Issuer    *auth.TokenIssuer
	Verifier  *auth.TokenVerifier
	Workers   *auth.WorkerAuthenticator
	OAuth     *auth.GoogleOAuth
	Metrics   *metrics.Metrics
	Scheduler scheduler.Scheduler
}

type Server struct {
	cfg        config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server
	deps       Deps
	logger     logging.Logger
}

func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server requires a task store")
	}
	if deps.Artifacts == nil {
		return nil, fmt.Errorf("server requires an artifact store")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", headerAccessToken, headerWorkerID}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		engine: engine,
		deps:   deps,
		logger: logging.NewComponentLogger("Server"),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	rpc := s.engine.Group("/v1/rpc")
	rpc.POST("/CreateTask", s.userAuth(false), s.handleCreateTask)
	rpc.POST("/GetTask", s.handleGetTask)
	rpc.POST("/GetAllTasks", s.userAuth(true), s.handleGetAllTasks)
	rpc.POST("/GetChatMessages", s.handleGetChatMessages)
	rpc.POST("/AddChatUserMessage", s.userAuth(true), s.handleAddChatUserMessage)
	rpc.POST("/OAuthLogin", s.handleOAuthLogin)

	rpc.POST("/GetTaskToRun", s.workerAuth(), s.handleGetTaskToRun)
	rpc.POST("/UpdateTaskStatus", s.workerAuth(), s.handleUpdateTaskStatus)
	rpc.POST("/CreateTaskAsset", s.workerAuth(), s.handleCreateTaskAsset)
	rpc.POST("/AddChatAssistantMessage", s.workerAuth(), s.handleAddChatAssistantMessage)

	s.engine.GET("/v1/storage/:asset_id", s.handleGetArtifact)
	s.engine.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{},
		)))
	}
}

// Engine exposes the router for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the context is cancelled, then drains with a timeout.
// The metrics sampler and push loop run alongside when configured.
func (s *Server) Run(ctx context.Context, pushCfg config.MetricsPushConfig) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("Listening on %s", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if s.deps.Metrics != nil {
		group.Go(func() error {
			s.deps.Metrics.RunSampler(ctx, s.deps.Store)
			return nil
		})
		if pushCfg.Enabled {
			pusher := metrics.NewPusher(s.deps.Metrics, pushCfg)
			group.Go(func() error {
				pusher.Run(ctx)
				return nil
			})
		}
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
