package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kacperjurak/emfit/pkg/config"
	"github.com/kacperjurak/emfit/pkg/handlers"
	"github.com/kacperjurak/emfit/pkg/models"
	"github.com/kacperjurak/emfit/pkg/profiling"
)

// Server represents the HTTP server with all dependencies
type Server struct {
	config       *config.Config
	serverConfig *config.ServerConfig
	log          *slog.Logger
	analyses     *handlers.AnalysisHandler
	profiler     *profiling.Profiler
	router       *gin.Engine
	httpServer   *http.Server
}

// Options holds configuration for creating a new server
type Options struct {
	Config       *config.Config
	ServerConfig *config.ServerConfig
	Runner       handlers.Runner
	Store        handlers.Store
	Notifier     handlers.Notifier
	Logger       *slog.Logger
}

// New creates a new server instance
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.ServerConfig == nil {
		opts.ServerConfig = config.DefaultServerConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		config:       opts.Config,
		serverConfig: opts.ServerConfig,
		log:          opts.Logger,
		profiler:     profiling.New(opts.ServerConfig, opts.Logger),
		analyses: handlers.NewAnalysisHandler(handlers.Options{
			Config:      opts.Config,
			Runner:      opts.Runner,
			Store:       opts.Store,
			Notifier:    opts.Notifier,
			Concurrency: opts.ServerConfig.WorkerCount,
			Timeout:     opts.ServerConfig.RequestTimeout,
			Logger:      opts.Logger,
		}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("emfit"))
	r.Use(profiling.Middleware(s.serverConfig.EnableProfiling, s.log))

	r.GET("/health", s.healthHandler)
	r.POST("/debug/gc", s.gcHandler)
	if s.serverConfig.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	s.analyses.Register(r)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + s.serverConfig.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Running:   s.analyses.Running(),
	})
}

func (s *Server) gcHandler(c *gin.Context) {
	c.JSON(http.StatusOK, profiling.ForceGC())
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	if err := s.profiler.Start(); err != nil {
		s.log.Error("failed to start profiler", "error", err)
	}

	s.log.Info("starting HTTP server",
		"port", s.serverConfig.Port,
		"workers", s.serverConfig.WorkerCount,
		"metrics", s.serverConfig.EnableMetrics,
	)
	for _, ri := range s.router.Routes() {
		s.log.Debug("route", "method", ri.Method, "path", ri.Path)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels running analyses and waits
// for them until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := s.analyses.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("analyses: %w", err))
	}
	if err := s.profiler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("server shutdown complete")
	return nil
}
