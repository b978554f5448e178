package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	api "github.com/GriffinCanCode/nighthost/backend/internal/api/http"
	"github.com/GriffinCanCode/nighthost/backend/internal/api/middleware"
	"github.com/GriffinCanCode/nighthost/backend/internal/api/ws"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/image"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/lifecycle"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/logstream"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/sandbox"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/nighthost/backend/internal/events"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/nighthost/backend/internal/sandbox/docker"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	http      *http.Server
	manager   *lifecycle.Manager
	registry  *identity.Registry
	hub       *logstream.Hub
	stream    *ws.Handler
	docker    *docker.Driver
	publisher *events.Publisher
	logger    *zap.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing NightHost server",
		zap.String("port", cfg.Server.Port),
		zap.String("upload_dir", cfg.Storage.UploadDir),
		zap.String("sandbox_driver", cfg.Sandbox.Driver),
	)

	// Metrics first, other components report into them
	metrics := monitoring.NewMetrics()

	registry := identity.NewRegistry(cfg.Storage.UploadDir)
	hub := logstream.NewHub(registry, logger).WithRecorder(metrics)

	store, err := workspace.NewStore(registry, workspace.Config{
		MaxBytes: cfg.Storage.MaxBytes,
		Allowed:  cfg.Storage.Allowed,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload store: %w", err)
	}

	runtimes, err := loadRuntimes(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	dockerDriver, err := selectDriver(cfg.Sandbox.Driver, logger)
	if err != nil {
		return nil, err
	}

	// Typed nils must not reach the manager, it checks for a nil interface
	var (
		driver sandbox.Driver
		images lifecycle.ImageEnsurer
	)
	if dockerDriver != nil {
		driver = dockerDriver
		images = image.NewResolver(dockerDriver, cfg.Sandbox.PullTimeout, logger).WithRecorder(metrics)
	}

	manager := lifecycle.NewManager(registry, driver, images, hub, lifecycle.Config{
		Runtimes: runtimes,
		Limits: sandbox.Limits{
			MemoryBytes: cfg.Sandbox.MemoryBytes(),
			NanoCPUs:    cfg.Sandbox.NanoCPUs(),
			PidsLimit:   cfg.Sandbox.PidsLimit,
			NetworkMode: cfg.Sandbox.Network,
		},
		StopGrace:    cfg.Sandbox.StopGrace,
		RestartDelay: cfg.Sandbox.RestartDelay,
		MountTarget:  lifecycle.DefaultConfig().MountTarget,
		BaseEnv:      lifecycle.DefaultConfig().BaseEnv,
	}, logger).WithMetrics(metrics)

	var publisher *events.Publisher
	if cfg.Events.NATSURL != "" {
		publisher, err = events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			logger.Warn("Lifecycle events disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			manager.WithEvents(publisher)
			logger.Info("Publishing lifecycle events", zap.String("subject", cfg.Events.Subject))
		}
	}

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(limits))
	}

	wsHandler := ws.NewHandler(hub, logger).WithMetrics(metrics)
	handlers := api.NewHandlers(manager, registry, store, metrics, logger).
		WithPort(cfg.Server.Port).
		WithUploadLimit(cfg.Storage.MaxBytes).
		WithStream(wsHandler.HandleConnection)

	// Register routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	apiGroup := router.Group("/api")
	apiGroup.POST("/create", handlers.Create)
	apiGroup.POST("/upload", handlers.Upload)
	apiGroup.GET("/files", handlers.Files)
	apiGroup.POST("/action", handlers.Action)
	apiGroup.GET("/status", handlers.Status)
	apiGroup.GET("/servers", handlers.ListServers)

	// WebSocket
	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/stream", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully", zap.Bool("simulated", manager.Simulated()))

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		manager:   manager,
		registry:  registry,
		hub:       hub,
		stream:    wsHandler,
		docker:    dockerDriver,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until it stops. A clean shutdown
// through Close returns nil.
func (s *Server) Run() error {
	addr := s.http.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, s.config.Server.MaxConns)

	s.logger.Info("Starting HTTP server", zap.String("addr", addr), zap.Int("max_conns", s.config.Server.MaxConns))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop HTTP server", zap.Error(err))
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}
	// Hijacked WebSocket connections outlive http.Server.Shutdown
	s.stream.Close()

	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Error("Sandboxes did not stop in time", zap.Error(err))
		errs = append(errs, fmt.Errorf("failed to stop sandboxes: %w", err))
	}
	s.hub.Close()

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Failed to drain event publisher", zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}
	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Error("Failed to close docker client", zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
		}
		s.logger.Info("Closed docker connection")
	}

	// Sync logger before exit
	_ = s.logger.Sync()

	return errors.Join(errs...)
}

// selectDriver connects to Docker as configured. Auto mode falls back to
// simulated mode when the daemon is unreachable; a nil driver means simulated.
func selectDriver(mode string, logger *zap.Logger) (*docker.Driver, error) {
	mode = strings.ToLower(mode)
	if mode == config.DriverSimulated {
		logger.Warn("Sandbox driver set to simulated, bots will not run")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := docker.NewFromEnv(ctx, logger)
	if err == nil {
		logger.Info("Connected to docker daemon")
		return d, nil
	}
	if mode == config.DriverDocker {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	logger.Warn("Docker unavailable, running in simulated mode", zap.Error(err))
	return nil, nil
}

func loadRuntimes(cfg config.SandboxConfig) (lifecycle.Runtimes, error) {
	runtimes := lifecycle.DefaultRuntimes()
	if cfg.RuntimesFile != "" {
		loaded, err := lifecycle.LoadRuntimes(cfg.RuntimesFile)
		if err != nil {
			return nil, err
		}
		runtimes = loaded
	}
	return runtimes.
		WithImage(identity.RuntimePython, cfg.PythonImage).
		WithImage(identity.RuntimeJavaScript, cfg.NodeImage), nil
}
