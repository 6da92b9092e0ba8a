// Package server provides the HTTP API server for the consolidation planner.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/auth"
	"github.com/virtpack/virtpack/internal/config"
	"github.com/virtpack/virtpack/internal/inventory"
	"github.com/virtpack/virtpack/internal/planner"
	"github.com/virtpack/virtpack/internal/repository/etcd"
	"github.com/virtpack/virtpack/internal/repository/memory"
	"github.com/virtpack/virtpack/internal/repository/postgres"
	"github.com/virtpack/virtpack/internal/repository/redis"
	"github.com/virtpack/virtpack/internal/server/middleware"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Repository interfaces (abstracted for swappable backends)
	nodeRepo planner.NodeRepository
	vmRepo   planner.VMRepository
	planRepo planner.PlanRepository

	// Services
	planner    *planner.Service
	jwtManager *auth.JWTManager

	// Leader election (for HA)
	leader *etcd.Leader
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the plan store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis caching.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for distributed coordination.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.initRepositories()
	s.initServices()
	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL plan store")
		s.planRepo = postgres.NewPlanRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory plan store")
		s.planRepo = memory.NewPlanRepository()
	}

	// Inventory arrives from datasets and the API, so it stays in memory.
	s.nodeRepo = memory.NewNodeRepository()
	s.vmRepo = memory.NewVMRepository()

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initServices initializes business logic services.
func (s *Server) initServices() {
	s.jwtManager = auth.NewJWTManager(s.config.Auth)

	var cache planner.PlanCache
	if s.cache != nil {
		cache = s.cache
	}
	var recorder planner.RunRecorder
	if s.etcd != nil {
		recorder = &etcdRecorder{client: s.etcd}
	}

	s.planner = planner.NewService(
		s.config.Planner,
		s.config.Consolidator,
		s.nodeRepo,
		s.vmRepo,
		s.planRepo,
		cache,
		recorder,
		&serverLeaderChecker{s: s},
		s.logger,
	)

	s.logger.Info("Services initialized",
		zap.Float64("sample_ratio", s.config.Consolidator.SampleRatio),
		zap.Int("max_attempts", s.config.Consolidator.MaxAttempts),
		zap.String("target_policy", s.config.Consolidator.TargetPolicy),
	)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler) // Kubernetes-style endpoint
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	// API info
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// Plans and consolidation runs
	planHandler := NewPlanRestHandler(s.planner, s.logger)
	s.mux.Handle("/api/plans", planHandler)
	s.mux.Handle("/api/plans/", planHandler)
	s.mux.Handle("/api/consolidations", planHandler)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	authMiddleware := middleware.NewAuth(s.jwtManager, s.logger)

	handler = authMiddleware.Wrap(handler)
	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/healthz" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"virtpack-consolidator"}`)
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ready":true,"components":%s}`, toJSON(details))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"ready":false,"components":%s}`, toJSON(details))
	}
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name": "VirtPack Consolidator",
		"version": "0.1.0",
		"api_version": "v1",
		"description": "Robust VM consolidation planner",
		"infrastructure": {
			"postgres": %t,
			"redis": %t,
			"etcd": %t
		}
	}`, s.db != nil, s.cache != nil, s.etcd != nil)
}

// LoadDataset seeds the inventory repositories from a dataset file.
func (s *Server) LoadDataset(ctx context.Context, path string) error {
	ds, err := inventory.Load(path)
	if err != nil {
		return err
	}
	nodes, vms, err := ds.Materialize()
	if err != nil {
		return err
	}
	if err := s.nodeRepo.ReplaceAll(ctx, nodes); err != nil {
		return err
	}
	if err := s.vmRepo.ReplaceAll(ctx, vms); err != nil {
		return err
	}
	s.logger.Info("Inventory loaded",
		zap.String("dataset", path),
		zap.Int("nodes", len(nodes)),
		zap.Int("vms", len(vms)),
	)
	return nil
}

// Run starts the HTTP server and the planner loop, blocking until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	// Start leader election if etcd is available
	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, "consolidator", func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader = leader
		}
	}

	// Planner loop runs on every instance; analysis passes are leader-gated.
	go s.planner.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// Planner returns the planner service.
func (s *Server) Planner() *planner.Service {
	return s.planner
}

// serverLeaderChecker reports leadership status. Without etcd every instance
// is its own leader.
type serverLeaderChecker struct {
	s *Server
}

func (c *serverLeaderChecker) IsLeader() bool {
	if c.s.leader == nil {
		return true
	}
	return c.s.leader.IsLeader()
}

// etcdRecorder adapts the etcd client to the planner's run bookkeeping.
type etcdRecorder struct {
	client *etcd.Client
}

func (r *etcdRecorder) RecordLastRun(ctx context.Context, planID string, nodesFreed int) error {
	return r.client.RecordLastRun(ctx, etcd.RunRecord{
		PlanID:     planID,
		NodesFreed: nodesFreed,
		FinishedAt: time.Now(),
	})
}

// toJSON converts a map to JSON string.
func toJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	result := "{"
	first := true
	for k, v := range m {
		if !first {
			result += ","
		}
		result += fmt.Sprintf(`"%s":"%s"`, k, v)
		first = false
	}
	result += "}"
	return result
}
