package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/a2a"
	"github.com/BaSui01/agentorch/backend"
	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/handoff"
	"github.com/BaSui01/agentorch/internal/database"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/internal/server"
	"github.com/BaSui01/agentorch/internal/telemetry"
	"github.com/BaSui01/agentorch/orchestration"
	"github.com/BaSui01/agentorch/persistence"
	"github.com/BaSui01/agentorch/registry"
	"github.com/BaSui01/agentorch/router"
	"github.com/BaSui01/agentorch/scheduler"
	"github.com/BaSui01/agentorch/streaming"
)

// store is what every persistence backend provides.
type store interface {
	persistence.TaskRepository
	persistence.ConversationRepository
}

type pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server owns every component of a running agentorch process.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	telemetry *telemetry.Providers
	redis     *redis.Client
	dbPool    *database.PoolManager
	store     store

	metrics   *metrics.Collector
	backend   backend.ExecutionBackend
	scheduler *scheduler.AgentScheduler
	tasks     *router.TaskRouter
	registry  *registry.MemoryRegistry
	handoffs  *handoff.Manager
	hub       *streaming.ChannelHub
	orch      *orchestration.Manager

	httpManager *server.Manager

	closeOnce sync.Once
	closeErr  error
}

// NewServer wires all components from cfg. Metrics register on reg and are
// served from gatherer.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, gatherer: gatherer}
	if err := s.init(ctx, reg); err != nil {
		if cerr := s.close(ctx); cerr != nil {
			logger.Warn("cleanup after failed start", zap.Error(cerr))
		}
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context, reg prometheus.Registerer) error {
	var err error

	// 1. 遥测
	s.telemetry, err = telemetry.Init(ctx, s.cfg.Telemetry, s.logger,
		telemetry.BackendKey.String(s.cfg.Backend.Type),
		telemetry.StoreKey.String(s.cfg.Persistence.Store))
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, continuing without it", zap.Error(err))
	}

	// 2. 指标
	s.metrics = metrics.NewCollector(s.cfg.Metrics.Namespace, reg, s.logger)

	// 3. 持久化
	if err := s.initStore(ctx); err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}

	// 4. 执行后端
	if err := s.initBackend(ctx); err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	// 5. 核心组件
	s.tasks = router.New(
		router.WithRepository(s.store),
		router.WithMetrics(s.metrics),
		router.WithLogger(s.logger))
	s.scheduler = scheduler.New(scheduler.FromConfig(s.cfg.Scheduler), s.backend,
		scheduler.WithTracker(s.tasks),
		scheduler.WithMetrics(s.metrics),
		scheduler.WithLogger(s.logger))
	s.registry = registry.NewMemoryRegistry(s.logger)
	s.handoffs = handoff.NewManager(
		handoff.WithRepository(s.store),
		handoff.WithRegistry(s.registry),
		handoff.WithMetrics(s.metrics),
		handoff.WithLogger(s.logger))

	// 6. 远程 agent
	clientCfg := a2a.DefaultClientConfig()
	if s.cfg.A2A.Timeout > 0 {
		clientCfg.Timeout = s.cfg.A2A.Timeout
	}
	client := a2a.NewHTTPClient(clientCfg, s.registry, s.logger)
	s.registerRemoteAgents(ctx, client)

	orchCfg := orchestration.ConfigFrom(s.cfg.Orchestration)
	invoker := &orchestration.Router{Default: a2a.NewInvoker(client, "orchestrator", s.logger)}
	s.orch, err = orchestration.NewManager(orchCfg, s.tasks, s.scheduler, invoker,
		orchestration.WithRegistry(s.registry),
		orchestration.WithHandoff(s.handoffs),
		orchestration.WithMetrics(s.metrics),
		orchestration.WithLogger(s.logger))
	if err != nil {
		return err
	}

	// 7. 流
	s.hub = streaming.NewChannelHub(64)
	return nil
}

func (s *Server) initStore(ctx context.Context) error {
	switch s.cfg.Persistence.Store {
	case "redis":
		if err := s.connectRedis(ctx); err != nil {
			return err
		}
		s.store = persistence.NewRedisStore(s.redis, s.cfg.Persistence.Prefix, s.cfg.Persistence.TTL, s.logger)
	case "database":
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.dbPool, err = database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger)
		if err != nil {
			return err
		}
		dbStore, err := persistence.NewDatabaseStore(s.dbPool, s.logger)
		if err != nil {
			return err
		}
		s.store = dbStore
	default:
		s.store = persistence.NewMemoryStore()
	}
	s.logger.Info("persistence ready", zap.String("store", s.cfg.Persistence.Store))
	return nil
}

func (s *Server) initBackend(ctx context.Context) error {
	switch s.cfg.Backend.Type {
	case "durable":
		if err := s.connectRedis(ctx); err != nil {
			return err
		}
		durable := backend.DefaultDurableConfig()
		if s.cfg.Backend.Prefix != "" {
			durable.Prefix = s.cfg.Backend.Prefix
		}
		durable.Retention = s.cfg.Backend.Retention
		durable.MaxTimeout = s.cfg.Backend.MaxTimeout
		durable.InitialBackoff = s.cfg.Scheduler.InitialBackoff
		durable.MaxBackoff = s.cfg.Scheduler.MaxBackoff
		s.backend = backend.NewDurableBackend(s.redis, durable, s.logger)
	default:
		s.backend = backend.NewInProcessBackend(s.logger)
	}
	s.logger.Info("execution backend ready", zap.String("backend", s.backend.Name()))
	return nil
}

// connectRedis opens the shared client once.
func (s *Server) connectRedis(ctx context.Context) error {
	if s.redis != nil {
		return nil
	}
	rc := s.cfg.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis %s: %w", rc.Addr, err)
	}
	s.redis = client
	return nil
}

// registerRemoteAgents registers the configured endpoints and enriches each
// with its AgentCard when the agent answers discovery.
func (s *Server) registerRemoteAgents(ctx context.Context, client *a2a.HTTPClient) {
	for id, endpoint := range s.cfg.A2A.Agents {
		identity := &registry.AgentIdentity{ID: id, Name: id, Kind: registry.KindRemote, Endpoint: endpoint}
		if card, err := client.Discover(ctx, endpoint); err != nil {
			s.logger.Warn("agent discovery failed, registering endpoint only",
				zap.String("agent_id", id), zap.String("endpoint", endpoint), zap.Error(err))
		} else {
			identity = card.Identity(id)
			identity.Endpoint = endpoint
		}
		if err := s.registry.Register(ctx, identity); err != nil {
			s.logger.Warn("failed to register remote agent", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// Handler builds the HTTP handler with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	api := &apiHandler{
		orch:     s.orch,
		tasks:    s.tasks,
		repo:     s.store,
		handoffs: s.handoffs,
		hub:      s.hub,
		sources: &agentSources{
			registry: s.registry,
			local:    s.hub,
			remote:   &streaming.WebSocketFactory{Registry: s.registry, Logger: s.logger},
		},
		metrics: s.metrics,
		logger:  s.logger.With(zap.String("component", "api")),
	}
	api.register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(s.metrics),
		RequestLogger(s.logger),
	)
}

// Start begins serving HTTP in the background.
func (s *Server) Start() error {
	s.httpManager = server.NewManager(s.Handler(), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

// Wait blocks until ctx is done or the HTTP server fails.
func (s *Server) Wait(ctx context.Context) error {
	if s.httpManager == nil {
		<-ctx.Done()
		return nil
	}
	return s.httpManager.Wait(ctx)
}

// Shutdown stops accepting requests, then closes components in reverse
// order of construction.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")
	var errs []error
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if err := s.close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}

// close releases components in reverse dependency order. Each resource is
// closed by the code that created it, once.
func (s *Server) close(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.closeComponents(ctx) })
	return s.closeErr
}

func (s *Server) closeComponents(ctx context.Context) error {
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the persistence store is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	stats := s.scheduler.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"store":     s.cfg.Persistence.Store,
		"backend":   s.backend.Name(),
		"scheduler": stats,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// agentSources opens stream sources: remote agents over websocket, everything
// else from the in-process hub.
type agentSources struct {
	registry registry.AgentRegistry
	local    *streaming.ChannelHub
	remote   *streaming.WebSocketFactory
}

func (a *agentSources) Open(ctx context.Context, conversationID, agentID string) (streaming.EventSource, error) {
	if identity, err := a.registry.Lookup(ctx, agentID); err == nil && identity.Kind == registry.KindRemote {
		return a.remote.Open(ctx, conversationID, agentID)
	}
	return a.local.Open(ctx, conversationID, agentID)
}
