// Package server wires the decision engine together and serves its HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/sentrapay/fraud-engine/internal/circuitbreaker"
	"github.com/sentrapay/fraud-engine/internal/config"
	"github.com/sentrapay/fraud-engine/internal/detectors"
	"github.com/sentrapay/fraud-engine/internal/engine"
	"github.com/sentrapay/fraud-engine/internal/evidence"
	"github.com/sentrapay/fraud-engine/internal/features"
	"github.com/sentrapay/fraud-engine/internal/health"
	"github.com/sentrapay/fraud-engine/internal/logging"
	"github.com/sentrapay/fraud-engine/internal/metrics"
	"github.com/sentrapay/fraud-engine/internal/policy"
	"github.com/sentrapay/fraud-engine/internal/ratelimit"
	"github.com/sentrapay/fraud-engine/internal/traces"
	"github.com/sentrapay/fraud-engine/internal/validation"
)

// Server owns every component of the decision engine and their lifecycles.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	featureStore  features.Store
	cachedStore   *features.CachedStore
	redisStore    *features.RedisStore
	policyEngine  *policy.Engine
	evidenceStore evidence.Store
	kafkaSink     *evidence.KafkaSink
	recorder      *evidence.Recorder
	orchestrator  *engine.Orchestrator
	monitor       *health.Monitor
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter

	db             *sql.DB // nil if using in-memory stores
	router         *gin.Engine
	httpSrv        *http.Server
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithFeatureStore overrides the feature store (for testing).
func WithFeatureStore(store features.Store) Option {
	return func(s *Server) {
		s.featureStore = store
	}
}

// New creates a server instance with all stores and the decision pipeline
// wired up. Postgres, Redis and Kafka are each optional; anything not
// configured falls back to an in-memory equivalent suitable for demos and
// tests.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, "json"),
		monitor: health.NewMonitor(),
		checks:  health.NewRegistry(),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres for policy history and evidence when configured.
	var policyStore policy.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgPolicy := policy.NewPostgresStore(db)
		if err := pgPolicy.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate policy store", "error", err)
		}
		policyStore = pgPolicy

		pgEvidence := evidence.NewPostgresStore(db)
		if err := pgEvidence.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate evidence store", "error", err)
		}
		s.evidenceStore = pgEvidence

		s.checks.Register("postgres", func(ctx context.Context) health.CheckResult {
			if err := db.PingContext(ctx); err != nil {
				return health.CheckResult{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.CheckResult{Name: "postgres", Healthy: true}
		})
	} else {
		policyStore = policy.NewMemoryStore()
		s.evidenceStore = evidence.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Feature store: Redis when configured, process-local otherwise. Either
	// way it is wrapped with the circuit breaker and stale-cache fallback so
	// a store outage degrades decisions instead of failing them.
	if s.featureStore == nil {
		var inner features.Store
		if cfg.RedisURL != "" {
			rs, err := features.NewRedisStore(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			if err := rs.Ping(ctx); err != nil {
				return nil, fmt.Errorf("failed to ping redis: %w", err)
			}
			s.redisStore = rs
			inner = rs
			s.logger.Info("using Redis feature store")
			s.checks.Register("redis", func(ctx context.Context) health.CheckResult {
				if err := rs.Ping(ctx); err != nil {
					return health.CheckResult{Name: "redis", Healthy: false, Detail: err.Error()}
				}
				return health.CheckResult{Name: "redis", Healthy: true}
			})
		} else {
			inner = features.NewMemoryStore()
			s.logger.Info("using in-memory feature store (set REDIS_URL for shared counters)")
		}
		breaker := circuitbreaker.New(5, 30*time.Second)
		s.cachedStore = features.NewCachedStore(inner, cfg.FeatureTimeout, breaker, s.monitor)
		s.featureStore = s.cachedStore
	}

	// Evidence pipeline.
	var sinks []evidence.Sink
	if len(cfg.KafkaBrokers) > 0 {
		s.kafkaSink = evidence.NewKafkaSink(cfg.KafkaBrokers, cfg.EvidenceTopic)
		sinks = append(sinks, s.kafkaSink)
		s.logger.Info("publishing evidence to Kafka", "topic", cfg.EvidenceTopic)
	}
	s.recorder = evidence.NewRecorder(s.evidenceStore, sinks...)

	// Policy engine.
	s.policyEngine = policy.NewEngine(policyStore, cfg.PolicyFile)
	if _, err := s.policyEngine.Bootstrap(logging.WithLogger(ctx, s.logger)); err != nil {
		return nil, fmt.Errorf("failed to bootstrap policy: %w", err)
	}

	// Decision pipeline.
	s.orchestrator = engine.New(engine.Options{
		Features:        s.featureStore,
		Registry:        detectors.DefaultRegistry(s.policyEngine.Active().Weights()),
		Policy:          s.policyEngine,
		Recorder:        s.recorder,
		Monitor:         s.monitor,
		Budget:          cfg.DecisionBudget,
		DetectorTimeout: cfg.DetectorTimeout,
	})

	// HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limCfg := ratelimit.DefaultConfig()
	limCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.POST("/decide", s.decideHandler)
	s.router.GET("/decisions/:txId", s.decisionLookupHandler)

	policy.NewHandler(s.policyEngine, s.cfg.AdminSecret).RegisterRoutes(s.router.Group("/"))

	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
}

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal, a server error, or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"policy_version", s.policyEngine.Active().ID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.recorder.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and flushes the evidence queue.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	// Stop the recorder before cancelling its context so queued evidence
	// drains rather than drops. The wait is bounded by the shutdown deadline;
	// a store outage must not wedge shutdown.
	s.recorder.Stop()
	for s.recorder.Running() {
		if ctx.Err() != nil {
			s.logger.Warn("evidence drain did not finish before shutdown deadline")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if dropped := s.recorder.Dropped(); dropped > 0 {
		s.logger.Warn("evidence records dropped during lifetime", "count", dropped)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.cachedStore != nil {
		s.cachedStore.Stop()
	}

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
