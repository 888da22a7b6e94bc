// Package server wires escrowd's components and serves the HTTP API.
package server

import (
	"context"
	"database/sql"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/oracle"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reconciliation"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/watcher"
	"github.com/mbd888/escrowd/migrations"
)

// DevCustodyAddress is the custody address of the in-memory network used in
// development when no PRIVATE_KEY is configured.
const DevCustodyAddress = "0x00000000000000000000000000000000e5c70d00"

// devJWTSecret signs tokens in development when JWT_SECRET is unset.
// config.Validate rejects an empty secret in every other environment.
const devJWTSecret = "escrowd-development-secret-not-for-production"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB       // nil when using memory stores
	redis *redis.Client // nil without REDIS_URL

	chain    chain.Client
	devChain *chain.MemoryNetwork // set when running on the in-memory network
	closers  []func() error

	ledger        *ledger.Ledger
	escrowStore   escrow.Store
	escrowService *escrow.Service
	records       settlement.RecordStore
	payer         *settlement.Payer
	verifier      *settlement.Verifier

	runs            oracle.RunStore
	engine          *oracle.Engine
	scheduler       *oracle.Scheduler
	watcher         *watcher.Watcher
	solvency        *reconciliation.Service
	solvencyMonitor *reconciliation.Monitor
	telemetry       *health.Telemetry
	checks          *health.Registry

	hub         *realtime.Hub
	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc
	shutdownTracing func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChain injects a settlement network client (tests).
func WithChain(c chain.Client) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initChain(); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.initServices(); err != nil {
		s.closeAll()
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	metrics.SetBuildInfo(Version, cfg.Env)
	s.healthy.Store(true)
	return s, nil
}

// initStorage opens PostgreSQL and applies migrations when DATABASE_URL is
// set, and connects redis when REDIS_URL is set.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db, s.logger); err != nil {
			_ = db.Close()
			return err
		}

		s.db = db
		s.closers = append(s.closers, db.Close)
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.ledger = ledger.New(ledger.NewPostgresStore(db))
		s.escrowStore = escrow.NewPostgresStore(db)
		s.records = settlement.NewPostgresStore(db)
		s.runs = oracle.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.escrowStore = escrow.NewMemoryStore()
		s.records = settlement.NewMemoryStore()
		s.runs = oracle.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.closers = append(s.closers, s.redis.Close)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable at startup", "error", err)
		}
	}
	return nil
}

func (s *Server) initChain() error {
	if s.chain != nil {
		return nil
	}
	if s.cfg.PrivateKey == "" {
		s.devChain = chain.NewMemoryNetwork(DevCustodyAddress, chain.WithAutoConfirm())
		s.chain = s.devChain
		s.logger.Warn("no PRIVATE_KEY: settling on the in-memory network", "custody", DevCustodyAddress)
		return nil
	}

	c, err := chain.NewEVMClient(chain.EVMConfig{
		RPCURL:        s.cfg.RPCURL,
		PrivateKey:    s.cfg.PrivateKey,
		ChainID:       s.cfg.ChainID,
		TokenContract: s.cfg.USDCContract,
	})
	if err != nil {
		return fmt.Errorf("failed to create settlement client: %w", err)
	}
	s.chain = c
	s.closers = append(s.closers, c.Close)
	s.logger.Info("settlement network configured",
		"custody", c.CustodyAddress(),
		"chainId", s.cfg.ChainID,
		"token", s.cfg.USDCContract,
	)
	return nil
}

func (s *Server) initServices() error {
	policy, err := s.cfg.FeePolicy()
	if err != nil {
		return err
	}
	custody := s.chain.CustodyAddress()

	s.hub = realtime.NewHub(s.logger)
	secret := s.cfg.JWTSecret
	if secret == "" {
		secret = devJWTSecret
		s.logger.Warn("JWT_SECRET unset: using the development signing secret")
	}
	s.authMgr = auth.NewManager(secret, s.cfg.JWTTTL)

	s.payer = settlement.NewPayer(s.chain, s.ledger, s.records, s.logger)
	s.escrowService = escrow.NewService(s.escrowStore, s.ledger, s.payer, custody, s.logger).
		WithFeePolicy(policy).
		WithConfirmTimeout(s.cfg.ConfirmTimeout).
		WithEvents(s.hub)
	s.verifier = settlement.NewVerifier(s.chain, s.ledger, s.records, s.logger).
		WithEscrow(s.escrowService)

	s.engine = oracle.NewEngine(s.escrowService, s.escrowStore, s.runs, s.logger).
		WithBatchSize(s.cfg.OracleBatchSize).
		WithEvents(s.hub)
	if s.redis != nil {
		s.engine.WithLocker(oracle.NewRedisLocker(s.redis, 0))
		s.logger.Info("oracle runs are single-flight across replicas (redis)")
	}
	s.scheduler = oracle.NewScheduler(s.engine, s.cfg.OracleSchedule, s.logger)
	if err := s.scheduler.Validate(); err != nil {
		return err
	}

	wcfg := watcher.DefaultConfig()
	wcfg.StartBlock = s.cfg.CustodyStartBlock
	s.watcher = watcher.New(s.chain, s.verifier, wcfg, s.logger)

	s.solvency = reconciliation.NewService(s.ledger, s.chain, custody)
	s.solvencyMonitor = reconciliation.NewMonitor(s.solvency, s.logger).WithSchedule(s.cfg.SolvencySchedule)

	s.telemetry = health.NewTelemetry(s.chain, custody, s.runs, s.escrowService).
		WithThresholds(s.cfg.WalletLowThreshold, s.cfg.WalletCriticalThreshold).
		WithSolvency(s.solvency).
		WithPayouts(s.records, s.cfg.PayoutStallAfter)

	s.checks = health.NewRegistry()
	s.checks.Register("settlement_network", health.Ping("settlement_network", func(ctx context.Context) error {
		_, err := s.chain.Head(ctx)
		return err
	}))
	if s.db != nil {
		s.checks.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redis != nil {
		s.checks.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))

	escrowHandler := escrow.NewHandler(s.escrowService, s.verifier)
	settlementHandler := settlement.NewHandler(s.verifier, s.payer, s.cfg.ConfirmTimeout)
	oracleHandler := oracle.NewHandler(s.engine, s.runs)

	// Public reads
	v1.GET("/info", s.infoHandler)
	escrowHandler.RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	oracleHandler.RegisterRoutes(v1)
	health.NewHandler(s.telemetry).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		auth.NewHandler().RegisterRoutes(protected)
		escrowHandler.RegisterProtectedRoutes(protected)
		settlementHandler.RegisterProtectedRoutes(protected)
	}

	operator := v1.Group("")
	operator.Use(auth.RequireOperator())
	{
		escrowHandler.RegisterOperatorRoutes(operator)
		oracleHandler.RegisterOperatorRoutes(operator)
		operator.GET("/solvency", s.solvencyHandler)
		if s.devChain != nil {
			operator.POST("/dev/transfers", s.devTransferHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until a
// signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		Environment: s.cfg.Env,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ConfirmTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "custody", s.chain.CustodyAddress())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startWorkers launches the background loops. Each registers a liveness
// check so /health reports a stopped loop.
func (s *Server) startWorkers(ctx context.Context) {
	go s.hub.Run(ctx)

	go metrics.RunWorker("oracle_scheduler", s.logger, func() error { return s.scheduler.Start(ctx) })
	go metrics.RunWorker("deposit_watcher", s.logger, func() error { return s.watcher.Start(ctx) })
	go metrics.RunWorker("solvency_check", s.logger, func() error { return s.solvencyMonitor.Start(ctx) })

	s.checks.Register("oracle_scheduler", health.Running("oracle_scheduler", s.scheduler.Running))
	s.checks.Register("deposit_watcher", health.Running("deposit_watcher", s.watcher.Running))
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop scheduling before cancelling so in-flight runs finish.
	s.scheduler.Stop()
	s.watcher.Stop()
	s.solvencyMonitor.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(context.Background()); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	s.closeAll()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}
	s.closers = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	return idgen.New()
}
