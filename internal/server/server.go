// Package server wires storage, services and the HTTP API together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/rfqhub/walletd/internal/auth"
	"github.com/rfqhub/walletd/internal/config"
	"github.com/rfqhub/walletd/internal/db"
	"github.com/rfqhub/walletd/internal/escrow"
	"github.com/rfqhub/walletd/internal/gateway"
	"github.com/rfqhub/walletd/internal/health"
	"github.com/rfqhub/walletd/internal/leader"
	"github.com/rfqhub/walletd/internal/logging"
	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/notify"
	"github.com/rfqhub/walletd/internal/ratelimit"
	"github.com/rfqhub/walletd/internal/realtime"
	"github.com/rfqhub/walletd/internal/receipts"
	"github.com/rfqhub/walletd/internal/reconciliation"
	"github.com/rfqhub/walletd/internal/risk"
	"github.com/rfqhub/walletd/internal/security"
	"github.com/rfqhub/walletd/internal/validation"
	"github.com/rfqhub/walletd/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	db    *sqlx.DB      // nil when using in-memory storage
	redis *redis.Client // nil when REDIS_URL is unset

	wallets     *wallet.Service
	escrow      *escrow.Service
	receipts    *receipts.Service
	scheduler   *escrow.Scheduler
	lease       *leader.Lease
	sweeper     *reconciliation.Runner
	sweepTimer  *reconciliation.Timer
	sweepLease  *leader.Lease
	riskEngine  *risk.Engine
	riskStore   risk.Store
	dispatcher  *notify.Dispatcher
	hub         *realtime.Hub
	authMgr     *auth.Manager
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDB supplies an open database instead of dialing DATABASE_URL.
func WithDB(conn *sqlx.DB) Option {
	return func(s *Server) {
		s.db = conn
	}
}

// WithRedis supplies a Redis client instead of dialing REDIS_URL.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers after
// readiness flips.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		version:    "dev",
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledgerStore, holdStore, receiptStore, err := s.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.setupRedis(ctx); err != nil {
		return nil, err
	}

	sinks, err := s.setupSinks()
	if err != nil {
		return nil, err
	}
	s.dispatcher = notify.NewDispatcher(s.logger, sinks...)

	s.wallets = wallet.NewService(ledgerStore, s.logger).
		WithValidator(risk.NewValidator(s.riskEngine)).
		WithGateways(s.setupGateways()).
		WithNotifier(s.dispatcher).
		WithDefaultCountry(cfg.DefaultCountry).
		WithRecentLimit(cfg.RecentTransactions)

	s.receipts = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptSecret), s.logger).
		WithValidity(cfg.ReceiptValidity)
	if !s.receipts.Enabled() {
		s.logger.Warn("settlement receipts disabled (RECEIPT_SIGNING_SECRET not set)")
	}

	s.escrow = escrow.NewService(holdStore, s.wallets, s.logger).
		WithNotifier(s.dispatcher).
		WithReceipts(s.receipts)
	s.wallets.WithHolds(s.escrow)

	s.scheduler = escrow.NewScheduler(s.escrow, s.logger).
		WithInterval(cfg.SchedulerInterval).
		WithBatchSize(cfg.SchedulerBatch)
	if s.redis != nil {
		s.lease = leader.NewLease(s.redis, s.logger).WithTTL(2 * cfg.SchedulerInterval)
		s.scheduler.WithLocker(s.lease)
	}

	s.sweeper = reconciliation.NewRunner(s.wallets, s.escrow, s.logger).
		WithGrace(3 * cfg.SchedulerInterval)
	s.sweepTimer = reconciliation.NewTimer(s.sweeper, s.logger).
		WithInterval(cfg.ReconcileInterval)
	if s.redis != nil {
		s.sweepLease = leader.NewLease(s.redis, s.logger).
			WithKey(leader.ReconcileKey).
			WithTTL(2 * cfg.ReconcileInterval)
		s.sweepTimer.WithLocker(s.sweepLease)
	}

	s.authMgr = auth.NewManager(cfg.JWTSecret)
	if !s.authMgr.Enabled() {
		s.logger.Warn("authentication disabled (AUTH_JWT_SECRET not set)")
	}

	s.setupHealth()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupStorage picks Postgres when a database is configured, otherwise the
// in-memory stores.
func (s *Server) setupStorage(ctx context.Context) (wallet.Store, escrow.Store, receipts.Store, error) {
	if s.db == nil && s.cfg.DatabaseURL != "" {
		conn, err := db.Connect(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		s.db = conn
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.db != nil {
		s.riskStore = risk.NewPostgresStore(s.db.DB)
		s.riskEngine = s.newRiskEngine()
		return wallet.NewPostgresStore(s.db), escrow.NewPostgresStore(s.db), receipts.NewPostgresStore(s.db), nil
	}

	s.logger.Warn("using in-memory storage (data is lost on restart)")
	ledger := wallet.NewMemoryStore()
	s.riskStore = risk.NewMemoryStore()
	s.riskEngine = s.newRiskEngine()
	return ledger, escrow.NewMemoryStore(ledger), receipts.NewMemoryStore(), nil
}

func (s *Server) newRiskEngine() *risk.Engine {
	return risk.NewEngine(s.riskStore, s.logger).
		WithBlockThreshold(s.cfg.RiskBlockThreshold).
		WithMaxAmount(s.cfg.RiskMaxAmount)
}

func (s *Server) setupRedis(ctx context.Context) error {
	if s.redis == nil && s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.redis.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		s.logger.Info("redis connected", "addr", opts.Addr)
	}
	return nil
}

// setupSinks builds the post-commit event fan-out.
func (s *Server) setupSinks() ([]notify.Sink, error) {
	s.hub = realtime.NewHub(s.logger).WithOrigins(s.cfg.CORSOrigins)
	sinks := []notify.Sink{
		notify.NewLogSink(s.logger),
		s.hub,
		risk.NewSink(s.riskEngine),
	}

	if s.cfg.WebhookURL != "" {
		policy := security.ProductionPolicy
		if s.cfg.IsDevelopment() {
			policy = security.EndpointPolicy{AllowPrivate: true}
		}
		if err := policy.Validate(s.cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, notify.NewWebhookSink(s.cfg.WebhookURL, s.cfg.WebhookSecret))
	}
	if s.redis != nil {
		sinks = append(sinks, notify.NewRedisSink(s.redis, ""))
	}
	return sinks, nil
}

func (s *Server) setupGateways() *gateway.Registrar {
	var providers []gateway.Provider
	if s.cfg.StripeSecretKey != "" {
		providers = append(providers, gateway.NewStripeProvider(s.cfg.StripeSecretKey))
	}
	if s.cfg.RazorpayKeyID != "" && s.cfg.RazorpayKeySecret != "" {
		providers = append(providers, gateway.NewRazorpayProvider(s.cfg.RazorpayBaseURL, s.cfg.RazorpayKeyID, s.cfg.RazorpayKeySecret))
	}
	if len(providers) == 0 {
		s.logger.Warn("no payment gateway configured; wallets open without gateway customers")
	}
	return gateway.NewRegistrar(s.logger, providers...).WithTimeout(s.cfg.GatewayTimeout)
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(s.version)
	if s.db != nil {
		s.health.Register("postgres", health.PingChecker("postgres", s.db))
	}
	if s.redis != nil {
		client := s.redis
		s.health.Register("redis", health.PingChecker("redis", health.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})))
	}
}

// maskDSN hides the password in a connection string for logging.
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

	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLogMiddleware())

	// Rate limiting keys on the authenticated service, so auth runs first.
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", auth.RequireAuth(s.authMgr), gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/v1", auth.RequireAuth(s.authMgr))
	admin := auth.RequireScope(s.authMgr, auth.ScopeAdmin)

	wallet.NewHandler(s.wallets).RegisterRoutes(v1, admin)
	escrowHandler := escrow.NewHandler(s.escrow)
	escrowHandler.RegisterRoutes(v1)
	receipts.NewHandler(s.receipts).RegisterRoutes(v1)

	adminGroup := v1.Group("/admin", admin)
	risk.NewHandler(s.riskStore).RegisterRoutes(adminGroup)
	escrowHandler.RegisterAdminRoutes(adminGroup)
	adminGroup.POST("/escrow/release-due", s.releaseDueHandler)
	adminGroup.GET("/realtime/stats", s.realtimeStatsHandler)
	adminGroup.GET("/reconciliation", s.lastSweepHandler)
	adminGroup.POST("/reconciliation/run", s.runSweepHandler)
}

// releaseDueHandler runs one scheduler pass on demand. It honours the
// scheduler lease so it never races the background loop on another replica.
func (s *Server) releaseDueHandler(c *gin.Context) {
	released, failed, err := s.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual escrow release failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "release_failed",
			"message": "Failed to release due holds",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released, "failed": failed})
}

func (s *Server) lastSweepHandler(c *gin.Context) {
	rep := s.sweeper.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No ledger sweep has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// runSweepHandler reconciles every wallet synchronously.
func (s *Server) runSweepHandler(c *gin.Context) {
	rep, err := s.sweeper.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("ledger sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Failed to reconcile the ledger",
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.cfg.SchedulerEnabled {
		go s.scheduler.Start(runCtx)
	} else {
		s.logger.Info("escrow scheduler disabled")
	}

	if s.cfg.ReconcileInterval > 0 {
		go s.sweepTimer.Start(runCtx)
	} else {
		s.logger.Info("periodic ledger sweep disabled")
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db.DB, 15*time.Second)
	}

	s.health.SetReady(true)
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

// Shutdown gracefully stops the server. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown() })
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Background workers stop after in-flight requests finish.
	s.scheduler.Stop()
	s.sweepTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.lease != nil {
		if err := s.lease.Release(ctx); err != nil {
			s.logger.Warn("failed to release scheduler lease", "error", err)
		}
	}
	if s.sweepLease != nil {
		if err := s.sweepLease.Release(ctx); err != nil {
			s.logger.Warn("failed to release reconciliation lease", "error", err)
		}
	}
	s.rateLimiter.Stop()

	// Flush post-commit notifications before their sinks go away.
	s.dispatcher.Close()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

	s.logger.Info("shutdown complete")
	return firstErr
}

// Router returns the gin engine (for testing).
func (s *Server) Router() *gin.Engine {
	return s.router
}
