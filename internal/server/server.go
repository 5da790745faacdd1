// Package server sets up the HTTP server with all routes
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/harvestmart/internal/auth"
	"github.com/mbd888/harvestmart/internal/circuitbreaker"
	"github.com/mbd888/harvestmart/internal/config"
	"github.com/mbd888/harvestmart/internal/contracts"
	"github.com/mbd888/harvestmart/internal/health"
	"github.com/mbd888/harvestmart/internal/identity"
	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/logging"
	"github.com/mbd888/harvestmart/internal/metrics"
	"github.com/mbd888/harvestmart/internal/negotiation"
	"github.com/mbd888/harvestmart/internal/notify"
	"github.com/mbd888/harvestmart/internal/optimizer"
	"github.com/mbd888/harvestmart/internal/providers"
	"github.com/mbd888/harvestmart/internal/ratelimit"
	"github.com/mbd888/harvestmart/internal/reconciliation"
	"github.com/mbd888/harvestmart/internal/security"
	"github.com/mbd888/harvestmart/internal/store"
	"github.com/mbd888/harvestmart/internal/syncutil"
	"github.com/mbd888/harvestmart/internal/validation"
)

// Version is reported by the health and info endpoints.
var Version = "dev"

// snapshotCacheTTL bounds how stale a cached regional snapshot may be.
const snapshotCacheTTL = 10 * time.Minute

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	store     store.Store
	db        *sql.DB       // nil if using in-memory
	rdb       *redis.Client // nil without REDIS_URL
	locks     *syncutil.EntityLocks
	providers []providers.Provider
	gateway   *providers.Gateway
	directory identity.Directory
	source    optimizer.Source
	hub       *notify.Hub
	health    *health.Registry
	now       func() time.Time

	negotiationService *negotiation.Service
	negotiationTimer   *negotiation.Timer
	contractService    *contracts.Service
	contractTimer      *contracts.Timer
	ledgerService      *ledger.Service
	reconciler         *reconciliation.Reconciler
	auditor            *reconciliation.Auditor
	auditTimer         *reconciliation.Timer
	optimizerService   *optimizer.Service

	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
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

// WithStore replaces the configured store (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithProviders replaces the money providers built from config (for testing)
func WithProviders(ps ...providers.Provider) Option {
	return func(s *Server) {
		s.providers = ps
	}
}

// WithDirectory replaces the identity directory (for testing)
func WithDirectory(d identity.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithSource replaces the regional data source (for testing)
func WithSource(src optimizer.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithClock sets the clock every service reads
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		locks:      syncutil.NewEntityLocks(),
		now:        time.Now,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	s.initGateway()
	s.initDirectory()
	s.initSource(ctx)
	s.initServices()
	s.initHealth()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initStore opens Postgres when DATABASE_URL is set, otherwise keeps
// everything in memory.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		if s.cfg.IsProduction() {
			s.logger.Warn("DATABASE_URL not set, using in-memory storage in production")
		}
		s.store = store.NewMemoryStore()
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = store.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initGateway registers every provider the config has credentials for.
func (s *Server) initGateway() {
	ps := s.providers
	if ps == nil {
		client := &http.Client{Timeout: s.cfg.ProviderTimeout}
		if s.cfg.MobileMoneyURL != "" {
			cfg := providers.MobileMoneyConfig(s.cfg.MobileMoneyURL, s.cfg.MobileMoneySecret)
			cfg.Client = client
			ps = append(ps, providers.NewSigned(cfg))
		}
		if s.cfg.WalletURL != "" {
			cfg := providers.WalletConfig(s.cfg.WalletURL, s.cfg.WalletSecret)
			cfg.Client = client
			ps = append(ps, providers.NewSigned(cfg))
		}
		if s.cfg.StripeSecretKey != "" {
			ps = append(ps, providers.NewCard(s.cfg.StripeSecretKey, s.cfg.StripeWebhookSecret, nil))
		}
		if s.cfg.CryptoURL != "" {
			ps = append(ps, providers.NewCrypto(s.cfg.CryptoURL, s.cfg.CryptoSignerAddress, client))
		}
	}

	registry := providers.NewRegistry(ps...)
	s.gateway = providers.NewGateway(registry, circuitbreaker.New(5, 30*time.Second), s.cfg.ProviderTimeout, s.logger)
	s.logger.Info("money providers configured", "providers", registry.Names())
}

func (s *Server) initDirectory() {
	if s.directory != nil {
		return
	}
	if s.cfg.IdentityURL != "" {
		s.directory = identity.NewHTTPDirectory(s.cfg.IdentityURL, s.cfg.ProviderTimeout, 5*time.Minute, nil)
		return
	}
	dir := identity.NewStaticDirectory()
	dir.Open = true
	s.directory = dir
	s.logger.Info("IDENTITY_URL not set, every party is treated as unverified")
}

// initSource picks the regional data source and wraps it in the Redis
// cache when one is configured. An unreachable Redis is logged and skipped.
func (s *Server) initSource(ctx context.Context) {
	if s.source == nil {
		if s.cfg.RegionalDataURL != "" {
			s.source = optimizer.NewHTTPSource(s.cfg.RegionalDataURL, s.cfg.ProviderTimeout, nil)
		} else {
			s.source = optimizer.NewStaticSource()
			s.logger.Info("REGIONAL_DATA_URL not set, optimizer will rank on ask price only")
		}
	}
	if s.cfg.RedisURL == "" {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := optimizer.NewRedisClient(rctx, s.cfg.RedisURL)
	if err != nil {
		s.logger.Warn("redis unavailable, snapshot cache disabled", "error", err)
		return
	}
	s.rdb = rdb
	s.source = optimizer.NewCachedSource(s.source, rdb, snapshotCacheTTL, s.logger)
	s.logger.Info("regional snapshot cache enabled")
}

func (s *Server) initServices() {
	s.hub = notify.NewHub(s.logger)
	var notifier notify.Notifier = s.hub
	if s.cfg.NotifyURL != "" {
		notifier = notify.Multi{s.hub, notify.NewHTTPNotifier(s.cfg.NotifyURL, s.cfg.NotifySecret, s.cfg.ProviderTimeout, s.logger)}
	}

	policy := contracts.Policy{
		DepositFraction:       s.cfg.DepositFraction,
		FeeRate:               s.cfg.PlatformFeeRate,
		NonRefundableFraction: s.cfg.NonRefundableFraction,
		ConfirmationGrace:     s.cfg.ConfirmationGrace,
		DisputeAutoResolve:    s.cfg.DisputeAutoResolve,
		DisputeProducerShare:  s.cfg.DisputeProducerShare,
	}
	s.contractService = contracts.NewService(s.store, s.locks, s.gateway, policy, s.logger).
		WithNotifier(notifier).
		WithClock(s.now)
	s.contractTimer = contracts.NewTimer(s.contractService, s.cfg.SweepInterval, s.logger)

	s.negotiationService = negotiation.NewService(s.store, s.locks, s.directory, s.logger).
		WithContractFormer(s.contractService).
		WithNotifier(notifier).
		WithOfferTTL(s.cfg.OfferTTL).
		WithClock(s.now)
	s.negotiationTimer = negotiation.NewTimer(s.negotiationService, s.cfg.SweepInterval, s.logger)

	s.ledgerService = ledger.NewService(s.store)

	s.reconciler = reconciliation.NewReconciler(s.gateway, s.contractService, s.store, s.locks, s.logger)
	s.auditor = reconciliation.NewAuditor(s.store, s.logger)
	s.auditTimer = reconciliation.NewTimer(s.auditor, s.cfg.AuditInterval, s.logger)

	params := optimizer.DefaultParams()
	params.TransportCostPerKm = s.cfg.TransportCostPerKm.InexactFloat64()
	params.SellNowThreshold = s.cfg.SellNowThreshold
	s.optimizerService = optimizer.NewService(s.store, s.source, params, strings.Split(s.cfg.OptimizerRegions, ","), s.logger).
		WithClock(s.now)
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	s.health.RegisterPinger("store", s.store)
	s.health.RegisterBreaker("providers", s.gateway.Breaker())
	if s.rdb != nil {
		s.health.RegisterPinger("redis", redisPinger{s.rdb})
	}
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(splitList(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider callbacks are authenticated by signature, not party, and are
	// not rate limited: providers retry on 429 and would only add load.
	reconciliationHandler := reconciliation.NewHandler(s.reconciler, s.auditor)
	reconciliationHandler.RegisterWebhookRoutes(s.router.Group(""))

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(ratelimit.ByParty(auth.ContextKeyPartyID)))
	v1.Use(validation.IDParamMiddleware())
	v1.GET("/info", s.infoHandler)

	negotiationHandler := negotiation.NewHandler(s.negotiationService)
	negotiationHandler.RegisterRoutes(v1)
	optimizer.NewHandler(s.optimizerService).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireParty())
	negotiationHandler.RegisterProtectedRoutes(protected)
	contractHandler := contracts.NewHandler(s.contractService)
	contractHandler.RegisterProtectedRoutes(protected)
	ledger.NewHandler(s.ledgerService, s.logger).RegisterRoutes(protected)
	protected.GET("/ws", s.websocketHandler)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	contractHandler.RegisterAdminRoutes(admin)
	reconciliationHandler.RegisterAdminRoutes(admin)
	admin.GET("/notifications", func(c *gin.Context) { c.JSON(http.StatusOK, s.hub.Stats()) })
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      "HarvestMart",
		"version":   Version,
		"providers": s.gateway.Providers(),
		"policy": gin.H{
			"depositFraction":       s.cfg.DepositFraction.String(),
			"platformFeeRate":       s.cfg.PlatformFeeRate.String(),
			"nonRefundableFraction": s.cfg.NonRefundableFraction.String(),
			"confirmationGrace":     s.cfg.ConfirmationGrace.String(),
		},
	})
}

// websocketHandler streams the calling party's notifications.
func (s *Server) websocketHandler(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, auth.PartyID(c))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
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

// startBackground launches the hub, sweep timers, audit and DB stats.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.negotiationTimer.Start(ctx)
	go s.contractTimer.Start(ctx)
	go s.auditTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.negotiationTimer.Stop()
	s.contractTimer.Stop()
	s.auditTimer.Stop()
	s.logger.Info("timers stopped")

	s.rateLimiter.Stop()

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
