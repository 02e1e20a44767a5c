// Package server sets up the HTTP server with all routes
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

	"github.com/mbd888/luxbill/internal/admin"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/bookings"
	"github.com/mbd888/luxbill/internal/config"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/dashboard"
	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/health"
	"github.com/mbd888/luxbill/internal/idgen"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/payments"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/ratelimit"
	"github.com/mbd888/luxbill/internal/reconciliation"
	"github.com/mbd888/luxbill/internal/security"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/subscriptions"
	"github.com/mbd888/luxbill/internal/tenant"
	"github.com/mbd888/luxbill/internal/traces"
	"github.com/mbd888/luxbill/internal/validation"
	"github.com/mbd888/luxbill/internal/webhooks"
)

// Version is reported on /health and in traces. Set by cmd/server.
var Version = "dev"

// webhookRoute is exempt from rate limiting.
const webhookRoute = "/v1/webhooks/stripe"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	proc   processor.Client
	runner storage.Runner
	audit  *audit.Recorder

	authMgr       *auth.Manager
	tenants       *tenant.Service
	bookings      *bookings.Service
	ledger        *ledger.Ledger
	deposits      *deposit.Service
	accounts      *connect.Tracker
	payments      *payments.Service
	subscriptions *subscriptions.Service
	events        webhooks.EventStore
	gateway       *webhooks.Gateway
	reconciler    *reconciliation.Reconciler

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithProcessor sets the payment processor client (for testing)
func WithProcessor(p processor.Client) Option {
	return func(s *Server) {
		s.proc = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set processor/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if s.proc == nil && cfg.ProcessorConfigured() {
		s.proc = processor.NewStripe(cfg.StripeSecretKey, cfg.ProcessorMaxRetries)
	}
	if s.proc == nil {
		s.logger.Warn("payment processor not configured; money-moving routes return not_configured")
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore    auth.Store
		auditStore   audit.Store
		tenantStore  tenant.Store
		bookingStore bookings.Store
		ledgerStore  ledger.Store
		depositStore deposit.Store
		connectStore connect.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.runner = storage.NewSQLRunner(db)
		authStore = auth.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		tenantStore = tenant.NewPostgresStore(db)
		bookingStore = bookings.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		depositStore = deposit.NewPostgresStore(db)
		connectStore = connect.NewPostgresStore(db)
		s.events = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.runner = storage.MemoryRunner{}
		authStore = auth.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		bookingStore = bookings.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		depositStore = deposit.NewMemoryStore()
		connectStore = connect.NewMemoryStore()
		s.events = webhooks.NewMemoryStore()
		s.logger.Warn("using in-memory storage: data does not persist and failed transactions are not rolled back; development only")
	}

	s.audit = audit.NewRecorder(auditStore)
	s.authMgr = auth.NewManager(authStore)
	s.tenants = tenant.NewService(tenantStore, s.runner, s.audit, cfg.DefaultCountry, cfg.DefaultCurrency)
	s.bookings = bookings.NewService(bookingStore)
	s.ledger = ledger.New(ledgerStore)
	s.deposits = deposit.NewService(depositStore, s.proc, s.ledger, s.runner, s.audit, deposit.FeePolicy(cfg.DepositFeePolicy))
	s.accounts = connect.NewTracker(connectStore, s.proc, s.audit, cfg.AppBaseURL, cfg.DefaultCountry)
	s.payments = payments.NewService(payments.Deps{
		Processor: s.proc,
		Bookings:  s.bookings,
		Tenants:   s.tenants,
		Accounts:  s.accounts,
		Ledger:    s.ledger,
		Deposits:  s.deposits,
		Runner:    s.runner,
		Audit:     s.audit,
	})

	prices := subscriptions.Prices{
		StarterMonthly: cfg.StripePrices.StarterMonthly,
		StarterAnnual:  cfg.StripePrices.StarterAnnual,
		ProMonthly:     cfg.StripePrices.ProMonthly,
		ProAnnual:      cfg.StripePrices.ProAnnual,
	}
	s.subscriptions = subscriptions.NewService(s.proc, s.tenants, s.audit, prices, cfg.AppBaseURL)

	s.gateway = webhooks.NewGateway(webhooks.Deps{
		Store:    s.events,
		Runner:   s.runner,
		Audit:    s.audit,
		Tenants:  s.tenants,
		Bookings: s.bookings,
		Ledger:   s.ledger,
		Deposits: s.deposits,
		Accounts: s.accounts,
		Prices:   prices,
		Secret:   cfg.StripeWebhookSecret,
		Lease:    cfg.WebhookLease,
	})
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("webhook signing secret not configured; webhook deliveries are rejected")
	}

	s.reconciler = reconciliation.New(s.tenants, s.deposits, s.events)

	s.health = health.NewRegistry(5 * time.Second)
	if s.db != nil {
		s.health.Register(health.Database(s.db))
	}
	processorDetail := "configured"
	if s.proc == nil {
		processorDetail = "not configured"
	}
	s.health.Register(health.Static("processor", true, processorDetail))

	validation.Register()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string before logging it.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware([]string{s.cfg.AppBaseURL}))

	// Request size limit; the webhook handler applies its own smaller cap.
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	rl.Exempt = []string{webhookRoute}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Processor events: raw body, signature-verified, no API key
	webhooks.NewHandler(s.gateway).RegisterRoutes(v1)

	authHandler := auth.NewHandler(s.authMgr)

	// TENANT ROUTES (API key bound to one tenant)
	tenantRoutes := v1.Group("")
	tenantRoutes.Use(auth.RequireTenant(s.authMgr))
	{
		bookings.NewHandler(s.bookings, s.cfg.DefaultCurrency).RegisterRoutes(tenantRoutes)
		deposit.NewHandler(s.deposits).RegisterRoutes(tenantRoutes)
		payments.NewHandler(s.payments).RegisterRoutes(tenantRoutes)

		billing := tenantRoutes.Group("/billing")
		tenant.NewHandler(s.tenants).RegisterRoutes(billing)
		dashboard.NewHandler(s.tenants, s.ledger, s.accounts).RegisterRoutes(billing)
		connect.NewHandler(s.accounts).RegisterRoutes(billing)
		subscriptions.NewHandler(s.subscriptions).RegisterRoutes(billing)
		audit.NewHandler(s.audit, auth.TenantID).RegisterRoutes(billing)
		ledger.NewHandler(s.ledger, auth.TenantID).RegisterRoutes(billing)
		authHandler.RegisterTenantRoutes(billing)
	}

	// ADMIN ROUTES (X-Admin-Secret)
	adminRoutes := v1.Group("/admin")
	adminRoutes.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		authHandler.RegisterAdminRoutes(adminRoutes)
		admin.NewHandler().
			WithReconciler(s.reconciler).
			WithEventReplayer(s.gateway).
			RegisterRoutes(adminRoutes)
	}
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"processor_configured", s.proc != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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
	return idgen.New()
}
