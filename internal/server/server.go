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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mversen/custodia/internal/config"
	"github.com/mversen/custodia/internal/dispute"
	"github.com/mversen/custodia/internal/escrow"
	"github.com/mversen/custodia/internal/events"
	"github.com/mversen/custodia/internal/gateway"
	"github.com/mversen/custodia/internal/health"
	"github.com/mversen/custodia/internal/history"
	"github.com/mversen/custodia/internal/logging"
	"github.com/mversen/custodia/internal/metrics"
	"github.com/mversen/custodia/internal/money"
	"github.com/mversen/custodia/internal/ratelimit"
	"github.com/mversen/custodia/internal/realtime"
	"github.com/mversen/custodia/internal/security"
	"github.com/mversen/custodia/internal/traces"
	"github.com/mversen/custodia/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	rail           gateway.PaymentGateway
	historyLog     history.Log
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	disputeService *dispute.Service
	webhookStore   events.Store
	webhooks       *events.Dispatcher
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	tracesShutdown func(context.Context) error
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.PaymentGateway) Option {
	return func(s *Server) {
		s.rail = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Distributed tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore  escrow.Store
		disputeStore dispute.Store
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

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.historyLog = history.NewPostgresLog(db)
		s.webhookStore = events.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", db.PingContext)
	} else {
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.historyLog = history.NewMemoryLog()
		s.webhookStore = events.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Payment gateway: injected (tests) > Stripe (key configured) > fake.
	// Validate() already rejected a missing key in production.
	if s.rail == nil {
		if cfg.StripeSecretKey != "" {
			s.rail = gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.Currency)
			s.logger.Info("stripe gateway enabled", "currency", cfg.Currency)
		} else {
			s.rail = gateway.NewFake()
			s.logger.Warn("using fake payment gateway, no real money moves")
		}
	}
	s.rail = gateway.Instrument(s.rail, nil)

	// Webhook delivery
	s.webhooks = events.NewDispatcher(s.webhookStore)
	s.logger.Info("webhooks enabled")

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Escrow service with platform policy from config. Amounts were
	// validated at load time, so the parse results are trusted here.
	minCents, _ := money.Parse(cfg.MinAmount)
	maxCents, _ := money.Parse(cfg.MaxAmount)
	s.escrowService = escrow.NewService(escrowStore, s.rail, s.historyLog, s.logger, &escrow.Options{
		AutoReleaseAfter:      cfg.AutoReleaseAfter,
		ContestWindow:         cfg.ContestWindow,
		DefaultCommissionRate: cfg.CommissionRate,
		DefaultCurrency:       cfg.Currency,
		MinAmountCents:        minCents,
		MaxAmountCents:        maxCents,
	})
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger).
		WithInterval(cfg.TimerInterval)
	s.logger.Info("escrow enabled",
		"autoReleaseAfter", cfg.AutoReleaseAfter,
		"contestWindow", cfg.ContestWindow,
	)

	// Dispute mediation on top of escrow
	s.disputeService = dispute.NewService(disputeStore, s.escrowService, s.historyLog, s.logger)
	s.logger.Info("dispute mediation enabled")

	// Fan domain events out to webhooks, the live feed, and metrics
	sink := &fanoutSink{sinks: []eventSink{
		metrics.Sink{},
		s.realtimeHub.Sink(),
		events.NewEmitter(s.webhooks, s.logger),
	}}
	s.escrowService.WithEvents(sink)
	s.disputeService.WithEvents(sink)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
// Event fan-out
// -----------------------------------------------------------------------------

type eventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]any)
}

// fanoutSink forwards each domain event to every configured sink.
type fanoutSink struct {
	sinks []eventSink
}

func (f *fanoutSink) Emit(ctx context.Context, eventType string, data map[string]any) {
	for _, s := range f.sinks {
		s.Emit(ctx, eventType, data)
	}
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrowService)
	disputeHandler := dispute.NewHandler(s.disputeService)
	webhookHandler := events.NewHandler(s.webhookStore, s.webhooks)

	// PUBLIC ROUTES (reads and webhook management)
	v1.GET("/platform", s.platformHandler)
	escrowHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	webhookHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (state transitions; require an identified actor)
	protected := v1.Group("")
	protected.Use(validation.ActorMiddleware())
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Custodia",
		"description": "Escrow custody and dispute mediation",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// platformHandler returns platform policy so integrators can validate
// amounts client-side before creating a hold
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":                  "Custodia",
			"version":               "0.1.0",
			"currency":              s.cfg.Currency,
			"commissionRate":        s.cfg.CommissionRate,
			"commissionRateExpress": s.cfg.CommissionRateExpress,
			"minAmount":             s.cfg.MinAmount,
			"maxAmount":             s.cfg.MaxAmount,
			"autoReleaseAfter":      s.cfg.AutoReleaseAfter.String(),
			"contestWindow":         s.cfg.ContestWindow.String(),
		},
		"instructions": gin.H{
			"hold":    "POST /v1/escrows with contractId, payerId, payeeId and amount",
			"release": "POST /v1/escrows/{id}/release with the X-Actor-Id header",
			"dispute": "POST /v1/disputes while the escrow is held or inside the contest window",
		},
	})
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start escrow auto-release and settlement sweep timer
	if s.escrowTimer != nil {
		go s.escrowTimer.Start(runCtx)
	}

	// Export connection pool stats
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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
