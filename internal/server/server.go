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

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/config"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/escrow"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/health"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/logging"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/metrics"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/notify"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/order"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/payments"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/ratelimit"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/realtime"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/security"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/stock"
	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the settlement services behind it.
type Server struct {
	cfg          *config.Config
	stockManager *stock.Manager
	escrowSvc    *escrow.Service
	scheduler    *escrow.Scheduler
	orchestrator *order.Orchestrator
	dispatcher   *notify.Dispatcher
	notifyStore  notify.Store
	realtimeHub  *realtime.Hub
	payments     payments.Provider
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithPayments sets a custom payment provider (for testing)
func WithPayments(p payments.Provider) Option {
	return func(s *Server) {
		s.payments = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set payments/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		stockStore  stock.Store
		escrowStore escrow.Store
		orderStore  order.Store
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
		stockStore = stock.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		stockStore = stock.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Webhook notifications, fanned out together with the live feed
	s.dispatcher = notify.NewDispatcher(s.notifyStore, s.logger)
	notifier := &fanoutNotifier{targets: []settlementNotifier{s.dispatcher, s.realtimeHub}}

	// Stock reservations with bounded retry on write conflicts
	s.stockManager = stock.NewManager(stockStore, s.logger).
		WithRetryPolicy(cfg.ReserveMaxAttempts, cfg.ReserveBackoffBase)

	// Escrow settlement engine
	s.escrowSvc = escrow.NewService(escrowStore, s.logger).
		WithNotifier(notifier).
		WithVerificationDays(cfg.VerificationDays).
		WithFeeBasisPoints(cfg.BuyerProtectionBP)

	// Settlement scheduler (auto-release after the verification window)
	s.scheduler = escrow.NewScheduler(s.escrowSvc, s.logger).
		WithInterval(cfg.SchedulerInterval)

	// Payment provider: Stripe when configured, ledger-only otherwise
	if s.payments == nil {
		if cfg.StripeSecretKey != "" {
			s.payments = payments.NewStripeProvider(cfg.StripeSecretKey, s.logger)
			s.logger.Info("stripe payments enabled")
		} else {
			s.payments = payments.NewNoopProvider()
			s.logger.Info("payments running in ledger-only mode")
		}
	}

	// Order lifecycle orchestrator
	s.orchestrator = order.NewOrchestrator(orderStore, s.stockManager, s.escrowSvc, s.logger).
		WithPayments(s.payments).
		WithNotifier(notifier)

	// Escrow outcomes feed back into order state (completion, disputes)
	s.escrowSvc.WithTransitionListener(s.orchestrator)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker(s.db))
	}
	s.healthReg.Register("scheduler", health.SchedulerChecker(s.scheduler.Running))

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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

	// WebSocket for real-time settlement streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	stockHandler := stock.NewHandler(s.stockManager).WithEvents(s.realtimeHub)
	stockHandler.RegisterRoutes(v1)

	orderHandler := order.NewHandler(s.orchestrator)
	orderHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowSvc).WithScheduler(s.scheduler)
	escrowHandler.RegisterRoutes(v1)

	notifyHandler := notify.NewHandler(s.notifyStore).WithSigningSecret(s.cfg.NotifySigningSecret)
	notifyHandler.RegisterRoutes(v1)

	// Admin routes: manual escrow actions, settlement sweeps, live feed stats
	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// requireAdmin gates the admin group. Any non-empty secret is accepted when
// ADMIN_SECRET is unset (development); otherwise it must match.
func (s *Server) requireAdmin() gin.HandlerFunc {
	expected := os.Getenv("ADMIN_SECRET")
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if got == "" || (expected != "" && got != expected) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
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

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Marketplace Settlement API",
		"description": "Order placement, stock reservation, and escrow settlement",
		"version":     "0.1.0",
		"settlement": gin.H{
			"verificationDays":           s.cfg.VerificationDays,
			"buyerProtectionBasisPoints": s.cfg.BuyerProtectionBP,
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start settlement scheduler (sweeps on startup, then ticks)
	go s.scheduler.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, scheduler)
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

	// Stop settlement scheduler
	s.scheduler.Stop()
	s.logger.Info("settlement scheduler stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// -----------------------------------------------------------------------------
// Notification fanout
// -----------------------------------------------------------------------------

// settlementNotifier is what the order and escrow services emit events through.
type settlementNotifier interface {
	Notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{})
}

// fanoutNotifier delivers each settlement event to every target: webhook
// subscriptions and the realtime feed see the same stream.
type fanoutNotifier struct {
	targets []settlementNotifier
}

func (f *fanoutNotifier) Notify(ctx context.Context, recipientType, recipientID, eventType string, payload map[string]interface{}) {
	for _, t := range f.targets {
		t.Notify(ctx, recipientType, recipientID, eventType, payload)
	}
}
