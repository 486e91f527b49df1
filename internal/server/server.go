// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/mezatlabs/settlement/internal/auction"
	"github.com/mezatlabs/settlement/internal/config"
	"github.com/mezatlabs/settlement/internal/escrow"
	"github.com/mezatlabs/settlement/internal/health"
	"github.com/mezatlabs/settlement/internal/logging"
	"github.com/mezatlabs/settlement/internal/metrics"
	"github.com/mezatlabs/settlement/internal/ratelimit"
	"github.com/mezatlabs/settlement/internal/realtime"
	"github.com/mezatlabs/settlement/internal/reconciliation"
	"github.com/mezatlabs/settlement/internal/security"
	"github.com/mezatlabs/settlement/internal/settlement"
	"github.com/mezatlabs/settlement/internal/traces"
	"github.com/mezatlabs/settlement/internal/validation"
	"github.com/mezatlabs/settlement/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	walletStore    wallet.Store
	walletSvc      *wallet.Service
	auctionSvc     *auction.Service
	escrowSvc      *escrow.Service
	escrowTimer    *escrow.Timer
	settlementSvc  *settlement.Service
	reconTimer     *reconciliation.Timer
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
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

// WithWalletStore sets a custom wallet store (for testing)
func WithWalletStore(store wallet.Store) Option {
	return func(s *Server) {
		s.walletStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = shutdownTraces

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		escrowStore  escrow.Store
		auctionStore auction.Store
	)
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
		if s.walletStore == nil {
			s.walletStore = wallet.NewPostgresStore(db)
		}
		escrowStore = escrow.NewPostgresStore(db)
		auctionStore = auction.NewPostgresStore(db)
		s.healthReg.Register("database", health.DatabaseChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		if s.walletStore == nil {
			s.walletStore = wallet.NewMemoryStore()
		}
		escrowStore = escrow.NewMemoryStore()
		auctionStore = auction.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub for WebSocket streaming of escrow events
	s.realtimeHub = realtime.NewHub(s.logger)

	// Services
	s.walletSvc = wallet.NewService(s.walletStore)
	s.escrowSvc = escrow.NewService(escrowStore, wallet.NewFunds(s.walletSvc)).
		WithDefaultRate(cfg.DefaultCommissionRate).
		WithHoldPeriod(cfg.EscrowHoldPeriod).
		WithNotifier(s.realtimeHub)
	s.escrowTimer = escrow.NewTimer(s.escrowSvc, cfg.SweepInterval, s.logger)
	s.auctionSvc = auction.NewService(auctionStore)
	s.settlementSvc = settlement.NewService(s.auctionSvc, s.escrowSvc, s.logger)
	s.reconTimer = reconciliation.NewTimer(
		reconciliation.NewRunner(s.walletStore), cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		if cfg.AdminSecret == "" {
			s.logger.Warn("ADMIN_SECRET not set; admin endpoints are disabled")
		}
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
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

// adminMiddleware guards operator endpoints with a shared secret. In
// development without a secret configured the check is skipped; in
// production an unset secret disables the endpoints entirely.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin endpoints are not configured",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time escrow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	wallet.NewHandler(s.walletSvc).RegisterRoutes(v1)
	auction.NewHandler(s.auctionSvc).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowSvc).RegisterRoutes(v1)
	settlement.NewHandler(s.settlementSvc).RegisterRoutes(v1)

	// Operator endpoints: escrow resolution, wallet locks, adjustments.
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	wallet.NewHandler(s.walletSvc).RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrowSvc).RegisterAdminRoutes(admin)
	admin.POST("/reconcile", s.reconcileHandler)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Settlement",
		"description": "Escrow-backed wallet settlement for auction sales",
		"version":     "0.1.0",
		"commission":  s.cfg.DefaultCommissionRate,
		"holdPeriod":  s.cfg.EscrowHoldPeriod.String(),
	})
}

// reconcileHandler runs a ledger reconciliation on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := reconciliation.NewRunner(s.walletStore).RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	// Timer health only makes sense once the loops are started.
	s.healthReg.Register("escrow_sweep", health.TimerChecker("escrow_sweep", s.escrowTimer.Running))
	s.healthReg.Register("reconciliation", health.TimerChecker("reconciliation", s.reconTimer.Running))

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.reconTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
