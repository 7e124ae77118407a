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

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/circuitbreaker"
	"github.com/dog-best/meta-sub000/internal/config"
	"github.com/dog-best/meta-sub000/internal/cryptoescrow"
	"github.com/dog-best/meta-sub000/internal/delivery"
	"github.com/dog-best/meta-sub000/internal/dispute"
	"github.com/dog-best/meta-sub000/internal/events"
	"github.com/dog-best/meta-sub000/internal/health"
	"github.com/dog-best/meta-sub000/internal/ledger"
	"github.com/dog-best/meta-sub000/internal/logging"
	"github.com/dog-best/meta-sub000/internal/metrics"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/ratelimit"
	"github.com/dog-best/meta-sub000/internal/security"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/traces"
	"github.com/dog-best/meta-sub000/internal/validation"
)

// Version is reported by /health and the trace resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	store     store.Store
	publisher events.Publisher
	signer    cryptoescrow.Signer
	authMgr   *auth.Manager
	machine   *orders.Machine

	orderService    *orders.Service
	ledgerService   *ledger.Service
	deliveryService *delivery.Service
	disputeService  *dispute.Service
	auditService    *audit.Service
	bridge          *cryptoescrow.Bridge // nil unless the USDC rail is configured

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithPublisher sets the event publisher (for testing)
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithSigner sets the escrow signer (for testing)
func WithSigner(signer cryptoescrow.Signer) Option {
	return func(s *Server) {
		s.signer = signer
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set publisher/signer/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var authStore auth.Store
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
		s.store = store.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.health.Register("postgres", health.DBChecker("postgres", db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = store.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.authMgr = auth.NewManager(authStore)

	// Order events
	if s.publisher == nil {
		if len(cfg.KafkaBrokers) > 0 {
			s.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
			s.logger.Info("publishing order events to kafka", "topic", cfg.KafkaTopic)
		} else {
			s.publisher = events.NopPublisher{}
		}
	}

	s.machine = orders.NewMachine(s.store,
		orders.WithPublisher(s.publisher),
		orders.WithLogger(s.logger),
	)
	s.orderService = orders.NewService(s.machine)
	s.auditService = audit.NewService(s.store)

	// NGN rail
	s.ledgerService = ledger.NewService(s.machine, cfg.PlatformFeeBps)

	// Delivery verification
	var sender delivery.OTPSender = delivery.LogSender{Logger: s.logger}
	if cfg.ExposeOTP {
		sender = delivery.NopSender{}
		s.logger.Warn("EXPOSE_OTP is enabled: delivery codes are returned in API responses")
	}
	s.deliveryService = delivery.NewService(s.machine, delivery.Config{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		ExposeOTP:   cfg.ExposeOTP,
	}, sender, s.logger)

	s.disputeService = dispute.NewService(s.machine, s.ledgerService, s.logger)

	// USDC rail
	if cfg.CryptoEnabled() {
		if s.signer == nil && cfg.SignerPrivateKey != "" {
			signer, err := cryptoescrow.NewEthSigner(cryptoescrow.SignerConfig{
				RPCURL:     cfg.RPCURL,
				PrivateKey: cfg.SignerPrivateKey,
				ChainID:    cfg.ChainID,
				Escrow:     cfg.EscrowContract,
				Retry:      cryptoescrow.DefaultRetry,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to initialize escrow signer: %w", err)
			}
			s.signer = signer
			s.logger.Info("escrow signer enabled", "address", signer.Address())
		}
		s.bridge = cryptoescrow.NewBridge(s.machine, cryptoescrow.Config{
			Chain:         cfg.Chain,
			ChainID:       cfg.ChainID,
			TokenAddress:  cfg.USDCContract,
			EscrowAddress: cfg.EscrowContract,
			FeeBps:        cfg.CryptoFeeBps,
		}, s.signer, s.logger)
		if s.signer != nil {
			s.bridge.WithBreaker(circuitbreaker.New(5, 30*time.Second))
		}
		s.orderService.WithMappingFactory(s.bridge)
		s.logger.Info("USDC rail enabled",
			"chain", cfg.Chain,
			"escrow", cfg.EscrowContract,
			"fee_bps", s.bridge.FeeBps(),
			"signer", s.signer != nil,
		)
	} else {
		s.logger.Info("USDC rail disabled (no ESCROW_CONTRACT configured)")
	}

	// Setup router
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
			"error":   "Internal",
			"message": "Internal error",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (all origins outside production)
	origins := []string{"*"}
	if s.cfg.IsProduction() {
		origins = nil
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(10, s.cfg.RateLimitRPM/10)
	}
	s.rateLimiter = ratelimit.New(rl)
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

	orderHandler := orders.NewHandler(s.orderService)
	ledgerHandler := ledger.NewHandler(s.ledgerService)
	deliveryHandler := delivery.NewHandler(s.deliveryService)
	disputeHandler := dispute.NewHandler(s.disputeService)
	auditHandler := audit.NewHandler(s.auditService)
	authHandler := auth.NewHandler(s.authMgr)

	// Public
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.GET("/auth/info", authHandler.Info)
	orderHandler.RegisterRoutes(v1)

	// Authenticated users
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	orderHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	deliveryHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)

	// Operators
	admin := s.router.Group("/v1/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminToken))
	authHandler.RegisterAdminRoutes(admin)
	orderHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	auditHandler.RegisterAdminRoutes(admin)

	if s.bridge != nil {
		cryptoHandler := cryptoescrow.NewHandler(s.bridge)
		cryptoHandler.RegisterProtectedRoutes(protected)
		cryptoHandler.RegisterAdminRoutes(admin)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "NotFound",
			"message": "route not found",
		})
	})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	USDCRail  bool            `json:"usdc_rail"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		USDCRail:  s.bridge != nil,
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
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.close(ctx)
	s.logger.Info("server stopped")
	return nil
}

// close releases everything New acquired. In-flight requests must be done.
func (s *Server) close(ctx context.Context) {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event publisher close error", "error", err)
	}

	if c, ok := s.signer.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("escrow signer close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
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
