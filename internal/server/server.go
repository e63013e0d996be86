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

	"github.com/veldtgames/duelarena/internal/config"
	"github.com/veldtgames/duelarena/internal/contest"
	"github.com/veldtgames/duelarena/internal/dtimer"
	"github.com/veldtgames/duelarena/internal/duel"
	"github.com/veldtgames/duelarena/internal/events"
	"github.com/veldtgames/duelarena/internal/lease"
	"github.com/veldtgames/duelarena/internal/logging"
	"github.com/veldtgames/duelarena/internal/metrics"
	"github.com/veldtgames/duelarena/internal/purchase"
	"github.com/veldtgames/duelarena/internal/ratelimit"
	"github.com/veldtgames/duelarena/internal/resolution"
	"github.com/veldtgames/duelarena/internal/security"
	"github.com/veldtgames/duelarena/internal/treasury"
	"github.com/veldtgames/duelarena/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	treasurySvc *treasury.Service
	duelSvc     *duel.Service
	contestSvc  *contest.Service
	coordinator *resolution.Coordinator
	timerSvc    *dtimer.Service
	sweeper     *duel.Sweeper
	eventsHub   *events.Hub
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	var (
		treasuryStore treasury.Store
		duelStore     duel.Store
		sessionStore  contest.Store
		leaseStore    lease.Store
		scoreStore    dtimer.ScoreStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		treasuryStore = treasury.NewPostgresStore(db)
		duelStore = duel.NewPostgresStore(db)
		sessionStore = contest.NewPostgresStore(db)
		leaseStore = lease.NewPostgresStore(db)
		scoreStore = dtimer.NewPostgresScoreStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		treasuryStore = treasury.NewMemoryStore()
		duelStore = duel.NewMemoryStore()
		sessionStore = contest.NewMemoryStore()
		leaseStore = lease.NewMemoryStore()
		scoreStore = dtimer.NewMemoryScoreStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.treasurySvc = treasury.NewService(treasuryStore)
	s.eventsHub = events.NewHub(s.logger)
	s.contestSvc = contest.NewService(sessionStore, contest.NewTurnEngine())

	s.timerSvc = dtimer.New(scoreStore, nil, s.logger, cfg.TimerPollInterval)

	s.duelSvc = duel.NewService(duelStore, s.treasurySvc, s.timerSvc, s.contestSvc, leaseStore, s.eventsHub, duel.Config{
		ChallengeExpiry: cfg.ChallengeExpiry,
		PlayWindow:      cfg.PlayWindow,
		ExpiryWarning:   cfg.ExpiryWarning,
		MaxWager:        cfg.MaxWager,
		LeaseTTL:        cfg.LeaseTTL,
	})
	s.timerSvc.SetHandler(s.duelSvc.HandleDeadline)

	s.coordinator = resolution.NewCoordinator(duelStore, sessionStore, s.treasurySvc, s.timerSvc, s.eventsHub)
	s.duelSvc.SetResolver(s.coordinator)
	s.contestSvc.SetResolver(contest.ResolverFunc(func(ctx context.Context, duelID string, forced bool) error {
		_, err := s.coordinator.Resolve(ctx, duelID, forced)
		return err
	}))

	s.sweeper = duel.NewSweeper(s.duelSvc, s.logger)

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

	// CORS (game clients connect from the launcher's origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
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

// characterIdentityMiddleware resolves the calling character from the
// X-Character-ID header. The platform gateway authenticates players before
// requests reach this service, so the header is trusted here; the format
// check rejects anything that slipped past it.
func characterIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		characterID := c.GetHeader("X-Character-ID")
		if characterID != "" {
			if !validation.IsValidCharacterID(characterID) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_character_id",
					"message": "X-Character-ID must be chr_ followed by 8-32 hex characters",
				})
				return
			}
			c.Set("characterID", characterID)
		}
		c.Next()
	}
}

// requireCharacter rejects requests with no resolved character identity.
func requireCharacter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("characterID") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_character_id",
				"message": "X-Character-ID header is required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for live duel events
	s.router.GET("/ws", func(c *gin.Context) {
		s.eventsHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(characterIdentityMiddleware())

	// Read endpoints (no identity required)
	treasuryHandler := treasury.NewHandler(s.treasurySvc)
	treasuryHandler.RegisterRoutes(v1)

	duelHandler := duel.NewHandler(s.duelSvc)
	v1.GET("/duels/:id", duelHandler.GetDuel)
	v1.GET("/characters/:id/duels", duelHandler.ListByCharacter)

	// Mutating duel endpoints require the caller's character identity
	protected := v1.Group("")
	protected.Use(requireCharacter())
	{
		protected.POST("/duels", duelHandler.CreateChallenge)
		protected.POST("/duels/:id/accept", duelHandler.AcceptChallenge)
		protected.POST("/duels/:id/decline", duelHandler.DeclineChallenge)
		protected.POST("/duels/:id/cancel", duelHandler.CancelChallenge)
		protected.POST("/duels/:id/start", duelHandler.StartContest)

		contestHandler := contest.NewHandler(s.contestSvc)
		contestHandler.RegisterRoutes(protected)
	}

	// Stripe webhooks authenticate via signature, not character identity
	if s.cfg.StripeWebhookSecret != "" {
		purchaseHandler := purchase.NewHandler(s.treasurySvc, s.cfg.StripeWebhookSecret)
		purchaseHandler.RegisterRoutes(v1)
		s.logger.Info("gold purchases enabled")
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Duel Arena",
		"description": "Two-party wager duels with escrowed gold stakes",
		"version":     "0.1.0",
		"currency":    treasury.CurrencyGold,
	})
}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start events hub
	go s.eventsHub.Run(runCtx)

	// Start deadline timer poll loop
	s.timerSvc.Start(runCtx)

	// Start expiry sweep (safety net behind the timers)
	go s.sweeper.Start(runCtx)

	// DB pool stats for the dashboard
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

	// Cancel the context for all background goroutines (hub, timers, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// SetTracesShutdown stores the tracer provider shutdown hook.
func (s *Server) SetTracesShutdown(fn func(context.Context) error) {
	s.tracesShutdown = fn
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
