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

	"github.com/mbd888/intentpay/internal/assignment"
	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/circuitbreaker"
	"github.com/mbd888/intentpay/internal/config"
	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/health"
	"github.com/mbd888/intentpay/internal/logging"
	"github.com/mbd888/intentpay/internal/metrics"
	"github.com/mbd888/intentpay/internal/ratelimit"
	"github.com/mbd888/intentpay/internal/realtime"
	"github.com/mbd888/intentpay/internal/reconciliation"
	"github.com/mbd888/intentpay/internal/security"
	"github.com/mbd888/intentpay/internal/traces"
	"github.com/mbd888/intentpay/internal/validation"
	"github.com/mbd888/intentpay/internal/wallet"
	"github.com/mbd888/intentpay/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         chain.Client   // possibly breaker-wrapped
	params         chain.TxParams // chain ID and program for presigned transactions
	evm            *chain.EVMClient
	breaker        *chain.BreakerClient
	escrowService  *escrow.Service
	assignments    *assignment.Service
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	healthChecks   *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	traceShutdown  func(context.Context) error
	drainDelay     time.Duration
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

// WithLedger sets a custom ledger client (for testing). params must describe
// the same chain so presigned transactions decode against it.
func WithLedger(client chain.Client, params chain.TxParams) Option {
	return func(s *Server) {
		s.ledger = client
		s.params = params
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	format := "text"
	if cfg.LogJSON {
		format = "json"
	}
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, format),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Ledger (EVM if RPC_URL set, otherwise simulated)
	if s.ledger == nil {
		if err := s.setupLedger(); err != nil {
			return nil, err
		}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore     escrow.Store
		assignmentStore assignment.Store
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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		applied, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		assignmentStore = assignment.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL), "migrations_applied", applied)
	} else {
		escrowStore = escrow.NewMemoryStore()
		assignmentStore = assignment.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.assignments = assignment.NewService(assignmentStore, s.logger)
	emitter := &realtimeEventEmitter{hub: s.realtimeHub}
	s.escrowService = escrow.NewService(escrowStore, s.ledger, s.assignments, s.logger).
		WithArbiters(escrow.NewStaticArbiters(cfg.Arbiters...)).
		WithEvents(emitter).
		WithConfig(escrow.Config{ConfirmTimeout: cfg.ConfirmTimeout})
	if len(cfg.Arbiters) == 0 {
		s.logger.Warn("no dispute arbiters configured; disputes cannot be resolved")
	}

	s.reconciler = reconciliation.NewRunner(s.escrowService, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		emitter.nudge = s.reconcileTimer.Trigger
	}

	s.setupHealthChecks()

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupLedger() error {
	if s.cfg.UsesSimulatedLedger() {
		mem := chain.NewMemoryLedger(s.cfg.ChainID, s.cfg.EscrowProgram)
		s.ledger, s.params = mem, mem
		s.logger.Warn("no RPC_URL configured, using simulated ledger", "chain_id", s.cfg.ChainID)
		return nil
	}

	evm, err := chain.NewEVMClient(chain.EVMConfig{
		RPCURL:        s.cfg.RPCURL,
		ChainID:       s.cfg.ChainID,
		Program:       s.cfg.EscrowProgram,
		Confirmations: s.cfg.Confirmations,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ledger: %w", err)
	}

	cb := circuitbreaker.New(5, 30*time.Second)
	cb.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("ledger circuit transition", "key", key, "from", from.String(), "to", to.String())
	})

	s.evm = evm
	s.breaker = chain.NewBreakerClient(evm, cb)
	s.ledger, s.params = s.breaker, evm
	s.logger.Info("ledger connected",
		"chain_id", s.cfg.ChainID,
		"program", evm.Program().Hex(),
		"confirmations", s.cfg.Confirmations,
	)
	return nil
}

func (s *Server) setupHealthChecks() {
	s.healthChecks = health.NewRegistry(3 * time.Second)

	if s.db != nil {
		s.healthChecks.Register("database", true, health.DB(s.db))
	}
	if s.evm != nil {
		s.healthChecks.Register("ledger", true, health.Func(func(ctx context.Context) error {
			_, err := s.evm.BlockNumber(ctx)
			return err
		}))
	}
	if s.breaker != nil {
		s.healthChecks.Register("ledger_circuit", false, health.Func(func(context.Context) error {
			if state := s.breaker.SubmitState(); state != circuitbreaker.StateClosed {
				return fmt.Errorf("submission circuit %s", state)
			}
			return nil
		}))
	}
	if s.reconcileTimer != nil {
		s.healthChecks.Register("reconciler", false, health.Func(s.reconcilerProbe))
	}
}

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

	// CORS (API is credential-free apart from the admin header)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	// WebSocket for lifecycle events
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	escrowHandler := escrow.NewHandler(s.escrowService, s.presignedSigner, escrow.TxTarget{
		ChainID: s.params.ChainID().Int64(),
		Program: s.params.Program().Hex(),
	})
	assignmentHandler := assignment.NewHandler(s.assignments)

	// Public reads
	escrowHandler.RegisterRoutes(v1)
	assignmentHandler.RegisterRoutes(v1)

	// Settlement writes are authorized by the signed transaction each carries;
	// rate limiting bounds how fast one client can push them at the ledger.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	protected := v1.Group("")
	protected.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))
	escrowHandler.RegisterProtectedRoutes(protected)

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(security.RequireAdminSecret(s.cfg.AdminSecret, s.logger))
	escrowHandler.RegisterAdminRoutes(admin)
	assignmentHandler.RegisterAdminRoutes(admin)
	admin.POST("/reconcile/sweep", s.sweepHandler)
	admin.GET("/realtime/stats", s.realtimeStatsHandler)
}

// presignedSigner adapts client-supplied raw transactions to chain.Signer.
func (s *Server) presignedSigner(signedTx string) (chain.Signer, error) {
	signer, err := wallet.NewPresignedSigner(signedTx, s.params.ChainID(), s.params.Program())
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Ledger    string          `json:"ledger"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthChecks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, chk := range checks {
			if !chk.Healthy {
				status = "degraded"
				break
			}
		}
	}

	ledger := "evm"
	if s.evm == nil {
		ledger = "simulated"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Ledger:    ledger,
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
	if healthy, checks := s.healthChecks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      "intentpay",
		"version":   Version,
		"chainId":   s.params.ChainID().Int64(),
		"program":   s.params.Program().Hex(),
		"simulated": s.evm == nil,
		"websocket": "/v1/ws",
	})
}

func (s *Server) sweepHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Warn("manual reconciliation sweep incomplete", "error", err)
		c.JSON(http.StatusOK, gin.H{"report": report, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, then blocks until a
// signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Settlement requests wait for ledger finality.
		WriteTimeout: s.cfg.ConfirmTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start reconciliation sweeper
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	samplers := []metrics.Sampler{metrics.RuntimeSampler()}
	if s.db != nil {
		samplers = append(samplers, metrics.DBSampler(s.db))
	}
	if s.evm != nil {
		samplers = append(samplers, metrics.LedgerSampler(s.evm.BlockNumber, 5*time.Second, s.logger))
	}
	go metrics.RunCollector(runCtx, 15*time.Second, samplers...)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Stop reconciliation sweeper
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close ledger connection
	if s.evm != nil {
		s.evm.Close()
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
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

// realtimeEventEmitter forwards coordinator events to WebSocket subscribers
// and asks for an early sweep when the mirror fell behind the ledger.
type realtimeEventEmitter struct {
	hub   *realtime.Hub
	nudge func()
}

func (e *realtimeEventEmitter) EmitEscrowEvent(eventType string, data map[string]any) {
	e.hub.Publish(realtime.EventType(eventType), data)
	if eventType == escrow.EventReconcileRequired && e.nudge != nil {
		e.nudge()
	}
}

// reconcilerProbe fails when the sweep loop is down or has not completed a
// sweep in three intervals.
func (s *Server) reconcilerProbe(context.Context) error {
	if !s.reconcileTimer.Running() {
		return errors.New("not running")
	}
	last := s.reconcileTimer.LastSweep()
	if last.IsZero() {
		return nil // first sweep still in progress
	}
	if age := time.Since(last); age > 3*s.reconcileTimer.Interval() {
		return fmt.Errorf("last sweep %s ago", age.Round(time.Second))
	}
	return nil
}
