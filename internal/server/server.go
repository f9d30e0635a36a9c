// Package server wires the marketplace services together and exposes
// them over HTTP.
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

	"github.com/gavelworks/gavel/internal/auth"
	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/dispute"
	"github.com/gavelworks/gavel/internal/httperr"
	"github.com/gavelworks/gavel/internal/listing"
	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/metrics"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/notify"
	"github.com/gavelworks/gavel/internal/offer"
	"github.com/gavelworks/gavel/internal/ratelimit"
	"github.com/gavelworks/gavel/internal/realtime"
	"github.com/gavelworks/gavel/internal/scheduler"
	"github.com/gavelworks/gavel/internal/security"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/stats"
	"github.com/gavelworks/gavel/internal/traces"
	"github.com/gavelworks/gavel/internal/validation"
	"github.com/gavelworks/gavel/internal/withdrawal"
)

// Custody account names for pooled funds. The pool_ prefix marks them
// as custody book entries on the ledger; their names are stable across
// restarts, so credits persisted in Postgres keep pointing at them.
const (
	refundPoolAccount = "pool_refunds"
	disputeFeeAccount = "pool_dispute_fees"
)

// Server wraps the HTTP server and all marketplace services.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *sql.DB // nil in memory mode
	ledger chain.Ledger

	authMgr  *auth.Manager
	engine   *settlement.Engine
	listings *listing.Service
	offers   *offer.Service
	credits  *withdrawal.Service
	disputes *dispute.Service
	statsRec *stats.Recorder
	emitter  *notify.Emitter
	hub      *realtime.Hub
	sched    *scheduler.Scheduler

	webhookStore notify.Store
	dispatcher   *notify.Dispatcher
	rateLimiter  *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLedger sets a custom escrow ledger (for testing).
func WithLedger(l chain.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	floor, err := money.Parse(cfg.IncrementFloor, cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("invalid INCREMENT_FLOOR: %w", err)
	}

	// Escrow ledger: real token custody when an operator key is
	// configured, in-process accounting otherwise.
	if s.ledger == nil {
		if cfg.PrivateKey != "" {
			l, err := chain.NewEthLedger(chain.Config{
				RPCURL:        cfg.RPCURL,
				PrivateKey:    cfg.PrivateKey,
				ChainID:       cfg.ChainID,
				TokenContract: cfg.TokenContract,
				Currency:      cfg.Currency,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create settlement ledger: %w", err)
			}
			s.ledger = l
			s.logger.Info("on-chain escrow ledger enabled", "operator", l.Address(), "chainId", cfg.ChainID)
		} else {
			s.ledger = chain.NewMemLedger(cfg.Currency)
			s.logger.Info("in-memory escrow ledger enabled (transfers are book entries)")
		}
	}

	treasury := cfg.TreasuryAddress
	if treasury == "" {
		treasury = "treasury"
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		listingStore    listing.Store
		offerStore      offer.Store
		creditStore     withdrawal.Store
		txnStore        settlement.Store
		disputeStore    dispute.Store
		statsStore      stats.Store
		authStore       auth.Store
		subscriberStore notify.Store
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		listingStore = listing.NewPostgresStore(db)
		offerStore = offer.NewPostgresStore(db)
		creditStore = withdrawal.NewPostgresStore(db)
		txnStore = settlement.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		statsStore = stats.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		subscriberStore = notify.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		listingStore = listing.NewMemoryStore()
		offerStore = offer.NewMemoryStore()
		creditStore = withdrawal.NewMemoryStore()
		txnStore = settlement.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		statsStore = stats.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		subscriberStore = notify.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)
	s.webhookStore = subscriberStore

	// Realtime hub and webhook emitter. The emitter mirrors every
	// webhook event onto the hub.
	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(subscriberStore)
	s.emitter = notify.NewEmitter(s.dispatcher, s.logger).WithBroadcaster(s.hub)

	// Settlement engine, then the services that feed it.
	s.statsRec = stats.NewRecorder(statsStore, s.logger)
	s.engine = settlement.NewEngine(txnStore, s.ledger, settlement.Params{
		FeeBps:      cfg.PlatformFeeBps,
		ReferralBps: cfg.ReferralBps,
		Treasury:    treasury,
	}, cfg.AutoFinalizeGrace, s.logger).
		WithRecorder(s.statsRec).
		WithNotifier(s.emitter)

	s.credits = withdrawal.NewService(creditStore, s.ledger, s.logger).WithNotifier(s.emitter)

	s.listings = listing.NewService(listingStore, s.ledger, s.engine, s.credits, listing.Config{
		MinIncrementBps:    cfg.MinIncrementBps,
		IncrementFloor:     floor,
		AntiSnipeWindow:    cfg.AntiSnipeWindow,
		RefundPool:         refundPoolAccount,
		SchedulerPrincipal: schedulerPrincipal,
	}, s.logger).WithNotifier(s.emitter)

	s.offers = offer.NewService(offerStore, s.ledger, s.listings, s.credits, offer.Config{
		RefundPool:  refundPoolAccount,
		MaxDeadline: 30 * 24 * time.Hour,
	}, s.logger)

	s.disputes = dispute.NewService(disputeStore, s.ledger, s.engine, dispute.Config{
		FeeBps:     cfg.DisputeFeeBps,
		FeeAccount: disputeFeeAccount,
		Treasury:   treasury,
		IsResolver: func(principal string) bool {
			return s.authMgr.HasRole(context.Background(), principal, auth.RoleResolver)
		},
	}, s.logger).WithNotifier(s.emitter)

	s.sched = scheduler.New(s.engine, s.listings, s.offers,
		cfg.SweepInterval, cfg.SweepBatchSize, schedulerPrincipal, s.logger)

	// Tracing (no-op when no collector endpoint is configured).
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// schedulerPrincipal is the identity the sweep loop settles auctions
// under. It never owns an API key; the listing service trusts it by
// name.
const schedulerPrincipal = "system.scheduler"

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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Set("requestId", requestID)
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
		logger := s.logger.With(
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"request_id", c.GetString("requestId"),
		)

		switch {
		case status >= 500:
			logger.Error("request completed", "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed")
		default:
			logger.Info("request completed")
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", marketPageHandler)

	// WebSocket event feed.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(validation.PrincipalParamMiddleware())

	// Soft auth on everything under /v1 so public handlers can still
	// see the caller when a key is presented.
	v1.Use(auth.Middleware(s.authMgr))

	authed := v1.Group("")
	authed.Use(auth.RequireAuth(s.authMgr))

	resolver := authed.Group("")
	resolver.Use(auth.RequireRole(auth.RoleResolver))

	// Registration and key management.
	authHandler := auth.NewHandler(s.authMgr)
	v1.POST("/principals", authHandler.Register)
	authHandler.RegisterRoutes(authed)

	// Domain routes.
	listing.NewHandler(s.listings, s.cfg.Currency).RegisterRoutes(v1, authed)
	offer.NewHandler(s.offers, s.cfg.Currency).RegisterRoutes(v1, authed)
	withdrawal.NewHandler(s.credits).RegisterRoutes(authed)
	settlement.NewHandler(s.engine).RegisterRoutes(authed)
	dispute.NewHandler(s.disputes, s.engine, s.cfg.Currency).RegisterRoutes(authed, resolver)
	stats.NewHandler(s.statsRec).RegisterRoutes(v1)

	// Webhook subscriptions, scoped to the principal in the path.
	webhookGroup := authed.Group("")
	webhookGroup.Use(auth.RequireOwnership(s.authMgr, "principal"))
	notify.NewHandler(s.webhookStore, s.dispatcher).RegisterRoutes(webhookGroup)

	// Admin surface: manual sweep trigger and hub introspection.
	admin := authed.Group("/admin")
	admin.Use(auth.RequireAdmin())
	admin.POST("/sweep", s.sweepHandler)
	admin.GET("/reconcile", s.reconcileHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

// sweepHandler runs one scheduler sweep synchronously. The sweep is
// idempotent so a manual trigger racing the timer is harmless.
func (s *Server) sweepHandler(c *gin.Context) {
	s.sched.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// reconcileHandler reports every terminal transaction with deferred
// post-commit work still pending, alongside the live balance of its
// escrow account. It only reads; the scheduler's sweep does the retries.
func (s *Server) reconcileHandler(c *gin.Context) {
	due, err := s.engine.ReconcileDue(c.Request.Context(), s.cfg.SweepBatchSize)
	if err != nil {
		httperr.Respond(c, err)
		return
	}

	items := make([]gin.H, 0, len(due))
	for _, tx := range due {
		item := gin.H{
			"txnId":          tx.ID,
			"listingId":      tx.ListingID,
			"status":         tx.Status,
			"escrowAccount":  tx.EscrowAccount,
			"payoutsSettled": tx.PayoutsSettled,
			"statsRecorded":  tx.StatsRecorded,
		}
		// A closed or unknown escrow account is not a discrepancy by
		// itself; the balance is reported as unavailable.
		if bal, err := s.ledger.Balance(c.Request.Context(), tx.EscrowAccount); err == nil {
			item["escrowBalance"] = bal.String()
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"pending": items, "count": len(items)})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Gavel",
		"description": "Settlement engine for digital asset marketplaces",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
		"fees": gin.H{
			"platformBps": s.cfg.PlatformFeeBps,
			"referralBps": s.cfg.ReferralBps,
			"disputeBps":  s.cfg.DisputeFeeBps,
		},
	})
}

// HealthResponse for health check endpoints.
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

// Run starts the HTTP server, the realtime hub, and the sweep loop,
// and blocks until shutdown.
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

	go s.hub.Run(runCtx)
	go s.sched.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server and all background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sched.Stop()
	s.logger.Info("scheduler stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
