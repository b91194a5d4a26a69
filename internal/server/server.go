// Package server sets up the HTTP server around the dispute engine
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

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/parley-trade/parley/internal/config"
	"github.com/parley-trade/parley/internal/dispute"
	"github.com/parley-trade/parley/internal/health"
	"github.com/parley-trade/parley/internal/logging"
	"github.com/parley-trade/parley/internal/metrics"
	"github.com/parley-trade/parley/internal/ratelimit"
	"github.com/parley-trade/parley/internal/realtime"
	"github.com/parley-trade/parley/internal/security"
	"github.com/parley-trade/parley/internal/transport"
	"github.com/parley-trade/parley/internal/validation"
	"github.com/parley-trade/parley/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the dispute node it fronts
type Server struct {
	cfg          *config.Config
	engine       *dispute.Engine
	network      *transport.Loopback
	walletSvc    dispute.WalletService
	trades       dispute.TradeLifecycle
	pgPersister  *dispute.PostgresPersister
	realtimeHub  *realtime.Hub
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory persistence
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

// WithWalletService overrides the payout wallet the engine settles through
// (for testing).
func WithWalletService(w dispute.WalletService) Option {
	return func(s *Server) {
		s.walletSvc = w
	}
}

// WithTradeLifecycle overrides the trade lifecycle collaborator (for testing).
func WithTradeLifecycle(t dispute.TradeLifecycle) Option {
	return func(s *Server) {
		s.trades = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Persistence (Postgres if DATABASE_URL set, otherwise in-memory)
	var persister dispute.Persister
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.pgPersister = dispute.NewPostgresPersister(db, s.logger)
		persister = s.pgPersister
		s.logger.Info("using PostgreSQL persistence", "url", maskDSN(cfg.DatabaseURL))
	} else {
		persister = dispute.NewMemoryPersister()
		s.logger.Warn("DATABASE_URL not set, disputes will not survive restarts")
	}

	// In production the broadcast endpoint must not point at internal
	// infrastructure; local runs frequently use loopback nodes.
	if cfg.BroadcastURL != "" && cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.BroadcastURL); err != nil {
			return nil, fmt.Errorf("invalid BROADCAST_URL: %w", err)
		}
	}

	// Wallet holds the signing key and broadcasts finalized payouts.
	w, err := wallet.New(wallet.Config{PrivateKey: cfg.PrivateKey}, walletOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wallet: %w", err)
	}
	if s.walletSvc == nil {
		s.walletSvc = &walletAdapter{w}
	}
	if s.trades == nil {
		s.trades = &tradeRelay{logger: s.logger}
	}

	ring, err := localRing(cfg, w)
	if err != nil {
		return nil, err
	}

	// In-process transport: a single-node network unless peers join via
	// Network(). The production wire transport runs outside this process.
	s.network = transport.NewLoopback(s.logger)
	addr := dispute.NodeAddress(cfg.NodeAddress)

	engine := dispute.NewEngine(dispute.EngineConfig{
		KeyRing:        dispute.KeyRing{PubKeyRing: ring, NodeAddress: addr},
		ArbitratorKeys: cfg.ArbitratorKeys(),
		Wallet:         s.walletSvc,
		Trades:         s.trades,
		Transport:      s.network.For(addr),
		Persister:      persister,
		Logger:         s.logger,
	})
	s.engine = engine
	s.network.Register(addr, engine)

	// Restore persisted disputes before the engine starts dispatching.
	if s.pgPersister != nil {
		persisted, err := s.pgPersister.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted disputes: %w", err)
		}
		engine.Load(persisted)
		s.logger.Info("restored disputes from database", "count", len(persisted))
	} else {
		engine.Load(nil)
	}

	// Realtime hub streams registry change-notifications over websockets.
	s.realtimeHub = realtime.NewHub(s.logger)
	engine.AddListener(realtime.NewDisputeListener(s.realtimeHub))

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Unhealthy("database", err.Error())
			}
			return health.Healthy("database")
		})
	}

	// Set gin mode before creating router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func walletOptions(cfg *config.Config) []wallet.Option {
	var opts []wallet.Option
	if cfg.BroadcastURL != "" {
		opts = append(opts, wallet.WithBroadcaster(wallet.NewHTTPBroadcaster(cfg.BroadcastURL)))
	}
	return opts
}

// localRing derives the node's public key ring. The encryption key is
// optional; nodes without one reuse the signature key for both slots.
func localRing(cfg *config.Config, w *wallet.Wallet) (dispute.PubKeyRing, error) {
	ring := dispute.PubKeyRing{
		SignaturePubKey:  w.PubKey(),
		EncryptionPubKey: w.PubKey(),
	}
	if cfg.EncryptionKey != "" {
		k, err := ethcrypto.HexToECDSA(trimHexPrefix(cfg.EncryptionKey))
		if err != nil {
			return dispute.PubKeyRing{}, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		ring.EncryptionPubKey = ethcrypto.CompressPubkey(&k.PublicKey)
	}
	return ring, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[:2] == "0x" {
		return s[2:]
	}
	return s
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

	// Request size limit (4MB, chat attachments included)
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

// adminAuthMiddleware guards the mutating dispute routes. With no
// ADMIN_SECRET configured (local demo mode), the routes stay open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing admin secret",
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

	// WebSocket for real-time dispute notifications
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/api/v1")
	disputeHandler := dispute.NewHandler(s.engine)

	// PUBLIC ROUTES (read-only dispute views)
	disputeHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (open dispute, chat, verdict)
	protected := v1.Group("")
	protected.Use(s.adminAuthMiddleware())
	disputeHandler.RegisterProtectedRoutes(protected)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the dispute engine and HTTP server, blocking until shutdown
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

	// Start the dispatch loop, then release messages buffered before startup.
	go s.engine.Run(runCtx)
	s.engine.OnBootstrapped()

	// Start write-coalescing persister
	if s.pgPersister != nil {
		go s.pgPersister.Run(runCtx)
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"node", s.cfg.NodeAddress,
			"open_disputes", s.engine.OpenCount(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

	// Cancel the context for all background goroutines (engine, persister, hub).
	// Engine cancellation cancels pending retries; the persister flushes its
	// last snapshot on the way out.
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

// Engine returns the dispute engine for testing
func (s *Server) Engine() *dispute.Engine {
	return s.engine
}

// Network returns the in-process transport so demo peers can join
func (s *Server) Network() *transport.Loopback {
	return s.network
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
// Collaborator adapters
// -----------------------------------------------------------------------------

// walletAdapter adapts wallet.Wallet to the engine's WalletService
type walletAdapter struct {
	wallet *wallet.Wallet
}

func (a *walletAdapter) SignAndFinalizePayout(ctx context.Context, req dispute.PayoutRequest) (*dispute.PayoutTx, error) {
	res, err := a.wallet.SignAndFinalizePayout(ctx, wallet.PayoutRequest{
		TradeID:              req.TradeID,
		DepositTxSerialized:  req.DepositTxSerialized,
		ArbitratorSignature:  req.ArbitratorSignature,
		ArbitratorPubKey:     req.ArbitratorPubKey,
		BuyerPayoutAmount:    req.BuyerPayoutAmount,
		SellerPayoutAmount:   req.SellerPayoutAmount,
		BuyerPayoutAddress:   req.BuyerPayoutAddress,
		SellerPayoutAddress:  req.SellerPayoutAddress,
		MyMultiSigPubKey:     req.MyMultiSigPubKey,
		BuyerMultiSigPubKey:  req.BuyerMultiSigPubKey,
		SellerMultiSigPubKey: req.SellerMultiSigPubKey,
	})
	if err != nil {
		return nil, translateWalletErr(err)
	}
	return &dispute.PayoutTx{ID: res.TxID, Raw: res.Raw}, nil
}

// translateWalletErr maps the wallet's verification-class errors onto the
// engine's ErrTxVerification sentinel so the force-close branch fires.
func translateWalletErr(err error) error {
	switch {
	case errors.Is(err, wallet.ErrBadArbitratorSig),
		errors.Is(err, wallet.ErrMalformedTx),
		errors.Is(err, wallet.ErrNotMultiSigKey),
		errors.Is(err, wallet.ErrDepositTerms):
		return fmt.Errorf("%w: %v", dispute.ErrTxVerification, err)
	}
	return err
}

func (a *walletAdapter) Broadcast(ctx context.Context, tx *dispute.PayoutTx) error {
	return a.wallet.Broadcast(ctx, &wallet.Result{TxID: tx.ID, Raw: tx.Raw})
}

func (a *walletAdapter) ImportTx(raw []byte) (*dispute.PayoutTx, error) {
	res, err := a.wallet.ImportTx(raw)
	if err != nil {
		return nil, err
	}
	return &dispute.PayoutTx{ID: res.TxID, Raw: res.Raw}, nil
}

// tradeRelay is the default TradeLifecycle. The trade protocol itself runs
// in a separate process, so lifecycle notifications are logged for the
// operator; nothing here owns trade state.
type tradeRelay struct {
	logger *slog.Logger
}

func (t *tradeRelay) NotifyDisputeOpenedByPeer(tradeID string) {
	t.logger.Info("trading peer opened a dispute", "trade_id", tradeID)
}

func (t *tradeRelay) CloseDisputedTrade(tradeID string) {
	t.logger.Info("disputed trade closed", "trade_id", tradeID)
}

func (t *tradeRelay) PayoutTxFor(tradeID string) (*dispute.PayoutTx, bool) {
	return nil, false
}

var (
	_ dispute.WalletService  = (*walletAdapter)(nil)
	_ dispute.TradeLifecycle = (*tradeRelay)(nil)
)
