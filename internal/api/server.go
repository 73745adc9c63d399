package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/leogray15-maker/arcane-archives/internal/affiliate"
	"github.com/leogray15-maker/arcane-archives/internal/alerts"
	"github.com/leogray15-maker/arcane-archives/internal/auth"
	"github.com/leogray15-maker/arcane-archives/internal/billing"
	"github.com/leogray15-maker/arcane-archives/internal/cache"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/events"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
	"github.com/leogray15-maker/arcane-archives/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	eventBus    *events.EventBus
	config      ServerConfig
	authService *auth.Service
	ledger      *affiliate.Ledger
	reconciler  *billing.Reconciler
	billing     *billing.Client
	priceID     string // Stripe subscription price
	storeSvc    *store.Service
	board       *alerts.Board
	cache       *cache.CacheService
	feed        *AlertFeed
	rateLimiter *RateLimiter // throttles the auth endpoints
	logger      *logging.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  []string
	ProductionMode  bool
	StaticFilesPath string
	BroadcastQueue  int // WebSocket send buffer per client
}

// Deps carries the services the server routes to. All fields are required
// except Cache, which may be nil when Redis is disabled.
type Deps struct {
	Repo        *database.Repository
	EventBus    *events.EventBus
	AuthService *auth.Service
	Ledger      *affiliate.Ledger
	Reconciler  *billing.Reconciler
	Billing     *billing.Client
	PriceID     string
	Store       *store.Service
	Board       *alerts.Board
	Cache       *cache.CacheService
	Logger      *logging.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Request logging lives in logging.HTTPMiddleware, which wraps the
	// router in Start so every request carries a trace ID
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	if len(config.AllowedOrigins) == 0 || config.AllowedOrigins[0] == "*" {
		// Credentialed requests cannot use a wildcard origin
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		repo:        deps.Repo,
		eventBus:    deps.EventBus,
		config:      config,
		authService: deps.AuthService,
		ledger:      deps.Ledger,
		reconciler:  deps.Reconciler,
		billing:     deps.Billing,
		priceID:     deps.PriceID,
		storeSvc:    deps.Store,
		board:       deps.Board,
		cache:       deps.Cache,
		rateLimiter: NewRateLimiter(30, time.Minute), // 30 auth requests per minute per IP
		logger:      deps.Logger.WithComponent("api"),
	}

	server.feed = NewAlertFeed(config.BroadcastQueue, server.logger)
	go server.feed.Run()
	server.feed.SubscribeTo(deps.EventBus)

	server.setupRoutes()

	return server
}

// authRateLimitMiddleware throttles credential endpoints by client IP
func (s *Server) authRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + c.FullPath()
		if !s.rateLimiter.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	jwtManager := s.authService.GetJWTManager()

	// Auth routes (public, register/login/refresh throttled per IP)
	authHandlers := auth.NewHandlers(s.authService)
	authGroup := s.router.Group("/api/auth")
	authGroup.Use(s.authRateLimitMiddleware())
	authHandlers.RegisterRoutes(authGroup, jwtManager)

	// Public endpoints (auth optional, user context set when a token is sent)
	public := s.router.Group("/api")
	public.Use(auth.OptionalMiddleware(jwtManager))
	{
		public.GET("/alerts/history", s.handleGetAlertHistory)
		public.GET("/store/products", s.handleGetProducts)
	}

	// The live board is the product; it needs an active subscription
	members := s.router.Group("/api")
	members.Use(auth.Middleware(jwtManager), auth.RequirePaid(s.authService))
	{
		members.GET("/alerts", s.handleGetOpenAlerts)
	}

	// Protected endpoints
	api := s.router.Group("/api")
	api.Use(auth.Middleware(jwtManager))
	{
		// Affiliate endpoints
		aff := api.Group("/affiliate")
		{
			aff.GET("/summary", s.handleGetAffiliateSummary)
			aff.GET("/transactions", s.handleGetBalanceTransactions)
			aff.GET("/withdrawals", s.handleGetWithdrawals)
			aff.POST("/withdrawals", s.handleRequestWithdrawal)
		}

		// Store endpoints
		st := api.Group("/store")
		{
			st.POST("/checkout/balance", s.handleBalancePurchase)
			st.POST("/checkout/card", s.handleCardCheckout)
			st.GET("/orders", s.handleGetOrders)
			st.GET("/orders/:id", s.handleGetOrder)
		}

		// Billing endpoints (subscription)
		bill := api.Group("/billing")
		{
			bill.POST("/checkout", s.handleCreateSubscriptionCheckout)
			bill.POST("/portal", s.handleCreateCustomerPortal)
		}
	}

	// Admin endpoints (requires admin role)
	admin := api.Group("/admin")
	admin.Use(auth.RequireAdmin())
	{
		admin.POST("/alerts", s.handlePostAlert)
		admin.POST("/alerts/:id/target", s.handleMarkAlertTarget)
		admin.POST("/alerts/:id/close", s.handleCloseAlert)

		admin.GET("/withdrawals", s.handleAdminListWithdrawals)
		admin.POST("/withdrawals/:id/process", s.handleAdminProcessWithdrawal)

		admin.PUT("/store/products", s.handleAdminUpsertProduct)
		admin.POST("/store/orders/:id/status", s.handleAdminUpdateOrderStatus)

		admin.POST("/cache/flush", s.handleAdminFlushCache)
	}

	// WebSocket alert feed (public, read-only)
	s.router.GET("/ws/alerts", s.handleAlertFeed)

	// Stripe webhook endpoint (no auth required - uses signature verification)
	s.router.POST("/api/billing/webhook", s.handleStripeWebhook)

	// Serve static files (React build) in production
	if s.config.StaticFilesPath != "" {
		s.router.Static("/assets", s.config.StaticFilesPath+"/assets")
		s.router.StaticFile("/", s.config.StaticFilesPath+"/index.html")

		s.router.NoRoute(func(c *gin.Context) {
			// Unmatched API paths get 404 JSON instead of index.html
			if len(c.Request.URL.Path) >= 4 && c.Request.URL.Path[:4] == "/api" {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "NOT_FOUND",
					"path":    c.Request.URL.Path,
					"method":  c.Request.Method,
					"message": "This API endpoint does not exist. Check your request path and HTTP method.",
				})
				return
			}

			// Non-API paths serve index.html to support client-side routing
			c.File(s.config.StaticFilesPath + "/index.html")
		})
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      logging.HTTPMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	resp := gin.H{
		"status":     "healthy",
		"database":   "healthy",
		"ws_clients": s.feed.ClientCount(),
	}
	if s.cache != nil {
		stats := s.cache.GetStats()
		resp["cache"] = "unavailable"
		if stats.Healthy {
			resp["cache"] = "healthy"
		}
		resp["cache_failures"] = stats.FailureCount
	}

	c.JSON(http.StatusOK, resp)
}

// handleAdminFlushCache drops every cached read model so fresh data is
// served after an out-of-band change
func (s *Server) handleAdminFlushCache(c *gin.Context) {
	if s.cache == nil {
		errorResponse(c, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "cache is not configured")
		return
	}
	if err := s.cache.DeletePattern(c.Request.Context(), "*"); err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to flush cache")
		return
	}
	successResponse(c, gin.H{"flushed": true})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":   code,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// getUserIDRequired returns the user ID from the context and sends error if
// not authenticated
func (s *Server) getUserIDRequired(c *gin.Context) (string, bool) {
	userID := auth.GetUserID(c)
	if userID == "" {
		errorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return "", false
	}
	return userID, true
}
