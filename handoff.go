// Package handoff provides the main service registration for the human
// handoff gateway. It integrates with gomain by implementing a Register
// function that sets up the WebSocket and HTTP endpoints for escalating
// bot conversations to live human agents.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"github.com/real-rm/handoff/internal/auth"
	"github.com/real-rm/handoff/internal/constants"
	handofferrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/history"
	"github.com/real-rm/handoff/internal/httperrors"
	"github.com/real-rm/handoff/internal/message"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/notification"
	"github.com/real-rm/handoff/internal/orchestrator"
	"github.com/real-rm/handoff/internal/ratelimit"
	"github.com/real-rm/handoff/internal/registry"
	"github.com/real-rm/handoff/internal/schedule"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/storage"
	"github.com/real-rm/handoff/internal/util"
	"github.com/real-rm/handoff/internal/websocket"
)

var (
	// Global references for graceful shutdown
	globalWSHandler     *websocket.Handler
	globalOrchestrator  *orchestrator.Orchestrator
	globalAgentLimiter  *ratelimit.MessageLimiter
	globalPublicLimiter *ratelimit.MessageLimiter
	globalLogger        *golog.Logger
	shutdownMu          sync.Mutex
)

// Register registers the handoff service with the gomain router.
// This function is called by gomain during service initialization.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - config: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for data persistence
//
// Returns:
//   - error: Any error that occurred during registration
func Register(r *gin.Engine, config *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	handoffLogger := logger.WithGroup("handoff")
	handoffLogger.Info("Initializing handoff service")

	// Validate critical configuration at startup
	// This ensures misconfigurations are caught before serving traffic
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		// Fall back to config file
		var err error
		jwtSecret, err = config.ConfigString("handoff.jwt_secret")
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get JWT secret: %w", err)
		}
		if containsPlaceholder(jwtSecret) {
			return fmt.Errorf("JWT_SECRET contains placeholder value, set a real secret before deploying")
		}
	}

	// No else needed: early return pattern (guard clause)
	if err := validateJWTSecret(jwtSecret); err != nil {
		handoffLogger.Error("Configuration validation failed", "error", err)
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Waiting-session timeout
	// Priority: Environment variable > Config file > Default (60s)
	timeoutStr := os.Getenv("HANDOFF_TIMEOUT")
	if timeoutStr == "" {
		var err error
		timeoutStr, err = config.ConfigStringWithDefault("handoff.timeout", constants.DefaultHandoffTimeout.String())
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get handoff timeout: %w", err)
		}
	}
	handoffTimeout, err := time.ParseDuration(timeoutStr)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("invalid handoff timeout format: %w", err)
	}
	if handoffTimeout <= 0 {
		return fmt.Errorf("handoff timeout must be positive (got %s)", handoffTimeout)
	}

	sweepStr, err := config.ConfigStringWithDefault("handoff.sweep_interval", constants.DefaultTimeoutSweep.String())
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get sweep interval: %w", err)
	}
	sweepInterval, err := time.ParseDuration(sweepStr)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("invalid sweep interval format: %w", err)
	}
	if sweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive (got %s)", sweepInterval)
	}

	// Load and validate HTTP path prefix early to fail fast on configuration errors.
	// Priority: Environment variable > Config file > Default ("/handoff")
	pathPrefix := os.Getenv("HANDOFF_PATH_PREFIX")
	if pathPrefix == "" {
		pathPrefix, err = config.ConfigStringWithDefault("handoff.path_prefix", constants.DefaultPathPrefix)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			return fmt.Errorf("failed to get path prefix: %w", err)
		}
	}
	// No else needed: early return pattern (guard clause)
	if pathPrefix == "" {
		return fmt.Errorf("path prefix cannot be empty")
	}
	// No else needed: early return pattern (guard clause)
	if !strings.HasPrefix(pathPrefix, "/") {
		return fmt.Errorf("path prefix must start with '/' (got: %s)", pathPrefix)
	}

	// Working-hours schedule. All validation happens at load time; an empty
	// schedule means the service accepts handoffs around the clock.
	workingSchedule, err := loadSchedule(config, handoffLogger)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("invalid working-hours schedule: %w", err)
	}

	// Maximum WebSocket message size
	// Priority: Environment variable > Config file > Default (1MB)
	maxMessageSize := int64(constants.DefaultMaxMessageSize)
	// No else needed: optional operation (configuration loading with fallback)
	if maxSizeStr := os.Getenv("MAX_MESSAGE_SIZE"); maxSizeStr != "" {
		var parsedSize int64
		// No else needed: optional operation (logging based on parse result)
		if _, err := fmt.Sscanf(maxSizeStr, "%d", &parsedSize); err == nil {
			maxMessageSize = parsedSize
			handoffLogger.Info("Using MAX_MESSAGE_SIZE from environment", "size_bytes", maxMessageSize)
		} else {
			handoffLogger.Warn("Invalid MAX_MESSAGE_SIZE environment variable, using default", "value", maxSizeStr, "default", maxMessageSize)
		}
	} else if configSizeStr, err := config.ConfigStringWithDefault("handoff.max_message_size", fmt.Sprintf("%d", constants.DefaultMaxMessageSize)); err == nil {
		var parsedSize int64
		// No else needed: optional operation (logging based on parse result)
		if _, parseErr := fmt.Sscanf(configSizeStr, "%d", &parsedSize); parseErr == nil {
			maxMessageSize = parsedSize
		} else {
			handoffLogger.Warn("Invalid max_message_size in config, using default", "value", configSizeStr, "default", maxMessageSize)
		}
	}

	// Database and collection names for the audit trail and chat history
	dbName, err := config.ConfigStringWithDefault("handoff.database", constants.DefaultDatabase)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get database name: %w", err)
	}
	sessionColl, err := config.ConfigStringWithDefault("handoff.session_collection", constants.DefaultSessionCollection)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get session collection name: %w", err)
	}
	historyColl, err := config.ConfigStringWithDefault("handoff.history_collection", constants.DefaultHistoryCollection)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get history collection name: %w", err)
	}

	// Create the session audit trail and chat history services
	storageService := storage.NewService(mongo, dbName, sessionColl, handoffLogger)

	indexCtx, indexCancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer indexCancel()
	// No else needed: optional operation (non-critical index creation)
	if err := storageService.EnsureIndexes(indexCtx); err != nil {
		handoffLogger.Warn("Failed to create MongoDB indexes", "error", err)
		// Don't fail startup - indexes can be created manually if needed
	}

	historyService := history.NewService(mongo, dbName, historyColl, handoffLogger)

	// Create notification service for out-of-band agent alerting
	notificationService, err := notification.NewService(handoffLogger, config, mongo)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create notification service: %w", err)
	}

	// Core state: in-memory session store and connection registry
	store := session.NewStore(handoffTimeout)
	reg := registry.New()

	// The orchestrator accepts a nil schedule (always open)
	var scheduleEval orchestrator.ScheduleEvaluator
	if workingSchedule != nil {
		scheduleEval = workingSchedule
	}

	orch := orchestrator.New(store, reg, scheduleEval, notificationService, storageService, historyService, sweepInterval, handoffLogger)

	// Agent endpoint rate limiter
	agentRateLimit, err := config.ConfigIntWithDefault("handoff.agent_rate_limit", constants.DefaultAgentRateLimit)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get agent rate limit: %w", err)
	}
	agentRateWindowStr, err := config.ConfigStringWithDefault("handoff.agent_rate_window", constants.DefaultRateWindow.String())
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to get agent rate window: %w", err)
	}
	agentRateWindow, err := time.ParseDuration(agentRateWindowStr)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("invalid agent rate window format: %w", err)
	}

	agentLimiter := ratelimit.NewMessageLimiter(agentRateWindow, agentRateLimit)

	handoffLogger.Info("Agent rate limiter configured",
		"rate_limit", agentRateLimit,
		"window", agentRateWindow)

	// Create JWT validator
	validator := auth.NewJWTValidator(jwtSecret)

	// Create WebSocket handler wired to the orchestrator and registry
	wsHandler := websocket.NewHandler(validator, reg, orch, handoffLogger, maxMessageSize)

	// Create public endpoint rate limiter (per-IP, prevents abuse of healthz/readyz/metrics)
	publicLimiter := ratelimit.NewMessageLimiter(1*time.Minute, constants.PublicEndpointRate)

	// Configure allowed origins for WebSocket connections
	// SECURITY: When no origins are configured, ALL origins are accepted.
	// This is acceptable only in development. In production, always configure
	// allowed_origins to prevent cross-site WebSocket hijacking.
	allowedOriginsStr, err := config.ConfigStringWithDefault("handoff.allowed_origins", "")
	// No else needed: optional operation (configuration with fallback logging)
	if err == nil && allowedOriginsStr != "" {
		if containsPlaceholder(allowedOriginsStr) {
			return fmt.Errorf("handoff.allowed_origins contains placeholder value %q, set actual origins before deploying", allowedOriginsStr)
		}
		origins := strings.Split(allowedOriginsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		wsHandler.SetAllowedOrigins(origins)
	} else {
		handoffLogger.Warn("No allowed origins configured, allowing all origins (development mode)")
	}

	// Start background goroutines only after all validation is complete,
	// so we don't leak goroutines if Register() returns an error.
	orch.StartSweep()
	agentLimiter.StartCleanup()
	publicLimiter.StartCleanup()

	// Store global references for graceful shutdown.
	// Stop any previously-registered instances to prevent goroutine leaks
	// when Register() is called multiple times (tests, hot-reload).
	shutdownMu.Lock()
	if globalOrchestrator != nil {
		globalOrchestrator.Shutdown()
	}
	if globalAgentLimiter != nil {
		globalAgentLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}
	if globalWSHandler != nil {
		_ = globalWSHandler.ShutdownWithContext(context.Background())
	}
	globalWSHandler = wsHandler
	globalOrchestrator = orch
	globalAgentLimiter = agentLimiter
	globalPublicLimiter = publicLimiter
	globalLogger = handoffLogger
	shutdownMu.Unlock()

	// Configure CORS middleware
	corsOriginsStr, err := config.ConfigStringWithDefault("handoff.cors_allowed_origins", "")
	// No else needed: optional operation (CORS configuration with fallback logging)
	if err == nil && corsOriginsStr != "" {
		if containsPlaceholder(corsOriginsStr) {
			return fmt.Errorf("handoff.cors_allowed_origins contains placeholder value %q, set actual origins before deploying", corsOriginsStr)
		}
		allowedOrigins := strings.Split(corsOriginsStr, ",")
		for i, origin := range allowedOrigins {
			allowedOrigins[i] = strings.TrimSpace(origin)
		}

		corsConfig := cors.Config{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}

		r.Use(cors.New(corsConfig))

		handoffLogger.Info("CORS middleware configured",
			"allowed_origins", allowedOrigins,
			"allow_credentials", true)
	} else {
		handoffLogger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// Configure trusted proxies to prevent X-Forwarded-For spoofing.
	// c.ClientIP() will only trust X-Forwarded-For from these networks.
	trustedProxiesStr, _ := config.ConfigStringWithDefault("handoff.trusted_proxies", constants.DefaultTrustedProxies)
	if trustedProxiesStr != "" {
		proxies := strings.Split(trustedProxiesStr, ",")
		for i, p := range proxies {
			proxies[i] = strings.TrimSpace(p)
		}
		if err := r.SetTrustedProxies(proxies); err != nil {
			handoffLogger.Warn("Failed to set trusted proxies", "error", err)
		} else {
			handoffLogger.Info("Trusted proxies configured", "proxies", proxies)
		}
	}

	// Apply security headers middleware
	r.Use(securityHeadersMiddleware())

	// Apply metrics middleware to record HTTP request duration
	r.Use(metricsMiddleware())

	handoffLogger.Info("Using HTTP path prefix", "prefix", pathPrefix)

	// Register routes
	handoffGroup := r.Group(pathPrefix)
	{
		// End-user WebSocket endpoint, identified by conversation
		handoffGroup.GET("/ws", func(c *gin.Context) {
			wsHandler.HandleUser(c.Writer, c.Request)
		})

		// Agent WebSocket endpoint
		handoffGroup.GET("/ws/agent", func(c *gin.Context) {
			// If JWT is in query param, move it to Authorization header and redact
			// from URL to prevent it from appearing in Gin access logs.
			if token := c.Query("token"); token != "" {
				if c.Request.Header.Get(constants.HeaderAuthorization) == "" {
					c.Request.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
				}
				q := c.Request.URL.Query()
				q.Del("token")
				c.Request.URL.RawQuery = q.Encode()
			}
			wsHandler.HandleAgent(c.Writer, c.Request)
		})

		// End-user HTTP endpoints (unauthenticated, rate limited per IP)
		userLimited := publicRateLimitMiddleware(publicLimiter, handoffLogger)
		handoffGroup.POST("/request", userLimited, handleRequestHandoff(orch, handoffLogger))
		handoffGroup.GET("/status/:conversationId", userLimited, handleStatus(orch))
		handoffGroup.POST("/end/:sessionId", userLimited, handleEnd(orch, handoffLogger))
		handoffGroup.POST("/message", userLimited, handleUserMessage(orch))

		// Agent HTTP endpoints
		agentGroup := handoffGroup.Group("/agent")
		agentGroup.Use(agentAuthMiddleware(validator, handoffLogger))
		agentGroup.Use(agentRateLimitMiddleware(agentLimiter, handoffLogger))
		{
			agentGroup.GET("/waiting", handleListWaiting(orch, store))
			agentGroup.GET("/sessions", handleListRecent(orch, handoffLogger))
			agentGroup.POST("/accept/:sessionId", handleAccept(orch, handoffLogger))
			agentGroup.POST("/end/:sessionId", handleEnd(orch, handoffLogger))
			agentGroup.POST("/message", handleAgentMessage(orch))
		}

		// Health check endpoints (rate limited to prevent abuse)
		handoffGroup.GET("/healthz", publicRateLimitMiddleware(publicLimiter, handoffLogger), handleHealthCheck)
		handoffGroup.GET("/readyz", publicRateLimitMiddleware(publicLimiter, handoffLogger), handleReadyCheck(mongo, dbName, sessionColl, handoffLogger))
	}

	// Prometheus metrics endpoint, restricted to configured networks
	metricsAllowedStr, _ := config.ConfigStringWithDefault("handoff.metrics_allowed_networks", "")
	metricsNets := parseNetworks(metricsAllowedStr, handoffLogger)
	handoffGroup.GET("/metrics/prometheus",
		metricsNetworkMiddleware(metricsNets, handoffLogger),
		publicRateLimitMiddleware(publicLimiter, handoffLogger),
		gin.WrapH(promhttp.Handler()),
	)

	handoffLogger.Info("Handoff service registered successfully",
		"user_ws_endpoint", pathPrefix+"/ws",
		"agent_ws_endpoint", pathPrefix+"/ws/agent",
		"agent_endpoints", pathPrefix+"/agent/*",
		"health_endpoints", pathPrefix+"/healthz, "+pathPrefix+"/readyz",
		"metrics_endpoint", pathPrefix+"/metrics/prometheus",
	)

	return nil
}

// loadSchedule reads the working-hours configuration. Returns nil when no
// schedule is configured, meaning handoffs are accepted around the clock.
//
// Config format:
//
//	handoff.schedule_timezone = "America/New_York"
//	handoff.schedule_hours = "monday=09:00-17:00,tuesday=09:00-17:00"
func loadSchedule(config *goconfig.ConfigAccessor, logger *golog.Logger) (*schedule.Schedule, error) {
	hoursStr, err := config.ConfigStringWithDefault("handoff.schedule_hours", "")
	if err != nil || hoursStr == "" {
		logger.Warn("No working-hours schedule configured, accepting handoff requests at all times")
		return nil, nil
	}

	timezone, err := config.ConfigStringWithDefault("handoff.schedule_timezone", "UTC")
	if err != nil {
		timezone = "UTC"
	}

	hoursByDay, err := parseScheduleHours(hoursStr)
	if err != nil {
		return nil, err
	}

	sched, err := schedule.New(timezone, hoursByDay)
	if err != nil {
		return nil, err
	}

	logger.Info("Working-hours schedule configured",
		"timezone", timezone,
		"schedule", sched.String())
	return sched, nil
}

// parseScheduleHours parses "monday=09:00-17:00,friday=08:00-12:00" into
// per-day hours. Window validation itself is schedule.New's job.
func parseScheduleHours(s string) (map[string]schedule.DayHours, error) {
	hoursByDay := make(map[string]schedule.DayHours)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		day, window, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed schedule entry %q, expected day=HH:MM-HH:MM", entry)
		}
		start, end, ok := strings.Cut(window, "-")
		if !ok {
			return nil, fmt.Errorf("malformed schedule window %q, expected HH:MM-HH:MM", window)
		}
		hoursByDay[strings.ToLower(strings.TrimSpace(day))] = schedule.DayHours{
			Start: strings.TrimSpace(start),
			End:   strings.TrimSpace(end),
		}
	}
	if len(hoursByDay) == 0 {
		return nil, fmt.Errorf("schedule_hours is set but contains no entries")
	}
	return hoursByDay, nil
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"path":   c.FullPath(),
			"status": strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(start).Seconds())
	}
}

// publicRateLimitMiddleware creates a Gin middleware for rate limiting public
// endpoints by client IP to prevent abuse.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Use Gin's ClientIP() which respects trusted proxies to prevent X-Forwarded-For spoofing
		clientIP := c.ClientIP()

		if !limiter.Allow(clientIP) {
			retryAfter := limiter.RetryAfter(clientIP)
			setRetryAfterHeader(c, retryAfter)

			logger.Warn("Public rate limit exceeded",
				"client_ip", clientIP,
				"endpoint", c.Request.URL.Path,
				"component", "rate_limit")

			c.JSON(429, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests, please slow down",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// agentAuthMiddleware creates a Gin middleware for agent JWT authentication
func agentAuthMiddleware(validator *auth.JWTValidator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(constants.HeaderAuthorization)
		token, err := util.ExtractBearerToken(authHeader)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondUnauthorized(c, httperrors.MsgInvalidAuthHeader)
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			// Log detailed error server-side
			logger.Warn("Token validation failed",
				"error", err,
				"component", "auth")
			// Send generic error to client
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		hasAgentRole := false
		for _, role := range claims.Roles {
			// No else needed: optional operation (role checking loop)
			if role == constants.RoleAgent || role == constants.RoleAdmin {
				hasAgentRole = true
				break
			}
		}

		// No else needed: early return pattern (guard clause)
		if !hasAgentRole {
			logger.Warn("Insufficient permissions for agent endpoint",
				"user_id", claims.UserID,
				"roles", claims.Roles,
				"component", "auth")
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// agentRateLimitMiddleware creates a Gin middleware for agent endpoint rate limiting
func agentRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsInterface, exists := c.Get("claims")
		// No else needed: early return pattern (guard clause - let agentAuthMiddleware handle missing claims)
		if !exists {
			c.Next()
			return
		}

		claims, ok := claimsInterface.(*auth.Claims)
		// No else needed: early return pattern (guard clause)
		if !ok {
			util.LogError(logger, "agent_rate_limit", "validate claims type", fmt.Errorf("invalid claims type in context"))
			httperrors.RespondInternalError(c)
			c.Abort()
			return
		}

		// No else needed: early return pattern (guard clause)
		if !limiter.Allow(claims.UserID) {
			retryAfter := limiter.RetryAfter(claims.UserID)

			logger.Warn("Agent rate limit exceeded",
				"user_id", claims.UserID,
				"endpoint", c.Request.URL.Path,
				"retry_after", retryAfter,
				"component", "agent_rate_limit")

			setRetryAfterHeader(c, retryAfter)
			c.JSON(429, gin.H{
				"error":          "rate_limit_exceeded",
				"message":        "Too many requests, please slow down",
				"retry_after_ms": int(retryAfter / time.Millisecond),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// setRetryAfterHeader converts a retry delay to whole seconds, rounding up so
// clients never retry too early.
func setRetryAfterHeader(c *gin.Context, retryAfter time.Duration) {
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Header(constants.HeaderRetryAfter, strconv.Itoa(seconds))
}

// requestHandoffBody is the payload for POST /request. Message is the user
// text that triggered the escalation; agents see it before accepting.
type requestHandoffBody struct {
	ConversationID string           `json:"conversation_id" binding:"required"`
	Message        string           `json:"message" binding:"required"`
	UserID         string           `json:"user_id"`
	GuestID        string           `json:"guest_id"`
	Profile        *message.Profile `json:"profile"`
}

// messageBody is the payload for the HTTP message fallback endpoints
type messageBody struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Content        string `json:"content" binding:"required"`
}

// sessionView converts a handoff session to its JSON representation.
// The agent name carries the same display label users see in chat events.
func sessionView(h session.Handoff) gin.H {
	view := gin.H{
		"session_id":      h.ID,
		"conversation_id": h.ConversationID,
		"status":          string(h.Status),
		"requested_at":    h.RequestedAt.UTC().Format(time.RFC3339),
	}
	if h.InitialMessage != "" {
		view["message"] = h.InitialMessage
	}
	if h.AgentID != "" {
		view["agent_id"] = h.AgentID
		view["agent_name"] = orchestrator.AgentLabel(h.AgentName, h.AgentID)
	}
	if h.ConnectedAt != nil {
		view["connected_at"] = h.ConnectedAt.UTC().Format(time.RFC3339)
	}
	if h.EndedAt != nil {
		view["ended_at"] = h.EndedAt.UTC().Format(time.RFC3339)
	}
	return view
}

// handleRequestHandoff returns a handler for opening a new handoff session
func handleRequestHandoff(orch *orchestrator.Orchestrator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body requestHandoffBody
		// No else needed: early return pattern (guard clause)
		if err := c.ShouldBindJSON(&body); err != nil {
			httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
			return
		}

		requester := session.Identity{UserID: body.UserID, GuestID: body.GuestID}
		handoff, err := orch.RequestHandoff(body.ConversationID, requester, body.Message, body.Profile)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondHandoffError(c, err)
			return
		}

		c.JSON(201, sessionView(handoff))
	}
}

// handleStatus returns a handler reporting the active session for a conversation
func handleStatus(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Param("conversationId")
		// No else needed: early return pattern (guard clause)
		if conversationID == "" {
			httperrors.RespondBadRequest(c, "conversation_id is required")
			return
		}

		handoff, remaining, err := orch.GetStatus(conversationID)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondHandoffError(c, err)
			return
		}

		view := sessionView(handoff)
		if handoff.Status == session.StatusWaiting {
			view["timeout_remaining_ms"] = int(remaining / time.Millisecond)
		}
		c.JSON(200, view)
	}
}

// handleEnd returns a handler for ending a session from either side.
// Ending an already-ended session succeeds quietly.
func handleEnd(orch *orchestrator.Orchestrator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		// No else needed: early return pattern (guard clause)
		if sessionID == "" {
			httperrors.RespondBadRequest(c, "session_id is required")
			return
		}

		handoff, err := orch.EndHandoff(sessionID)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondHandoffError(c, err)
			return
		}

		c.JSON(200, sessionView(handoff))
	}
}

// handleAccept returns a handler for an agent claiming a waiting session.
// Exactly one agent wins; the rest get a conflict response.
func handleAccept(orch *orchestrator.Orchestrator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		// No else needed: early return pattern (guard clause)
		if sessionID == "" {
			httperrors.RespondBadRequest(c, "session_id is required")
			return
		}

		claims, ok := claimsFromContext(c, logger)
		if !ok {
			return
		}

		handoff, err := orch.AcceptHandoff(sessionID, claims.UserID, claims.Name)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			httperrors.RespondHandoffError(c, err)
			return
		}

		c.JSON(200, sessionView(handoff))
	}
}

// handleListWaiting returns a handler for the agent dashboard's waiting queue
func handleListWaiting(orch *orchestrator.Orchestrator, store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		waiting := orch.ListWaiting()
		now := time.Now()

		views := make([]gin.H, 0, len(waiting))
		for _, h := range waiting {
			view := sessionView(h)
			view["timeout_remaining_ms"] = int(h.TimeoutRemaining(store.Timeout(), now) / time.Millisecond)
			views = append(views, view)
		}

		c.JSON(200, gin.H{
			"sessions": views,
			"count":    len(views),
		})
	}
}

// handleListRecent returns a handler for the recent-session audit listing
func handleListRecent(orch *orchestrator.Orchestrator, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := constants.RecentSessionsLimit
		// No else needed: optional operation (limit parsing with validation)
		if limitStr := c.Query("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		sessions, err := orch.ListRecent(limit)
		// No else needed: early return pattern (guard clause)
		if err != nil {
			util.LogError(logger, "http", "list recent sessions", err)
			httperrors.RespondHandoffError(c, err)
			return
		}

		views := make([]gin.H, 0, len(sessions))
		for _, doc := range sessions {
			view := gin.H{
				"session_id":      doc.ID,
				"conversation_id": doc.ConversationID,
				"status":          doc.Status,
				"requested_at":    doc.RequestedAt.UTC().Format(time.RFC3339),
			}
			if doc.InitialMessage != "" {
				view["message"] = doc.InitialMessage
			}
			if doc.AgentID != "" {
				view["agent_id"] = doc.AgentID
				view["agent_name"] = orchestrator.AgentLabel(doc.AgentName, doc.AgentID)
			}
			if doc.ConnectedAt != nil {
				view["connected_at"] = doc.ConnectedAt.UTC().Format(time.RFC3339)
			}
			if doc.EndedAt != nil {
				view["ended_at"] = doc.EndedAt.UTC().Format(time.RFC3339)
			}
			views = append(views, view)
		}

		c.JSON(200, gin.H{
			"sessions": views,
			"count":    len(views),
		})
	}
}

// handleUserMessage returns a handler for the end-user HTTP message fallback.
// The WebSocket channel is the primary transport; this endpoint serves
// clients that cannot hold a socket open.
func handleUserMessage(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body messageBody
		// No else needed: early return pattern (guard clause)
		if err := c.ShouldBindJSON(&body); err != nil {
			httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
			return
		}

		if err := orch.RouteUserMessage(body.ConversationID, body.Content); err != nil {
			// A missing peer is a soft outcome of a healthy session, not a
			// failure; the message is already in the transcript.
			if isPeerUnavailable(err) {
				c.JSON(200, gin.H{"delivered": false})
				return
			}
			httperrors.RespondHandoffError(c, err)
			return
		}

		c.JSON(200, gin.H{"delivered": true})
	}
}

// handleAgentMessage returns a handler for the agent HTTP message fallback
func handleAgentMessage(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsInterface, exists := c.Get("claims")
		// No else needed: early return pattern (guard clause)
		if !exists {
			httperrors.RespondUnauthorized(c, "")
			return
		}
		claims, ok := claimsInterface.(*auth.Claims)
		// No else needed: early return pattern (guard clause)
		if !ok {
			httperrors.RespondInternalError(c)
			return
		}

		var body messageBody
		// No else needed: early return pattern (guard clause)
		if err := c.ShouldBindJSON(&body); err != nil {
			httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
			return
		}

		if err := orch.RouteAgentMessage(claims.UserID, body.ConversationID, body.Content); err != nil {
			// No else needed: soft outcome (peer offline, session still live)
			if isPeerUnavailable(err) {
				c.JSON(200, gin.H{"delivered": false})
				return
			}
			httperrors.RespondHandoffError(c, err)
			return
		}

		c.JSON(200, gin.H{"delivered": true})
	}
}

// isPeerUnavailable reports whether routing failed only because the other
// participant has no live connection right now.
func isPeerUnavailable(err error) bool {
	var handoffErr *handofferrors.HandoffError
	return errors.As(err, &handoffErr) && handoffErr.Code == handofferrors.ErrCodePeerUnavailable
}

// claimsFromContext extracts the validated agent claims set by agentAuthMiddleware
func claimsFromContext(c *gin.Context, logger *golog.Logger) (*auth.Claims, bool) {
	claimsInterface, exists := c.Get("claims")
	// No else needed: early return pattern (guard clause)
	if !exists {
		httperrors.RespondUnauthorized(c, "")
		return nil, false
	}

	claims, ok := claimsInterface.(*auth.Claims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		util.LogError(logger, "http", "validate claims type", fmt.Errorf("invalid claims type in context"))
		httperrors.RespondInternalError(c)
		return nil, false
	}

	return claims, true
}

// handleHealthCheck returns a handler for liveness probe endpoint.
// This endpoint checks if the application is alive and should be restarted if it fails.
func handleHealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck returns a handler for readiness probe endpoint.
// This endpoint checks if the application is ready to serve traffic.
func handleReadyCheck(mongo *gomongo.Mongo, dbName, collName string, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]interface{})
		allReady := true

		// No else needed: optional operation (MongoDB health check)
		if mongo == nil {
			checks["mongodb"] = map[string]interface{}{
				"status": "not ready",
				"reason": "MongoDB not initialized",
			}
			allReady = false
		} else {
			ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
			defer cancel()

			testColl := mongo.Coll(dbName, collName)
			err := testColl.Ping(ctx)
			// No else needed: optional operation (health check result recording)
			if err != nil {
				// Log detailed error server-side
				logger.Warn("MongoDB health check failed",
					"error", err,
					"component", "health")

				// Send generic error to client
				checks["mongodb"] = map[string]interface{}{
					"status": "not ready",
					"reason": "Database connectivity check failed",
				}
				allReady = false
			} else {
				checks["mongodb"] = map[string]interface{}{
					"status": "ready",
				}
			}
		}

		status := "ready"
		statusCode := 200
		// No else needed: optional operation (status code adjustment based on health)
		if !allReady {
			status = "not ready"
			statusCode = 503
		}

		c.JSON(statusCode, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// Shutdown gracefully shuts down the handoff service.
// It stops the timeout sweep, rate limiter cleanups, and closes all active
// WebSocket connections. This function should be called when the application
// receives a SIGTERM or SIGINT signal. It respects the context deadline and
// will force shutdown if the deadline is exceeded.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()

	// No else needed: optional operation (logging during shutdown)
	if globalLogger != nil {
		globalLogger.Info("Starting graceful shutdown of handoff service")
	}

	// Stop the timeout sweep goroutine
	// No else needed: optional operation (cleanup stop)
	if globalOrchestrator != nil {
		globalOrchestrator.Shutdown()
	}

	// Stop rate limiter cleanup goroutines
	// No else needed: optional operation (cleanup stop)
	if globalAgentLimiter != nil {
		globalAgentLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}

	// Close all WebSocket connections with context deadline
	// No else needed: optional operation (WebSocket shutdown with error handling)
	if globalWSHandler != nil {
		// No else needed: early return pattern (guard clause)
		if err := globalWSHandler.ShutdownWithContext(ctx); err != nil {
			// No else needed: optional operation (error logging)
			if globalLogger != nil {
				globalLogger.Warn("WebSocket handler shutdown error", "error", err)
			}
			return err
		}
	}

	// No else needed: optional operation (final logging)
	if globalLogger != nil {
		globalLogger.Info("Handoff service shutdown complete")
	}

	return nil
}

// validateJWTSecret validates the JWT secret strength
// Returns error if secret is empty, too short, or contains weak patterns
func validateJWTSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	// Check minimum length (32 characters for strong security)
	if len(secret) < constants.MinJWTSecretLength {
		return fmt.Errorf(
			"JWT secret must be at least %d characters (got %d). "+
				"Generate a strong secret with: openssl rand -base64 32",
			constants.MinJWTSecretLength, len(secret))
	}

	// Check for common weak secrets
	lowerSecret := strings.ToLower(secret)
	for _, weak := range constants.WeakSecrets {
		if strings.Contains(lowerSecret, weak) {
			return fmt.Errorf(
				"JWT secret appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32",
				weak)
		}
	}

	return nil
}

// parseNetworks parses a comma-separated list of CIDR network strings.
func parseNetworks(networksStr string, logger *golog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(networksStr, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// If no networks configured, allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}

// containsPlaceholder checks if a configuration value still contains
// a deployment placeholder that should have been replaced.
func containsPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	return strings.Contains(upper, "REPLACE_WITH") ||
		strings.Contains(upper, "PLACEHOLDER") ||
		strings.Contains(upper, "CHANGE-ME") ||
		strings.Contains(upper, "CHANGE_ME") ||
		strings.Contains(upper, "YOUR-")
}
