// Package constants provides centralized constant definitions for the handoff gateway.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	ShortTimeout          = 2 * time.Second  // Quick operations like health checks
	HistoryAppendTimeout  = 5 * time.Second  // Best-effort chat-history writes
	SessionPersistTimeout = 5 * time.Second  // Best-effort session audit writes
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	DefaultHandoffTimeout = 60 * time.Second // Waiting session expiry
	DefaultTimeoutSweep   = 5 * time.Second  // Interval of the proactive expiry sweep
	NotificationTimeout   = 30 * time.Second // Email/SMS alert delivery
)

// Sizes and Limits
const (
	DefaultMaxMessageSize = 1048576 // 1MB in bytes for WebSocket messages
	DefaultRateLimit      = 100     // Default messages per minute per identity
	DefaultAgentRateLimit = 60      // Default agent endpoint requests per minute
	MaxRetryAttempts      = 3       // Maximum retry attempts for transient errors
	MaxConnsPerIdentity   = 10      // Simultaneous sockets per conversation or agent
	PublicEndpointRate    = 60      // Requests per minute for healthz/readyz/metrics
	RecentSessionsLimit   = 50      // Sessions returned by the agent dashboard listing
	MinJWTSecretLength    = 32      // Minimum JWT secret length in characters
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second  // Maximum time to read the entire request
	HTTPWriteTimeout = 60 * time.Second  // Maximum time to write the response
	HTTPIdleTimeout  = 120 * time.Second // Maximum time to keep idle connections alive
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute // Rate limiting window
	DefaultCleanupInterval = 5 * time.Minute // Cleanup goroutine interval
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Role names for authorization
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Default configuration values
const (
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultDatabase          = "handoff"
	DefaultSessionCollection = "handoff_sessions"
	DefaultHistoryCollection = "chat_history"
	DefaultPort              = 8080
	DefaultLogLevel          = "info"
	DefaultLogDir            = "logs"
	DefaultPathPrefix        = "/handoff" // Default HTTP path prefix for all routes
	DefaultTrustedProxies    = ""
)

// HTTP headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	BearerPrefix        = "Bearer "
)

// MongoDB field names (BSON tags)
const (
	MongoFieldID             = "_id"
	MongoFieldConversationID = "convId"
	MongoFieldUserID         = "uid"
	MongoFieldGuestID        = "gid"
	MongoFieldAgentID        = "agentId"
	MongoFieldStatus         = "status"
	MongoFieldRequestedAt    = "reqTs"
)

// WeakSecrets lists substrings that indicate a placeholder or guessable JWT secret.
var WeakSecrets = []string{
	"secret", "password", "changeme", "default", "example", "test123",
}
