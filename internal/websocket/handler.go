// Package websocket provides WebSocket connection handling for the handoff
// gateway. It implements HTTP to WebSocket upgrade for both end users and
// agents, connection lifecycle management, and inbound message dispatch.
package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/golog"
	"github.com/real-rm/handoff/internal/auth"
	"github.com/real-rm/handoff/internal/constants"
	handofferrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/message"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/ratelimit"
	"github.com/real-rm/handoff/internal/registry"
	"github.com/real-rm/handoff/internal/util"
)

var (
	// upgrader configures the WebSocket upgrade
	// SECURITY: In production, this service MUST be deployed behind a reverse proxy
	// (nginx, traefik, etc.) that terminates TLS/SSL connections, ensuring all
	// WebSocket connections use the WSS (WebSocket Secure) protocol.
	// The CheckOrigin function is configured per-handler instance.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// Connection lifecycle timeouts
	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

var (
	// ErrConnClosing is returned by SafeSend once the connection teardown has started
	ErrConnClosing = errors.New("connection is closing")

	// ErrSendBufferFull is returned by SafeSend when the outbound buffer is saturated
	ErrSendBufferFull = errors.New("send buffer is full")
)

// Connection represents an active WebSocket connection. A connection belongs
// to exactly one side of a handoff: user connections carry a ConversationID,
// agent connections carry an AgentID.
type Connection struct {
	// conn is the underlying WebSocket connection
	conn *websocket.Conn

	// ConnectionID is a unique identifier for this connection
	ConnectionID string

	// ConversationID identifies the conversation for user connections
	ConversationID string

	// AgentID is the authenticated agent's ID from JWT (agent connections only)
	AgentID string

	// AgentName is the agent's display name from JWT
	AgentName string

	// send is a buffered channel for outbound messages
	send chan []byte

	// closing indicates the connection is being torn down.
	// Set before closing the send channel to prevent send-on-closed-channel panics.
	closing atomic.Bool

	// mu protects concurrent access to the connection
	mu sync.RWMutex
}

// NewUserConnection creates a user-side Connection for testing purposes
func NewUserConnection(conversationID string) *Connection {
	return &Connection{
		ConversationID: conversationID,
		send:           make(chan []byte, 256),
	}
}

// NewAgentConnection creates an agent-side Connection for testing purposes
func NewAgentConnection(agentID, agentName string) *Connection {
	return &Connection{
		AgentID:   agentID,
		AgentName: agentName,
		send:      make(chan []byte, 256),
	}
}

// IsAgent reports whether this connection belongs to an agent
func (c *Connection) IsAgent() bool {
	return c.AgentID != ""
}

// limiterKey namespaces connection and rate limits so a conversation id
// can never collide with an agent id.
func (c *Connection) limiterKey() string {
	if c.IsAgent() {
		return "agent:" + c.AgentID
	}
	return "conv:" + c.ConversationID
}

// SafeSend queues data for delivery on this connection.
// It never blocks: a closing connection or a full buffer is reported as an
// error so callers can count the message as undeliverable.
func (c *Connection) SafeSend(data []byte) error {
	if c.closing.Load() {
		return ErrConnClosing
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SetClosing marks the connection as closing.
// After this call, SafeSend returns ErrConnClosing.
func (c *Connection) SetClosing() {
	c.closing.Store(true)
}

// ReceiveForTest returns the send channel as a receive channel for testing purposes
// This should only be used in tests to verify messages sent to the connection
func (c *Connection) ReceiveForTest() <-chan []byte {
	return c.send
}

// Close gracefully closes the WebSocket connection and cleans up resources
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// MessageRouter dispatches inbound chat messages to the handoff core.
// Satisfied by orchestrator.Orchestrator; defined here to avoid a circular
// dependency.
type MessageRouter interface {
	RouteUserMessage(conversationID, content string) error
	RouteAgentMessage(agentID, conversationID, content string) error
}

// Handler manages WebSocket connections and upgrades for both ends of a handoff
type Handler struct {
	validator      *auth.JWTValidator
	registry       *registry.Registry
	router         MessageRouter
	logger         *golog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	msgLimiter     *ratelimit.MessageLimiter
	allowedOrigins map[string]bool
	maxMessageSize int64

	// connections tracks every live connection for graceful shutdown
	connections map[*Connection]struct{}
	mu          sync.RWMutex
}

// NewHandler creates a new WebSocket handler
func NewHandler(validator *auth.JWTValidator, reg *registry.Registry, router MessageRouter, logger *golog.Logger, maxMessageSize int64) *Handler {
	wsLogger := logger.WithGroup("websocket")
	h := &Handler{
		validator:      validator,
		registry:       reg,
		router:         router,
		logger:         wsLogger,
		connLimiter:    ratelimit.NewConnectionLimiter(constants.MaxConnsPerIdentity),
		msgLimiter:     ratelimit.NewMessageLimiter(constants.DefaultRateWindow, constants.DefaultRateLimit),
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
		connections:    make(map[*Connection]struct{}),
	}
	h.msgLimiter.StartCleanup()
	return h
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections
// If no origins are set, all origins are allowed (development mode)
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// IsOpenOrigin returns true when no allowed origins are configured,
// meaning all origins are accepted. Callers can use this to log security
// warnings or enforce stricter policies at the application level.
// SECURITY: When true, any website can establish WebSocket connections.
// This is acceptable only when the service sits behind a reverse proxy
// that performs its own origin validation.
func (h *Handler) IsOpenOrigin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowedOrigins) == 0
}

// checkOrigin validates the origin of a WebSocket upgrade request
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	// If no origins configured, allow all (development mode)
	if len(h.allowedOrigins) == 0 {
		h.logger.Debug("No origin restrictions configured, allowing all origins")
		return true
	}

	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn("Origin not allowed",
		"origin", origin,
		"allowed_origins", h.allowedOrigins)
	return false
}

// HandleUser upgrades an end-user connection. Users are identified by the
// conversation they belong to; the conversation_id query parameter is
// required. At most one live connection is routed per conversation: a
// reconnect replaces the previous registration.
func (h *Handler) HandleUser(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	// No else needed: early return pattern (guard clause)
	if conversationID == "" {
		http.Error(w, "Missing conversation_id", http.StatusBadRequest)
		return
	}

	connection := &Connection{
		ConversationID: conversationID,
		send:           make(chan []byte, 256),
	}

	// No else needed: early return pattern (guard clause)
	if !h.connLimiter.Allow(connection.limiterKey()) {
		h.logger.Warn("Connection limit exceeded",
			"conversation_id", conversationID,
			"component", "websocket")

		handoffErr := handofferrors.ErrConnectionLimitExceeded(5000)
		http.Error(w, handoffErr.Message, http.StatusTooManyRequests)
		return
	}

	conn, ok := h.upgrade(w, r, connection.limiterKey())
	if !ok {
		return
	}
	connection.conn = conn
	connection.ConnectionID = h.newConnectionID("conv-" + conversationID)

	h.trackConnection(connection)
	h.registry.RegisterUser(conversationID, connection)

	h.logger.Info("User WebSocket connection established",
		"conversation_id", conversationID,
		"connection_id", connection.ConnectionID,
		"component", "websocket")

	util.SafeGo(h.logger, "readPump", func() { connection.readPump(h) })
	util.SafeGo(h.logger, "writePump", func() { connection.writePump() })
}

// HandleAgent upgrades an agent connection. Agents authenticate with a JWT
// carrying the agent or admin role; an agent may hold several simultaneous
// connections (multiple dashboard tabs).
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	// Extract token: prefer Authorization header, fall back to query parameter
	var token string
	authHeader := r.Header.Get(constants.HeaderAuthorization)
	if len(authHeader) > len(constants.BearerPrefix) && authHeader[:len(constants.BearerPrefix)] == constants.BearerPrefix {
		token = authHeader[len(constants.BearerPrefix):]
	}
	if token == "" {
		token = r.URL.Query().Get("token")
		if token != "" {
			h.logger.Warn("JWT provided via query parameter (deprecated, use Authorization header)",
				"component", "websocket")
		}
	}

	// No else needed: early return pattern (guard clause)
	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.logger.Warn("JWT validation failed",
			"error", err,
			"component", "websocket")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	// Admins hold the same access as agents, matching the HTTP endpoints.
	// No else needed: early return pattern (guard clause)
	if !util.HasRole(claims.Roles, constants.RoleAgent, constants.RoleAdmin) {
		h.logger.Warn("Agent role required for agent channel",
			"user_id", claims.UserID,
			"roles", claims.Roles,
			"component", "websocket")
		http.Error(w, "Agent role required", http.StatusForbidden)
		return
	}

	connection := &Connection{
		AgentID:   claims.UserID,
		AgentName: claims.Name,
		send:      make(chan []byte, 256),
	}

	// No else needed: early return pattern (guard clause)
	if !h.connLimiter.Allow(connection.limiterKey()) {
		h.logger.Warn("Connection limit exceeded",
			"agent_id", claims.UserID,
			"component", "websocket")

		handoffErr := handofferrors.ErrConnectionLimitExceeded(5000)
		http.Error(w, handoffErr.Message, http.StatusTooManyRequests)
		return
	}

	conn, ok := h.upgrade(w, r, connection.limiterKey())
	if !ok {
		return
	}
	connection.conn = conn
	connection.ConnectionID = h.newConnectionID("agent-" + claims.UserID)

	h.trackConnection(connection)
	h.registry.RegisterAgent(claims.UserID, connection)

	h.logger.Info("Agent WebSocket connection established",
		"agent_id", claims.UserID,
		"connection_id", connection.ConnectionID,
		"component", "websocket")

	util.SafeGo(h.logger, "readPump", func() { connection.readPump(h) })
	util.SafeGo(h.logger, "writePump", func() { connection.writePump() })
}

// upgrade performs the HTTP to WebSocket upgrade. On failure the connection
// slot reserved with the limiter is released.
func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, limiterKey string) (*websocket.Conn, bool) {
	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	conn, err := localUpgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.connLimiter.Release(limiterKey)
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return nil, false
	}

	// Set read limit to prevent memory exhaustion from oversized messages
	conn.SetReadLimit(h.maxMessageSize)
	return conn, true
}

// newConnectionID generates a unique connection identifier.
// Format: prefix-nanosecondTimestamp-randomHex, which stays unique even for
// rapid reconnects from the same conversation or agent.
func (h *Handler) newConnectionID(prefix string) string {
	randomBytes := make([]byte, 8)
	// No else needed: fallback logic for rare error case
	if _, err := rand.Read(randomBytes); err != nil {
		util.LogError(h.logger, "websocket", "generate random bytes for connection ID", err)
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(randomBytes))
}

// trackConnection adds a connection to the live set
func (h *Handler) trackConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn] = struct{}{}
	metrics.WebSocketConnections.Inc()
}

// releaseConnection removes a connection from the live set and tears down its
// send channel. Safe to call once per connection; the live-set membership
// check makes duplicate calls a no-op.
func (h *Handler) releaseConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn]; !ok {
		return
	}
	delete(h.connections, conn)

	conn.closing.Store(true)
	close(conn.send)

	h.connLimiter.Release(conn.limiterKey())
	metrics.WebSocketConnections.Dec()

	h.logger.Info("Connection released",
		"connection_id", conn.ConnectionID,
		"remaining_connections", len(h.connections))
}

// ConnectionCount returns the number of live connections
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown gracefully closes all active WebSocket connections
// Deprecated: Use ShutdownWithContext instead
func (h *Handler) Shutdown() {
	h.ShutdownWithContext(context.Background())
}

// ShutdownWithContext gracefully closes all active WebSocket connections.
// It respects the context deadline and will force shutdown if the deadline
// is exceeded.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Info("Shutting down WebSocket handler, closing all connections")

	h.msgLimiter.StopCleanup()

	h.mu.Lock()
	connections := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		connections = append(connections, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			h.logger.Info("Closing WebSocket connection",
				"connection_id", c.ConnectionID)

			c.mu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
			}
			c.mu.Unlock()

			c.Close()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded, forcing closure",
			"remaining_connections", len(connections))
		return ctx.Err()
	}
}

// sendPeerUnavailable tells the client their message found no live peer.
// This is a soft delivery outcome of a healthy session, not an error event.
func (c *Connection) sendPeerUnavailable(conversationID string, handoffErr *handofferrors.HandoffError) {
	event := &message.Message{
		Type:           message.TypePeerUnavailable,
		ConversationID: conversationID,
		Content:        handoffErr.Message,
		Sender:         message.SenderSystem,
		Timestamp:      time.Now(),
	}
	if eventBytes, err := json.Marshal(event); err == nil {
		select {
		case c.send <- eventBytes:
		default:
		}
	}
}

// sendErrorResponse sends a structured error message to the client via the
// send channel. Uses a select/default guard to avoid blocking if the channel
// is full.
func (c *Connection) sendErrorResponse(errorInfo *message.ErrorInfo) {
	errorMsg := &message.Message{
		Type:      message.TypeError,
		Sender:    message.SenderSystem,
		Error:     errorInfo,
		Timestamp: time.Now(),
	}
	if errorBytes, err := json.Marshal(errorMsg); err == nil {
		select {
		case c.send <- errorBytes:
		default:
		}
	}
}

// readPump reads messages from the WebSocket connection
// It handles:
// - Setting read deadline based on pongWait
// - Configuring pong handler to reset read deadline
// - Parsing, validating, and dispatching inbound messages
// - Graceful cleanup on connection close or error
func (c *Connection) readPump(h *Handler) {
	defer func() {
		h.logger.Info("WebSocket connection closed",
			"connection_id", c.ConnectionID,
			"component", "websocket")

		// Routing stops for this socket before the send channel is closed
		if c.IsAgent() {
			h.registry.UnregisterAgent(c.AgentID, c)
		} else {
			h.registry.UnregisterUser(c.ConversationID, c)
		}

		h.releaseConnection(c)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.logger.Debug("Heartbeat pong received",
			"connection_id", c.ConnectionID,
			"component", "websocket")
		return nil
	})

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		// No else needed: error handling with break (exits loop)
		if err != nil {
			// No else needed: specific error handling (logs and continues to break)
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn("WebSocket message size limit exceeded",
					"connection_id", c.ConnectionID,
					"limit", h.maxMessageSize,
					"component", "websocket")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogError(h.logger, "websocket", "handle unexpected close", err,
					"connection_id", c.ConnectionID)
			} else {
				h.logger.Info("WebSocket connection closing",
					"connection_id", c.ConnectionID,
					"component", "websocket")
			}
			break
		}

		// Parse incoming message
		var msg message.Message
		// No else needed: error handling with continue (skips to next iteration)
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			h.logger.Warn("Failed to parse message",
				"connection_id", c.ConnectionID,
				"error", err)

			metrics.MessageErrors.Inc()

			c.sendErrorResponse(handofferrors.ErrInvalidMessageFormat("malformed JSON", err).ToErrorInfo())
			continue
		}

		// Sanitize incoming message to prevent XSS
		msg.Sanitize()

		// Set defaults before validation (clients may omit these optional fields)
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		if msg.Sender == "" {
			if c.IsAgent() {
				msg.Sender = message.SenderAgent
			} else {
				msg.Sender = message.SenderUser
			}
		}
		if !c.IsAgent() && msg.ConversationID == "" {
			msg.ConversationID = c.ConversationID
		}

		// Validate message fields (type, required fields, length constraints)
		if err := msg.Validate(); err != nil {
			h.logger.Warn("Message validation failed",
				"connection_id", c.ConnectionID,
				"error", err)

			metrics.MessageErrors.Inc()

			c.sendErrorResponse(handofferrors.ErrInvalidMessageFormat(err.Error(), err).ToErrorInfo())
			continue
		}

		// Per-identity rate limit on inbound chat messages
		if !h.msgLimiter.Allow(c.limiterKey()) {
			retryAfter := int(h.msgLimiter.RetryAfter(c.limiterKey()) / time.Millisecond)
			h.logger.Warn("Message rate limit exceeded",
				"connection_id", c.ConnectionID,
				"retry_after_ms", retryAfter,
				"component", "websocket")

			metrics.MessageErrors.Inc()

			c.sendErrorResponse(handofferrors.ErrTooManyRequests(retryAfter).ToErrorInfo())
			continue
		}

		h.logger.Debug("Message received",
			"connection_id", c.ConnectionID,
			"message_type", msg.Type,
			"component", "websocket")

		metrics.MessagesReceived.Inc()

		if err := h.dispatch(c, &msg); err != nil {
			var handoffErr *handofferrors.HandoffError
			if errors.As(err, &handoffErr) {
				// The peer being offline is a soft outcome, not an error:
				// the session stays live and the transcript already has the
				// message. The client gets a dedicated event for it.
				if handoffErr.Code == handofferrors.ErrCodePeerUnavailable {
					h.logger.Debug("Message found no live peer",
						"connection_id", c.ConnectionID,
						"conversation_id", msg.ConversationID)
					c.sendPeerUnavailable(msg.ConversationID, handoffErr)
					continue
				}

				metrics.MessageErrors.Inc()

				// Expected preconditions (no session) are part of normal
				// operation and stay at debug level
				if handoffErr.IsPrecondition() {
					h.logger.Debug("Message rejected",
						"error_code", handoffErr.Code,
						"connection_id", c.ConnectionID,
						"message_type", msg.Type)
				} else {
					util.LogError(h.logger, "websocket", "route message", err,
						"connection_id", c.ConnectionID,
						"message_type", msg.Type)
				}
				c.sendErrorResponse(handoffErr.ToErrorInfo())
				continue
			}

			metrics.MessageErrors.Inc()
			util.LogError(h.logger, "websocket", "route message", err,
				"connection_id", c.ConnectionID,
				"message_type", msg.Type)
			c.sendErrorResponse(&message.ErrorInfo{
				Code:        string(handofferrors.ErrCodeServiceError),
				Message:     "Failed to process message",
				Recoverable: true,
			})
		}
	}
}

// dispatch routes one validated inbound message to the handoff core.
// The sender side is taken from the connection, never from the payload, so a
// client cannot speak for the other side of the conversation.
func (h *Handler) dispatch(c *Connection, msg *message.Message) error {
	// No else needed: router is required for message processing
	if h.router == nil {
		h.logger.Warn("No router configured, message not processed",
			"connection_id", c.ConnectionID)
		return handofferrors.NewServiceError(handofferrors.ErrCodeServiceError,
			"Service temporarily unavailable", nil)
	}

	switch msg.Type {
	case message.TypeUserMessage:
		if c.IsAgent() {
			return handofferrors.ErrInsufficientPermissions(nil)
		}
		return h.router.RouteUserMessage(c.ConversationID, msg.Content)

	case message.TypeAgentMessage:
		if !c.IsAgent() {
			return handofferrors.ErrInsufficientPermissions(nil)
		}
		return h.router.RouteAgentMessage(c.AgentID, msg.ConversationID, msg.Content)

	default:
		return handofferrors.ErrInvalidMessageFormat(
			fmt.Sprintf("unsupported inbound event type: %s", msg.Type), nil)
	}
}

// writePump writes messages to the WebSocket connection
// It handles:
// - Sending periodic ping messages for heartbeat
// - Writing messages from the send channel
// - Setting write deadlines
// - Graceful connection closure
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// No else needed: channel closed handling (sends close and returns)
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Write each message as a separate WebSocket frame
			// This ensures proper JSON parsing on the client side
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			// No else needed: error handling with return (exits function)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
