// Package registry tracks live WebSocket connections on both sides of a
// handoff: end users keyed by conversation and agents keyed by agent ID.
// An absent connection is a normal outcome, never an error.
package registry

import (
	"sync"
)

// Conn is the send side of a live connection. Satisfied by
// websocket.Connection; tests substitute a capture fake.
type Conn interface {
	SafeSend(message []byte) error
}

// agentLink pins a conversation to its accepting agent. The preferred
// connection is the one live at accept time; if it drops, any other
// connection of the same agent still serves the conversation.
type agentLink struct {
	agentID   string
	preferred Conn
}

// Registry is the in-memory connection table. All lookups return the
// current connection or reports of absence; it never buffers messages.
type Registry struct {
	userConns  map[string]Conn   // conversationID -> user connection
	agentConns map[string][]Conn // agentID -> connections, oldest first
	links      map[string]*agentLink
	mu         sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		userConns:  make(map[string]Conn),
		agentConns: make(map[string][]Conn),
		links:      make(map[string]*agentLink),
	}
}

// RegisterUser records the user connection for a conversation. A reconnect
// replaces the previous connection.
func (r *Registry) RegisterUser(conversationID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userConns[conversationID] = conn
}

// UnregisterUser removes the user connection for a conversation, but only
// if it is still the given one. A stale close after a reconnect must not
// evict the replacement.
func (r *Registry) UnregisterUser(conversationID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userConns[conversationID] == conn {
		delete(r.userConns, conversationID)
	}
}

// RegisterAgent records a connection for an agent. Agents may hold several
// at once (multiple tabs); registration order is kept so the most recent
// one can be preferred on accept.
func (r *Registry) RegisterAgent(agentID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agentConns[agentID] = append(r.agentConns[agentID], conn)
}

// UnregisterAgent removes one connection of an agent. Conversations whose
// preferred connection this was fall back to the agent's remaining
// connections; the link itself survives until the session ends.
func (r *Registry) UnregisterAgent(agentID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.agentConns[agentID]
	for i, c := range conns {
		if c == conn {
			r.agentConns[agentID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.agentConns[agentID]) == 0 {
		delete(r.agentConns, agentID)
	}

	for _, link := range r.links {
		if link.preferred == conn {
			link.preferred = nil
		}
	}
}

// LinkAgent binds a conversation to the accepting agent, preferring the
// agent's most recently registered connection. Reports false when the
// agent has no live connection; the link is still recorded so routing
// works once the agent reconnects.
func (r *Registry) LinkAgent(conversationID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := &agentLink{agentID: agentID}
	r.links[conversationID] = link

	conns := r.agentConns[agentID]
	if len(conns) == 0 {
		return false
	}
	link.preferred = conns[len(conns)-1]
	return true
}

// Unlink drops the conversation-to-agent binding after a session ends.
func (r *Registry) Unlink(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.links, conversationID)
}

// UserConn returns the live user connection for a conversation.
func (r *Registry) UserConn(conversationID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.userConns[conversationID]
	return conn, ok
}

// AgentConn returns the connection serving a conversation's accepted
// agent: the one linked at accept time, or failing that the agent's most
// recent remaining connection.
func (r *Registry) AgentConn(conversationID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[conversationID]
	if !ok {
		return nil, false
	}
	if link.preferred != nil {
		return link.preferred, true
	}

	conns := r.agentConns[link.agentID]
	if len(conns) == 0 {
		return nil, false
	}
	return conns[len(conns)-1], true
}

// LinkedAgentID returns the agent bound to a conversation, if any.
func (r *Registry) LinkedAgentID(conversationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[conversationID]
	if !ok {
		return "", false
	}
	return link.agentID, true
}

// AllAgentConns returns every registered agent connection, for fan-out of
// waiting-session notifications.
func (r *Registry) AllAgentConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Conn
	for _, conns := range r.agentConns {
		all = append(all, conns...)
	}
	return all
}

// AgentConns returns all connections of one agent, most recent last.
func (r *Registry) AgentConns(agentID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.agentConns[agentID]
	out := make([]Conn, len(conns))
	copy(out, conns)
	return out
}

// UserCount returns the number of registered user connections.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.userConns)
}

// AgentCount returns the number of registered agent connections.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, conns := range r.agentConns {
		total += len(conns)
	}
	return total
}
