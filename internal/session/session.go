package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when a session is not found
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned when session ID is empty
	ErrInvalidSessionID = errors.New("session ID cannot be empty")
	// ErrInvalidConversationID is returned when conversation ID is empty
	ErrInvalidConversationID = errors.New("conversation ID cannot be empty")
	// ErrInvalidIdentity is returned when the identity is not exactly one of user or guest
	ErrInvalidIdentity = errors.New("exactly one of user ID or guest ID must be set")
	// ErrInvalidAgentID is returned when agent ID is empty
	ErrInvalidAgentID = errors.New("agent ID cannot be empty")
	// ErrInvalidInitialMessage is returned when the initial message is empty
	ErrInvalidInitialMessage = errors.New("initial message cannot be empty")
	// ErrActiveSessionExists is returned when the identity already has an active session
	ErrActiveSessionExists = errors.New("an active handoff session already exists")
	// ErrSessionNotAcceptable is returned when accepting a session that is not waiting
	ErrSessionNotAcceptable = errors.New("session is not in a waiting state")
)

// Status is the lifecycle state of a handoff session.
type Status string

const (
	// StatusWaiting means the session is awaiting an agent.
	StatusWaiting Status = "waiting"
	// StatusConnected means an agent has accepted the session.
	StatusConnected Status = "connected"
	// StatusEnded means the session was ended by a participant.
	StatusEnded Status = "ended"
	// StatusTimedOut means no agent accepted within the timeout.
	StatusTimedOut Status = "timeout"
)

// IsActive reports whether the status still allows transitions.
func (s Status) IsActive() bool {
	return s == StatusWaiting || s == StatusConnected
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusTimedOut
}

// Identity identifies the requesting end user. Exactly one of UserID
// (authenticated) or GuestID (anonymous) is set.
type Identity struct {
	UserID  string
	GuestID string
}

// Validate checks the exactly-one constraint.
func (id Identity) Validate() error {
	if (id.UserID == "") == (id.GuestID == "") {
		return ErrInvalidIdentity
	}
	return nil
}

// Key returns the uniqueness key used to enforce one active session per identity.
func (id Identity) Key() string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "guest:" + id.GuestID
}

// Handoff represents one escalation from bot to human agent.
type Handoff struct {
	// Identity
	ID             string
	ConversationID string
	Requester      Identity

	// InitialMessage is the user text that triggered the escalation.
	// Set at creation, never changed afterwards.
	InitialMessage string

	// Assignment, set on accept
	AgentID   string
	AgentName string

	// Timing
	RequestedAt time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time

	// State
	Status Status
}

// TimeoutRemaining returns how long a waiting session has left before it
// times out, zero for anything not waiting or already past the deadline.
func (h *Handoff) TimeoutRemaining(timeout time.Duration, now time.Time) time.Duration {
	if h.Status != StatusWaiting {
		return 0
	}
	remaining := h.RequestedAt.Add(timeout).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Store holds all handoff sessions in memory and guards every transition.
// All methods return copies; callers never observe later mutations.
type Store struct {
	sessions       map[string]*Handoff // sessionID -> session
	byIdentity     map[string]string   // identity key -> active sessionID
	byConversation map[string]string   // conversationID -> active sessionID
	mu             sync.Mutex
	timeout        time.Duration
}

// NewStore creates a session store with the given waiting-phase timeout.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		sessions:       make(map[string]*Handoff),
		byIdentity:     make(map[string]string),
		byConversation: make(map[string]string),
		timeout:        timeout,
	}
}

// Timeout returns the configured waiting-phase timeout.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Create opens a new waiting session for the conversation, carrying the
// user's message that triggered the escalation.
// Returns ErrActiveSessionExists if the identity or the conversation
// already has a session that is still active.
func (s *Store) Create(conversationID string, requester Identity, initialMessage string) (Handoff, error) {
	if conversationID == "" {
		return Handoff{}, ErrInvalidConversationID
	}
	if err := requester.Validate(); err != nil {
		return Handoff{}, err
	}
	if initialMessage == "" {
		return Handoff{}, ErrInvalidInitialMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if existingID, exists := s.byIdentity[requester.Key()]; exists {
		if existing, ok := s.sessions[existingID]; ok {
			s.expireLocked(existing, now)
			if existing.Status.IsActive() {
				return Handoff{}, fmt.Errorf("%w: session %s", ErrActiveSessionExists, existingID)
			}
		}
	}
	if existingID, exists := s.byConversation[conversationID]; exists {
		if existing, ok := s.sessions[existingID]; ok {
			s.expireLocked(existing, now)
			if existing.Status.IsActive() {
				return Handoff{}, fmt.Errorf("%w: session %s", ErrActiveSessionExists, existingID)
			}
		}
	}

	session := &Handoff{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Requester:      requester,
		InitialMessage: initialMessage,
		RequestedAt:    now,
		Status:         StatusWaiting,
	}

	s.sessions[session.ID] = session
	s.byIdentity[requester.Key()] = session.ID
	s.byConversation[conversationID] = session.ID

	return copyOf(session), nil
}

// Get retrieves a session by ID. A waiting session whose deadline has
// passed is expired here before being returned.
func (s *Store) Get(sessionID string) (Handoff, error) {
	if sessionID == "" {
		return Handoff{}, ErrInvalidSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return Handoff{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.expireLocked(session, time.Now())

	return copyOf(session), nil
}

// ActiveByConversation returns the active session for a conversation, if any.
// A session that expired since the last check does not count as active.
func (s *Store) ActiveByConversation(conversationID string) (Handoff, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, exists := s.byConversation[conversationID]
	if !exists {
		return Handoff{}, false
	}

	session, ok := s.sessions[sessionID]
	if !ok {
		return Handoff{}, false
	}

	s.expireLocked(session, time.Now())
	if !session.Status.IsActive() {
		return Handoff{}, false
	}

	return copyOf(session), true
}

// Accept transitions a waiting session to connected under the store lock,
// so exactly one of several racing agents wins. The deadline is checked
// first; an expired session is not acceptable.
func (s *Store) Accept(sessionID, agentID, agentName string) (Handoff, error) {
	if sessionID == "" {
		return Handoff{}, ErrInvalidSessionID
	}
	if agentID == "" {
		return Handoff{}, ErrInvalidAgentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return Handoff{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	now := time.Now()
	s.expireLocked(session, now)

	if session.Status != StatusWaiting {
		return Handoff{}, fmt.Errorf("%w: status is %s", ErrSessionNotAcceptable, session.Status)
	}

	connectedAt := now
	session.Status = StatusConnected
	session.AgentID = agentID
	session.AgentName = agentName
	session.ConnectedAt = &connectedAt

	return copyOf(session), nil
}

// End moves a session to ended. Ending a session that is already terminal
// is a no-op and reports endedNow=false; callers use that to suppress
// duplicate notifications.
func (s *Store) End(sessionID string) (Handoff, bool, error) {
	if sessionID == "" {
		return Handoff{}, false, ErrInvalidSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return Handoff{}, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.expireLocked(session, time.Now())

	if session.Status.IsTerminal() {
		return copyOf(session), false, nil
	}

	now := time.Now()
	session.Status = StatusEnded
	session.EndedAt = &now
	s.releaseLocked(session)

	return copyOf(session), true, nil
}

// ExpireStale sweeps all waiting sessions whose deadline has passed and
// returns the ones that timed out, ordered by request time.
func (s *Store) ExpireStale(now time.Time) []Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Handoff
	for _, session := range s.sessions {
		if timedOut := s.expireLocked(session, now); timedOut != nil {
			expired = append(expired, copyOf(timedOut))
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].RequestedAt.Before(expired[j].RequestedAt)
	})

	return expired
}

// Waiting returns all sessions still awaiting an agent, oldest first.
// Sessions past their deadline are expired rather than listed.
func (s *Store) Waiting() []Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var waiting []Handoff
	for _, session := range s.sessions {
		if s.expireLocked(session, now) != nil {
			continue
		}
		if session.Status == StatusWaiting {
			waiting = append(waiting, copyOf(session))
		}
	}

	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].RequestedAt.Before(waiting[j].RequestedAt)
	})

	return waiting
}

// expireLocked transitions a waiting session past its deadline to timed out
// and releases its uniqueness claims. The deadline itself is still inside
// the window; only strictly later instants expire. Returns the session if
// it expired on this call, nil otherwise. Caller holds s.mu.
func (s *Store) expireLocked(session *Handoff, now time.Time) *Handoff {
	if session.Status != StatusWaiting {
		return nil
	}
	if !now.After(session.RequestedAt.Add(s.timeout)) {
		return nil
	}

	endedAt := now
	session.Status = StatusTimedOut
	session.EndedAt = &endedAt
	s.releaseLocked(session)

	return session
}

// releaseLocked drops the identity and conversation claims of a session
// that just became terminal. Caller holds s.mu.
func (s *Store) releaseLocked(session *Handoff) {
	if s.byIdentity[session.Requester.Key()] == session.ID {
		delete(s.byIdentity, session.Requester.Key())
	}
	if s.byConversation[session.ConversationID] == session.ID {
		delete(s.byConversation, session.ConversationID)
	}
}

// copyOf returns a detached copy of a session. Timestamps behind pointers
// are duplicated so callers never alias store-internal state.
func copyOf(session *Handoff) Handoff {
	out := *session
	if session.ConnectedAt != nil {
		connectedAt := *session.ConnectedAt
		out.ConnectedAt = &connectedAt
	}
	if session.EndedAt != nil {
		endedAt := *session.EndedAt
		out.EndedAt = &endedAt
	}
	return out
}
