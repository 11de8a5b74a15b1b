// Package orchestrator coordinates the handoff lifecycle: requesting a
// human agent, pairing the winning agent with the conversation, relaying
// messages between the two sides, and expiring unanswered requests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/real-rm/golog"
	handofferrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/message"
	"github.com/real-rm/handoff/internal/metrics"
	"github.com/real-rm/handoff/internal/registry"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/storage"
	"github.com/real-rm/handoff/internal/util"
)

// ScheduleEvaluator gates handoff requests on working hours. A nil
// evaluator means the service is always open.
type ScheduleEvaluator interface {
	IsWithinSchedule(now time.Time) bool
	NextWindowStart(now time.Time) (time.Time, bool)
	String() string
}

// NotificationService interface for out-of-band agent alerting (to avoid circular dependency)
type NotificationService interface {
	SendHandoffAlert(conversationID, sessionID string) error
	SendTimeoutAlert(conversationID, sessionID string) error
}

// StorageService interface for the session audit trail (to avoid circular dependency and enable testing)
type StorageService interface {
	UpsertSession(h session.Handoff) error
	ListRecent(limit int) ([]*storage.SessionDocument, error)
}

// HistoryService interface for chat history writes (to avoid circular dependency and enable testing)
type HistoryService interface {
	AppendMessage(conversationID, sessionID string, msg *message.Message) error
}

// Orchestrator drives handoff sessions end to end. The in-memory store
// and registry are the source of truth; storage, history, and
// notifications are best effort.
type Orchestrator struct {
	store         *session.Store
	registry      *registry.Registry
	schedule      ScheduleEvaluator
	notifications NotificationService
	storage       StorageService
	history       HistoryService
	logger        *golog.Logger
	sweepInterval time.Duration
	sweepWg       sync.WaitGroup
	ctx           context.Context    // lifecycle context, cancelled on Shutdown
	cancel        context.CancelFunc
}

// New creates an orchestrator. schedule, notifications, storage, and
// history may each be nil; the corresponding concern is then skipped.
func New(
	store *session.Store,
	reg *registry.Registry,
	schedule ScheduleEvaluator,
	notifications NotificationService,
	storageService StorageService,
	historyService HistoryService,
	sweepInterval time.Duration,
	logger *golog.Logger,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:         store,
		registry:      reg,
		schedule:      schedule,
		notifications: notifications,
		storage:       storageService,
		history:       historyService,
		logger:        logger.WithGroup("orchestrator"),
		sweepInterval: sweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RequestHandoff opens a waiting session for the conversation, carrying
// the user's triggering message, and fans the request out to every
// connected agent so they can judge whether to accept. Outside working
// hours the request is rejected with the next opening time.
func (o *Orchestrator) RequestHandoff(conversationID string, requester session.Identity, initialMessage string, profile *message.Profile) (session.Handoff, error) {
	now := time.Now()

	if o.schedule != nil && !o.schedule.IsWithinSchedule(now) {
		detail := fmt.Sprintf("Live support hours: %s.", o.schedule.String())
		if next, ok := o.schedule.NextWindowStart(now); ok {
			detail = fmt.Sprintf("%s Next available at %s.", detail, next.Format(time.RFC3339))
		}
		return session.Handoff{}, handofferrors.ErrOutsideWorkingHours(detail)
	}

	if len(initialMessage) > message.MaxContentLength {
		return session.Handoff{}, handofferrors.ErrInvalidMessageFormat(
			fmt.Sprintf("message exceeds maximum length of %d characters", message.MaxContentLength), nil)
	}
	initialMessage = message.SanitizeText(initialMessage)

	created, err := o.store.Create(conversationID, requester, initialMessage)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrActiveSessionExists):
			return session.Handoff{}, handofferrors.ErrAlreadyActive()
		case errors.Is(err, session.ErrInvalidConversationID):
			return session.Handoff{}, handofferrors.ErrMissingField("conversation_id")
		case errors.Is(err, session.ErrInvalidInitialMessage):
			return session.Handoff{}, handofferrors.ErrMissingField("message")
		case errors.Is(err, session.ErrInvalidIdentity):
			return session.Handoff{}, handofferrors.ErrInvalidMessageFormat("exactly one of user_id or guest_id must be set", err)
		default:
			return session.Handoff{}, handofferrors.ErrDatabaseError(err)
		}
	}

	metrics.HandoffsRequested.Inc()
	metrics.WaitingSessions.Inc()

	o.logger.Info("Handoff requested",
		"session_id", created.ID,
		"conversation_id", created.ConversationID,
		"requester", created.Requester.Key())

	o.persistSession(created)

	// Every connected agent sees the new waiting conversation together
	// with what the user asked.
	notification := &message.Message{
		Type:           message.TypeAdminNotification,
		SessionID:      created.ID,
		ConversationID: created.ConversationID,
		Content:        created.InitialMessage,
		Sender:         message.SenderSystem,
		Profile:        profile,
		Timestamp:      time.Now(),
	}
	o.fanOutToAgents(notification)

	if o.notifications != nil {
		conversationID := created.ConversationID
		sessionID := created.ID
		lifecycle := o.ctx
		util.SafeGo(o.logger, "handoffAlert", func() {
			if lifecycle.Err() != nil {
				return
			}
			if err := o.notifications.SendHandoffAlert(conversationID, sessionID); err != nil {
				util.LogError(o.logger, "orchestrator", "send handoff alert", err,
					"session_id", sessionID,
					"conversation_id", conversationID)
			}
		})
	}

	return created, nil
}

// GetStatus returns the conversation's active session and, for waiting
// sessions, the time left before timeout.
func (o *Orchestrator) GetStatus(conversationID string) (session.Handoff, time.Duration, error) {
	active, ok := o.store.ActiveByConversation(conversationID)
	if !ok {
		return session.Handoff{}, 0, handofferrors.ErrNoActiveSession()
	}

	remaining := active.TimeoutRemaining(o.store.Timeout(), time.Now())
	return active, remaining, nil
}

// GetSession returns any session by ID, terminal ones included.
func (o *Orchestrator) GetSession(sessionID string) (session.Handoff, error) {
	got, err := o.store.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return session.Handoff{}, handofferrors.ErrSessionNotFound()
		}
		return session.Handoff{}, handofferrors.ErrDatabaseError(err)
	}
	return got, nil
}

// AcceptHandoff claims a waiting session for an agent. Of several agents
// racing for the same session exactly one wins; the rest get a
// precondition error. Acceptance succeeds even if the end user has no
// live connection at this moment.
func (o *Orchestrator) AcceptHandoff(sessionID, agentID, agentName string) (session.Handoff, error) {
	accepted, err := o.store.Accept(sessionID, agentID, agentName)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return session.Handoff{}, handofferrors.ErrSessionNotFound()
		case errors.Is(err, session.ErrSessionNotAcceptable):
			metrics.AcceptConflicts.Inc()
			return session.Handoff{}, handofferrors.ErrSessionNotAcceptable()
		case errors.Is(err, session.ErrInvalidSessionID):
			return session.Handoff{}, handofferrors.ErrMissingField("session_id")
		case errors.Is(err, session.ErrInvalidAgentID):
			return session.Handoff{}, handofferrors.ErrMissingField("agent_id")
		default:
			return session.Handoff{}, handofferrors.ErrDatabaseError(err)
		}
	}

	metrics.HandoffsAccepted.Inc()
	metrics.WaitingSessions.Dec()
	metrics.ConnectedSessions.Inc()

	linked := o.registry.LinkAgent(accepted.ConversationID, agentID)

	o.logger.Info("Handoff accepted",
		"session_id", accepted.ID,
		"conversation_id", accepted.ConversationID,
		"agent_id", agentID,
		"agent_linked", linked)

	o.persistSession(accepted)

	acceptedMsg := &message.Message{
		Type:           message.TypeAccepted,
		SessionID:      accepted.ID,
		ConversationID: accepted.ConversationID,
		Content:        fmt.Sprintf("%s has joined the conversation", AgentLabel(accepted.AgentName, accepted.AgentID)),
		AgentName:      accepted.AgentName,
		Sender:         message.SenderSystem,
		Timestamp:      time.Now(),
	}

	// The user may be offline right now; they learn of the acceptance on
	// their next status poll.
	if conn, ok := o.registry.UserConn(accepted.ConversationID); ok {
		if err := o.sendEvent(conn, acceptedMsg); err != nil {
			o.logger.Warn("Failed to push acceptance to user",
				"session_id", accepted.ID, "error", err)
		}
	}
	if conn, ok := o.registry.AgentConn(accepted.ConversationID); ok {
		if err := o.sendEvent(conn, acceptedMsg); err != nil {
			o.logger.Warn("Failed to push acceptance to agent",
				"session_id", accepted.ID, "error", err)
		}
	}

	return accepted, nil
}

// EndHandoff closes a session. Ending an already terminal session is a
// quiet no-op, so both sides can end without racing each other.
func (o *Orchestrator) EndHandoff(sessionID string) (session.Handoff, error) {
	ended, endedNow, err := o.store.End(sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return session.Handoff{}, handofferrors.ErrSessionNotFound()
		case errors.Is(err, session.ErrInvalidSessionID):
			return session.Handoff{}, handofferrors.ErrMissingField("session_id")
		default:
			return session.Handoff{}, handofferrors.ErrDatabaseError(err)
		}
	}

	if !endedNow {
		return ended, nil
	}

	metrics.HandoffsEnded.Inc()
	if ended.ConnectedAt != nil {
		metrics.ConnectedSessions.Dec()
	} else {
		metrics.WaitingSessions.Dec()
	}

	o.logger.Info("Handoff ended",
		"session_id", ended.ID,
		"conversation_id", ended.ConversationID,
		"agent_id", ended.AgentID)

	o.persistSession(ended)

	endedMsg := &message.Message{
		Type:           message.TypeEnded,
		SessionID:      ended.ID,
		ConversationID: ended.ConversationID,
		Content:        "The live support session has ended",
		Sender:         message.SenderSystem,
		Timestamp:      time.Now(),
	}

	if conn, ok := o.registry.UserConn(ended.ConversationID); ok {
		if err := o.sendEvent(conn, endedMsg); err != nil {
			o.logger.Warn("Failed to push session end to user",
				"session_id", ended.ID, "error", err)
		}
	}
	if conn, ok := o.registry.AgentConn(ended.ConversationID); ok {
		if err := o.sendEvent(conn, endedMsg); err != nil {
			o.logger.Warn("Failed to push session end to agent",
				"session_id", ended.ID, "error", err)
		}
	}

	o.registry.Unlink(ended.ConversationID)

	return ended, nil
}

// RouteUserMessage relays a user's message to the agent serving their
// conversation. History is appended first so the transcript survives
// even when the agent is briefly unreachable.
func (o *Orchestrator) RouteUserMessage(conversationID, content string) error {
	active, ok := o.store.ActiveByConversation(conversationID)
	if !ok || active.Status != session.StatusConnected {
		return handofferrors.ErrNoActiveSession()
	}

	relay := &message.Message{
		Type:           message.TypeMessage,
		SessionID:      active.ID,
		ConversationID: conversationID,
		Content:        content,
		Sender:         message.SenderUser,
		Timestamp:      time.Now(),
	}
	relay.Sanitize()

	o.appendHistory(conversationID, active.ID, relay)

	conn, ok := o.registry.AgentConn(conversationID)
	if !ok {
		metrics.MessagesUndeliverable.Inc()
		return handofferrors.ErrPeerUnavailable()
	}

	if err := o.sendEvent(conn, relay); err != nil {
		metrics.MessagesUndeliverable.Inc()
		return handofferrors.ErrPeerUnavailable()
	}

	metrics.MessagesRouted.Inc()
	return nil
}

// RouteAgentMessage relays an agent's reply to the conversation's end
// user. Only the agent who accepted the session may write into it.
func (o *Orchestrator) RouteAgentMessage(agentID, conversationID, content string) error {
	active, ok := o.store.ActiveByConversation(conversationID)
	if !ok || active.Status != session.StatusConnected {
		return handofferrors.ErrNoActiveSession()
	}

	if active.AgentID != agentID {
		o.logger.Warn("Agent message for a conversation held by another agent",
			"conversation_id", conversationID,
			"session_agent", active.AgentID,
			"sender_agent", agentID)
		return handofferrors.ErrInsufficientPermissions(nil)
	}

	relay := &message.Message{
		Type:           message.TypeMessage,
		SessionID:      active.ID,
		ConversationID: conversationID,
		Content:        content,
		AgentName:      AgentLabel(active.AgentName, active.AgentID),
		Sender:         message.SenderAgent,
		Timestamp:      time.Now(),
	}
	relay.Sanitize()

	o.appendHistory(conversationID, active.ID, relay)

	conn, ok := o.registry.UserConn(conversationID)
	if !ok {
		metrics.MessagesUndeliverable.Inc()
		return handofferrors.ErrPeerUnavailable()
	}

	if err := o.sendEvent(conn, relay); err != nil {
		metrics.MessagesUndeliverable.Inc()
		return handofferrors.ErrPeerUnavailable()
	}

	metrics.MessagesRouted.Inc()
	return nil
}

// ListWaiting returns all sessions currently awaiting an agent, oldest first.
func (o *Orchestrator) ListWaiting() []session.Handoff {
	return o.store.Waiting()
}

// ListRecent returns the latest session records from the audit trail.
func (o *Orchestrator) ListRecent(limit int) ([]*storage.SessionDocument, error) {
	if o.storage == nil {
		return nil, handofferrors.NewServiceError(
			handofferrors.ErrCodeServiceError,
			"Session history is not available",
			nil,
		)
	}

	docs, err := o.storage.ListRecent(limit)
	if err != nil {
		return nil, handofferrors.ErrDatabaseError(err)
	}
	return docs, nil
}

// StartSweep launches the periodic expiry sweep so unanswered requests
// time out even when nobody polls their status.
func (o *Orchestrator) StartSweep() {
	o.sweepWg.Add(1)
	util.SafeGo(o.logger, "timeoutSweep", func() {
		defer o.sweepWg.Done()
		ticker := time.NewTicker(o.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				o.sweepExpired()
			case <-o.ctx.Done():
				return
			}
		}
	})
}

// sweepExpired times out overdue waiting sessions and tells both sides.
func (o *Orchestrator) sweepExpired() {
	expired := o.store.ExpireStale(time.Now())

	for _, timedOut := range expired {
		metrics.HandoffsTimedOut.Inc()
		metrics.WaitingSessions.Dec()

		o.logger.Info("Handoff timed out",
			"session_id", timedOut.ID,
			"conversation_id", timedOut.ConversationID)

		o.persistSession(timedOut)

		timeoutMsg := &message.Message{
			Type:           message.TypeTimeout,
			SessionID:      timedOut.ID,
			ConversationID: timedOut.ConversationID,
			Content:        "No agent is available right now. Please try again later.",
			Sender:         message.SenderSystem,
			Timestamp:      time.Now(),
		}

		if conn, ok := o.registry.UserConn(timedOut.ConversationID); ok {
			if err := o.sendEvent(conn, timeoutMsg); err != nil {
				o.logger.Warn("Failed to push timeout to user",
					"session_id", timedOut.ID, "error", err)
			}
		}
		// Agents drop the stale entry from their queues.
		o.fanOutToAgents(timeoutMsg)

		if o.notifications != nil {
			conversationID := timedOut.ConversationID
			sessionID := timedOut.ID
			lifecycle := o.ctx
			util.SafeGo(o.logger, "timeoutAlert", func() {
				if lifecycle.Err() != nil {
					return
				}
				if err := o.notifications.SendTimeoutAlert(conversationID, sessionID); err != nil {
					util.LogError(o.logger, "orchestrator", "send timeout alert", err,
						"session_id", sessionID)
				}
			})
		}
	}
}

// Shutdown stops the sweep and background notification goroutines.
func (o *Orchestrator) Shutdown() {
	o.logger.Info("Shutting down orchestrator")
	o.cancel()
	o.sweepWg.Wait()
}

// persistSession writes the session's current state to the audit trail
// (fire-and-forget). The in-memory store is the source of truth; storage
// failure is logged but non-fatal.
func (o *Orchestrator) persistSession(h session.Handoff) {
	if o.storage == nil {
		return
	}
	if err := o.storage.UpsertSession(h); err != nil {
		o.logger.Warn("Failed to persist session record",
			"session_id", h.ID,
			"status", h.Status,
			"error", err)
	}
}

// appendHistory stores a relayed message (fire-and-forget). Delivery to
// the live peer never fails because of the history store.
func (o *Orchestrator) appendHistory(conversationID, sessionID string, msg *message.Message) {
	if o.history == nil {
		return
	}
	if err := o.history.AppendMessage(conversationID, sessionID, msg); err != nil {
		metrics.HistoryAppendErrors.Inc()
		o.logger.Warn("Failed to append message to history",
			"conversation_id", conversationID,
			"session_id", sessionID,
			"error", err)
	}
}

// fanOutToAgents sends an event to every registered agent connection.
func (o *Orchestrator) fanOutToAgents(msg *message.Message) {
	for _, conn := range o.registry.AllAgentConns() {
		if err := o.sendEvent(conn, msg); err != nil {
			o.logger.Warn("Failed to notify agent connection",
				"event", msg.Type, "error", err)
		}
	}
}

// sendEvent marshals and pushes one event over a connection.
func (o *Orchestrator) sendEvent(conn registry.Conn, msg *message.Message) error {
	data, err := util.MarshalJSON(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := conn.SafeSend(data); err != nil {
		return err
	}

	metrics.MessagesSent.Inc()
	return nil
}

// AgentLabel is the display name shown to end users: the agent's name
// when known, otherwise their ID.
func AgentLabel(agentName, agentID string) string {
	if agentName != "" {
		return fmt.Sprintf("Agent %s", agentName)
	}
	return fmt.Sprintf("Agent %s", agentID)
}
