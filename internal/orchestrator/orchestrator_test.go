package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/golog"
	handofferrors "github.com/real-rm/handoff/internal/errors"
	"github.com/real-rm/handoff/internal/message"
	"github.com/real-rm/handoff/internal/registry"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() *golog.Logger {
	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            "/tmp/handoff-test-logs",
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		panic("Failed to initialize test logger: " + err.Error())
	}
	return logger
}

// fakeConn records sent events for assertions.
type fakeConn struct {
	mu   sync.Mutex
	sent []*message.Message
	fail bool
}

func (f *fakeConn) SafeSend(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection closing")
	}
	var msg message.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.sent = append(f.sent, &msg)
	return nil
}

func (f *fakeConn) events() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*message.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) lastEvent(t *testing.T) *message.Message {
	t.Helper()
	events := f.events()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

type fakeStorage struct {
	mu      sync.Mutex
	upserts []session.Handoff
	recent  []*storage.SessionDocument
	err     error
}

func (f *fakeStorage) UpsertSession(h session.Handoff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, h)
	return nil
}

func (f *fakeStorage) ListRecent(limit int) ([]*storage.SessionDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.recent, nil
}

func (f *fakeStorage) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*message.Message
	err     error
}

func (f *fakeHistory) AppendMessage(conversationID, sessionID string, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, msg)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeNotifier struct {
	mu       sync.Mutex
	alerts   []string
	timeouts []string
}

func (f *fakeNotifier) SendHandoffAlert(conversationID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, sessionID)
	return nil
}

func (f *fakeNotifier) SendTimeoutAlert(conversationID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, sessionID)
	return nil
}

// closedSchedule rejects everything; openSchedule accepts everything.
type stubSchedule struct {
	open bool
	next time.Time
}

func (s *stubSchedule) IsWithinSchedule(time.Time) bool { return s.open }
func (s *stubSchedule) NextWindowStart(time.Time) (time.Time, bool) {
	return s.next, !s.next.IsZero()
}
func (s *stubSchedule) String() string { return "Monday 09:00-17:00" }

type testFixture struct {
	orch     *Orchestrator
	store    *session.Store
	registry *registry.Registry
	storage  *fakeStorage
	history  *fakeHistory
	notifier *fakeNotifier
}

func newFixture(t *testing.T, schedule ScheduleEvaluator) *testFixture {
	t.Helper()
	return newFixtureWithTimeout(t, schedule, 60*time.Second)
}

func newFixtureWithTimeout(t *testing.T, schedule ScheduleEvaluator, timeout time.Duration) *testFixture {
	t.Helper()
	store := session.NewStore(timeout)
	reg := registry.New()
	st := &fakeStorage{}
	hist := &fakeHistory{}
	notifier := &fakeNotifier{}

	orch := New(store, reg, schedule, notifier, st, hist, 10*time.Millisecond, getTestLogger())
	t.Cleanup(orch.Shutdown)

	return &testFixture{
		orch:     orch,
		store:    store,
		registry: reg,
		storage:  st,
		history:  hist,
		notifier: notifier,
	}
}

func assertHandoffCode(t *testing.T, err error, code handofferrors.ErrorCode) {
	t.Helper()
	var handoffErr *handofferrors.HandoffError
	require.ErrorAs(t, err, &handoffErr)
	assert.Equal(t, code, handoffErr.Code)
}

func TestRequestHandoff(t *testing.T) {
	f := newFixture(t, nil)

	agentConn := &fakeConn{}
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"},
		"My invoice is wrong", &message.Profile{Name: "Dana"})
	require.NoError(t, err)

	assert.Equal(t, session.StatusWaiting, created.Status)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "My invoice is wrong", created.InitialMessage)

	// Connected agents see the waiting conversation immediately, along
	// with the text that triggered the escalation.
	notification := agentConn.lastEvent(t)
	assert.Equal(t, message.TypeAdminNotification, notification.Type)
	assert.Equal(t, created.ID, notification.SessionID)
	assert.Equal(t, "conv-1", notification.ConversationID)
	assert.Equal(t, "My invoice is wrong", notification.Content)
	require.NotNil(t, notification.Profile)
	assert.Equal(t, "Dana", notification.Profile.Name)

	// The audit record lands as well.
	assert.Equal(t, 1, f.storage.upsertCount())
}

func TestRequestHandoffRejectsDuplicate(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	_, err = f.orch.RequestHandoff("conv-2", session.Identity{UserID: "u1"}, "I need help", nil)
	assertHandoffCode(t, err, handofferrors.ErrCodeAlreadyActive)
}

func TestRequestHandoffOutsideWorkingHours(t *testing.T) {
	next := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, &stubSchedule{open: false, next: next})

	_, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	assertHandoffCode(t, err, handofferrors.ErrCodeOutsideWorkingHours)

	var handoffErr *handofferrors.HandoffError
	require.ErrorAs(t, err, &handoffErr)
	assert.Contains(t, handoffErr.Message, "Monday 09:00-17:00")
	assert.Contains(t, handoffErr.Message, next.Format(time.RFC3339))
}

func TestRequestHandoffInsideWorkingHours(t *testing.T) {
	f := newFixture(t, &stubSchedule{open: true})

	_, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	assert.NoError(t, err)
}

func TestRequestHandoffValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.RequestHandoff("", session.Identity{UserID: "u1"}, "I need help", nil)
	assertHandoffCode(t, err, handofferrors.ErrCodeMissingField)

	_, err = f.orch.RequestHandoff("conv-1", session.Identity{}, "I need help", nil)
	assertHandoffCode(t, err, handofferrors.ErrCodeInvalidFormat)

	_, err = f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "", nil)
	assertHandoffCode(t, err, handofferrors.ErrCodeMissingField)
}

func TestRequestHandoffSanitizesInitialMessage(t *testing.T) {
	f := newFixture(t, nil)

	agentConn := &fakeConn{}
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"},
		"<script>alert(1)</script>", nil)
	require.NoError(t, err)

	assert.NotContains(t, created.InitialMessage, "<script>")
	assert.NotContains(t, agentConn.lastEvent(t).Content, "<script>")
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, nil)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{GuestID: "g1"}, "I need help", nil)
	require.NoError(t, err)

	got, remaining, err := f.orch.GetStatus("conv-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Greater(t, remaining, 50*time.Second)

	_, _, err = f.orch.GetStatus("conv-unknown")
	assertHandoffCode(t, err, handofferrors.ErrCodeNoActiveSession)
}

func TestAcceptHandoff(t *testing.T) {
	f := newFixture(t, nil)

	userConn := &fakeConn{}
	agentConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	accepted, err := f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, accepted.Status)

	// Both sides hear about the acceptance, with the agent's display label.
	userEvent := userConn.lastEvent(t)
	assert.Equal(t, message.TypeAccepted, userEvent.Type)
	assert.Contains(t, userEvent.Content, "Agent Alice")

	agentEvent := agentConn.lastEvent(t)
	assert.Equal(t, message.TypeAccepted, agentEvent.Type)

	// The conversation is now linked to the accepting agent.
	agentID, ok := f.registry.LinkedAgentID("conv-1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", agentID)
}

func TestAcceptHandoffWithoutUserConnection(t *testing.T) {
	f := newFixture(t, nil)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	// The user being offline does not block acceptance; they pick up the
	// new state on their next status poll.
	accepted, err := f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, accepted.Status)
}

func TestAcceptHandoffLosers(t *testing.T) {
	f := newFixture(t, nil)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	_, err = f.orch.AcceptHandoff(created.ID, "agent-2", "Bob")
	assertHandoffCode(t, err, handofferrors.ErrCodeSessionNotAcceptable)

	_, err = f.orch.AcceptHandoff("missing", "agent-2", "Bob")
	assertHandoffCode(t, err, handofferrors.ErrCodeSessionNotFound)
}

func TestAcceptHandoffRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	const agents = 16
	var wg sync.WaitGroup
	results := make([]error, agents)

	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.orch.AcceptHandoff(created.ID, fmt.Sprintf("agent-%d", i), "Agent")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assertHandoffCode(t, err, handofferrors.ErrCodeSessionNotAcceptable)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestEndHandoff(t *testing.T) {
	f := newFixture(t, nil)

	userConn := &fakeConn{}
	agentConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	ended, err := f.orch.EndHandoff(created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, ended.Status)

	assert.Equal(t, message.TypeEnded, userConn.lastEvent(t).Type)
	assert.Equal(t, message.TypeEnded, agentConn.lastEvent(t).Type)

	// Link is gone; further agent messages find no active session.
	_, ok := f.registry.LinkedAgentID("conv-1")
	assert.False(t, ok)
}

func TestEndHandoffIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	userConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	_, err = f.orch.EndHandoff(created.ID)
	require.NoError(t, err)
	eventsAfterFirst := len(userConn.events())

	// A second end is quiet: no error, no duplicate event.
	ended, err := f.orch.EndHandoff(created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, ended.Status)
	assert.Equal(t, eventsAfterFirst, len(userConn.events()))
}

func TestRouteUserMessage(t *testing.T) {
	f := newFixture(t, nil)

	agentConn := &fakeConn{}
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	err = f.orch.RouteUserMessage("conv-1", "hello, I need help")
	require.NoError(t, err)

	relayed := agentConn.lastEvent(t)
	assert.Equal(t, message.TypeMessage, relayed.Type)
	assert.Equal(t, "hello, I need help", relayed.Content)
	assert.Equal(t, message.SenderUser, relayed.Sender)
	assert.Equal(t, created.ID, relayed.SessionID)

	assert.Equal(t, 1, f.history.count())
}

func TestRouteUserMessageSanitizesContent(t *testing.T) {
	f := newFixture(t, nil)

	agentConn := &fakeConn{}
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	err = f.orch.RouteUserMessage("conv-1", "<script>alert(1)</script>")
	require.NoError(t, err)

	relayed := agentConn.lastEvent(t)
	assert.NotContains(t, relayed.Content, "<script>")
}

func TestRouteUserMessageWithoutSession(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.RouteUserMessage("conv-1", "anyone there?")
	assertHandoffCode(t, err, handofferrors.ErrCodeNoActiveSession)

	// Waiting is not enough; the session must be connected.
	_, err = f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	err = f.orch.RouteUserMessage("conv-1", "anyone there?")
	assertHandoffCode(t, err, handofferrors.ErrCodeNoActiveSession)
}

func TestRouteUserMessagePeerUnavailable(t *testing.T) {
	f := newFixture(t, nil)

	agentConn := &fakeConn{}
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	// The agent's only connection drops; the session stays connected but
	// messages cannot reach anyone.
	f.registry.UnregisterAgent("agent-1", agentConn)

	err = f.orch.RouteUserMessage("conv-1", "hello?")
	assertHandoffCode(t, err, handofferrors.ErrCodePeerUnavailable)

	// History still recorded the attempt.
	assert.Equal(t, 1, f.history.count())
}

func TestRouteUserMessageHistoryFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.history.err = errors.New("mongo down")

	agentConn := &fakeConn{}
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	err = f.orch.RouteUserMessage("conv-1", "still works")
	require.NoError(t, err)
	assert.Equal(t, "still works", agentConn.lastEvent(t).Content)
}

func TestRouteAgentMessage(t *testing.T) {
	f := newFixture(t, nil)

	userConn := &fakeConn{}
	agentConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	err = f.orch.RouteAgentMessage("agent-1", "conv-1", "how can I help?")
	require.NoError(t, err)

	relayed := userConn.lastEvent(t)
	assert.Equal(t, message.TypeMessage, relayed.Type)
	assert.Equal(t, "how can I help?", relayed.Content)
	assert.Equal(t, message.SenderAgent, relayed.Sender)
	assert.Equal(t, "Agent Alice", relayed.AgentName)
}

func TestRouteAgentMessageFromWrongAgent(t *testing.T) {
	f := newFixture(t, nil)

	f.registry.RegisterUser("conv-1", &fakeConn{})
	f.registry.RegisterAgent("agent-1", &fakeConn{})

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	err = f.orch.RouteAgentMessage("agent-2", "conv-1", "let me in")
	assertHandoffCode(t, err, handofferrors.ErrCodeInsufficientPerms)
}

func TestRouteAgentMessageUserOffline(t *testing.T) {
	f := newFixture(t, nil)

	f.registry.RegisterAgent("agent-1", &fakeConn{})

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	err = f.orch.RouteAgentMessage("agent-1", "conv-1", "are you there?")
	assertHandoffCode(t, err, handofferrors.ErrCodePeerUnavailable)
}

func TestRouteAgentMessageAfterUserDisconnect(t *testing.T) {
	f := newFixture(t, nil)

	userConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)
	f.registry.RegisterAgent("agent-1", &fakeConn{})

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.AcceptHandoff(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	// The user drops mid-conversation. Messages bounce, but the session
	// survives so the user can reconnect and pick up where they left off.
	f.registry.UnregisterUser("conv-1", userConn)

	err = f.orch.RouteAgentMessage("agent-1", "conv-1", "still with me?")
	assertHandoffCode(t, err, handofferrors.ErrCodePeerUnavailable)

	got, _, err := f.orch.GetStatus("conv-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, got.Status)
}

func TestListWaiting(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)
	_, err = f.orch.RequestHandoff("conv-2", session.Identity{UserID: "u2"}, "I need help", nil)
	require.NoError(t, err)

	_, err = f.orch.AcceptHandoff(first.ID, "agent-1", "Alice")
	require.NoError(t, err)

	waiting := f.orch.ListWaiting()
	require.Len(t, waiting, 1)
	assert.Equal(t, "conv-2", waiting[0].ConversationID)
}

func TestSweepExpiresStaleSessions(t *testing.T) {
	// Short timeout so the deadline passes without backdating.
	f := newFixtureWithTimeout(t, nil, 30*time.Millisecond)

	userConn := &fakeConn{}
	agentConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)
	f.registry.RegisterAgent("agent-1", agentConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	f.orch.sweepExpired()

	// The user hears about the timeout, agents drop the stale entry.
	assert.Equal(t, message.TypeTimeout, userConn.lastEvent(t).Type)
	assert.Equal(t, message.TypeTimeout, agentConn.lastEvent(t).Type)

	got, err := f.orch.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTimedOut, got.Status)

	// The conversation is free for a fresh request.
	_, err = f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	assert.NoError(t, err)
}

func TestSweepLeavesFreshSessionsAlone(t *testing.T) {
	f := newFixture(t, nil)

	userConn := &fakeConn{}
	f.registry.RegisterUser("conv-1", userConn)

	created, err := f.orch.RequestHandoff("conv-1", session.Identity{UserID: "u1"}, "I need help", nil)
	require.NoError(t, err)

	f.orch.sweepExpired()

	got, err := f.orch.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaiting, got.Status)
}

func TestListRecent(t *testing.T) {
	f := newFixture(t, nil)
	f.storage.recent = []*storage.SessionDocument{
		{ID: "s1", ConversationID: "conv-1", Status: "ended"},
	}

	docs, err := f.orch.ListRecent(50)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "s1", docs[0].ID)
}

func TestListRecentWithoutStorage(t *testing.T) {
	store := session.NewStore(60 * time.Second)
	orch := New(store, registry.New(), nil, nil, nil, nil, time.Second, getTestLogger())
	t.Cleanup(orch.Shutdown)

	_, err := orch.ListRecent(50)
	assertHandoffCode(t, err, handofferrors.ErrCodeServiceError)
}
