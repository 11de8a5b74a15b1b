package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 60 * time.Second

func userIdentity(id string) Identity {
	return Identity{UserID: id}
}

func guestIdentity(id string) Identity {
	return Identity{GuestID: id}
}

// backdate rewinds a session's request time so deadline checks fire without sleeping.
func backdate(t *testing.T, store *Store, sessionID string, by time.Duration) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	session, ok := store.sessions[sessionID]
	require.True(t, ok)
	session.RequestedAt = session.RequestedAt.Add(-by)
}

func TestIdentityValidate(t *testing.T) {
	assert.NoError(t, Identity{UserID: "u1"}.Validate())
	assert.NoError(t, Identity{GuestID: "g1"}.Validate())
	assert.ErrorIs(t, Identity{}.Validate(), ErrInvalidIdentity)
	assert.ErrorIs(t, Identity{UserID: "u1", GuestID: "g1"}.Validate(), ErrInvalidIdentity)
}

func TestIdentityKeyDistinguishesUserFromGuest(t *testing.T) {
	// A guest whose ID collides with a user ID must not share a claim.
	assert.NotEqual(t, userIdentity("42").Key(), guestIdentity("42").Key())
}

func TestCreate(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "conv-1", created.ConversationID)
	assert.Equal(t, "I need help", created.InitialMessage)
	assert.Equal(t, StatusWaiting, created.Status)
	assert.False(t, created.RequestedAt.IsZero())
	assert.Nil(t, created.ConnectedAt)
	assert.Nil(t, created.EndedAt)
	assert.Empty(t, created.AgentID)
}

func TestCreateValidation(t *testing.T) {
	store := NewStore(testTimeout)

	_, err := store.Create("", userIdentity("u1"), "I need help")
	assert.ErrorIs(t, err, ErrInvalidConversationID)

	_, err = store.Create("conv-1", Identity{}, "I need help")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = store.Create("conv-1", Identity{UserID: "u1", GuestID: "g1"}, "I need help")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = store.Create("conv-1", userIdentity("u1"), "")
	assert.ErrorIs(t, err, ErrInvalidInitialMessage)
}

func TestCreateRejectsSecondActiveSessionForIdentity(t *testing.T) {
	store := NewStore(testTimeout)

	_, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	_, err = store.Create("conv-2", userIdentity("u1"), "I need help")
	assert.ErrorIs(t, err, ErrActiveSessionExists)

	// A different identity on a different conversation is fine.
	_, err = store.Create("conv-3", guestIdentity("u1"), "I need help")
	assert.NoError(t, err)
}

func TestCreateRejectsSecondActiveSessionForConversation(t *testing.T) {
	store := NewStore(testTimeout)

	_, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	_, err = store.Create("conv-1", userIdentity("u2"), "I need help")
	assert.ErrorIs(t, err, ErrActiveSessionExists)
}

func TestCreateAllowedAfterPreviousEnded(t *testing.T) {
	store := NewStore(testTimeout)

	first, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	_, _, err = store.End(first.ID)
	require.NoError(t, err)

	second, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateAllowedAfterPreviousTimedOut(t *testing.T) {
	store := NewStore(testTimeout)

	first, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	backdate(t, store, first.ID, testTimeout+time.Second)

	// The stale session is expired during the conflict check itself.
	second, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	expired, err := store.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, expired.Status)
}

func TestGet(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = store.Get("")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetExpiresStaleWaitingSession(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	backdate(t, store, created.ID, testTimeout+time.Millisecond)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestGetKeepsWaitingSessionInsideDeadline(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	backdate(t, store, created.ID, testTimeout-time.Second)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
}

func TestAccept(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	accepted, err := store.Accept(created.ID, "agent-1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, accepted.Status)
	assert.Equal(t, "agent-1", accepted.AgentID)
	assert.Equal(t, "Alice", accepted.AgentName)
	require.NotNil(t, accepted.ConnectedAt)
}

func TestAcceptValidation(t *testing.T) {
	store := NewStore(testTimeout)

	_, err := store.Accept("", "agent-1", "Alice")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = store.Accept("missing", "", "Alice")
	assert.ErrorIs(t, err, ErrInvalidAgentID)

	_, err = store.Accept("missing", "agent-1", "Alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAcceptRejectsNonWaitingSession(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	_, err = store.Accept(created.ID, "agent-1", "Alice")
	require.NoError(t, err)

	_, err = store.Accept(created.ID, "agent-2", "Bob")
	assert.ErrorIs(t, err, ErrSessionNotAcceptable)

	_, _, err = store.End(created.ID)
	require.NoError(t, err)

	_, err = store.Accept(created.ID, "agent-3", "Carol")
	assert.ErrorIs(t, err, ErrSessionNotAcceptable)
}

func TestAcceptRejectsExpiredSession(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	backdate(t, store, created.ID, testTimeout+time.Second)

	_, err = store.Accept(created.ID, "agent-1", "Alice")
	assert.ErrorIs(t, err, ErrSessionNotAcceptable)
}

func TestAcceptRaceHasExactlyOneWinner(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	const agents = 32
	var wg sync.WaitGroup
	results := make([]error, agents)

	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Accept(created.ID, fmt.Sprintf("agent-%d", i), "Agent")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrSessionNotAcceptable)
		}
	}
	assert.Equal(t, 1, winners)

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestEnd(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	ended, endedNow, err := store.End(created.ID)
	require.NoError(t, err)
	assert.True(t, endedNow)
	assert.Equal(t, StatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
}

func TestEndIsIdempotent(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	first, endedNow, err := store.End(created.ID)
	require.NoError(t, err)
	assert.True(t, endedNow)

	second, endedNow, err := store.End(created.ID)
	require.NoError(t, err)
	assert.False(t, endedNow)
	assert.Equal(t, StatusEnded, second.Status)
	assert.Equal(t, first.EndedAt.Unix(), second.EndedAt.Unix())
}

func TestEndOnTimedOutSessionIsNoOp(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	backdate(t, store, created.ID, testTimeout+time.Second)

	ended, endedNow, err := store.End(created.ID)
	require.NoError(t, err)
	assert.False(t, endedNow)
	assert.Equal(t, StatusTimedOut, ended.Status)
}

func TestActiveByConversation(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	active, ok := store.ActiveByConversation("conv-1")
	require.True(t, ok)
	assert.Equal(t, created.ID, active.ID)

	_, ok = store.ActiveByConversation("conv-2")
	assert.False(t, ok)

	_, _, err = store.End(created.ID)
	require.NoError(t, err)

	_, ok = store.ActiveByConversation("conv-1")
	assert.False(t, ok)
}

func TestActiveByConversationSkipsExpired(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	backdate(t, store, created.ID, testTimeout+time.Second)

	_, ok := store.ActiveByConversation("conv-1")
	assert.False(t, ok)
}

func TestExpireStale(t *testing.T) {
	store := NewStore(testTimeout)

	stale1, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	stale2, err := store.Create("conv-2", userIdentity("u2"), "I need help")
	require.NoError(t, err)
	fresh, err := store.Create("conv-3", userIdentity("u3"), "I need help")
	require.NoError(t, err)
	connected, err := store.Create("conv-4", userIdentity("u4"), "I need help")
	require.NoError(t, err)
	_, err = store.Accept(connected.ID, "agent-1", "Alice")
	require.NoError(t, err)

	backdate(t, store, stale1.ID, testTimeout+2*time.Second)
	backdate(t, store, stale2.ID, testTimeout+time.Second)
	backdate(t, store, connected.ID, testTimeout+time.Hour)

	expired := store.ExpireStale(time.Now())
	require.Len(t, expired, 2)
	// Oldest request first.
	assert.Equal(t, stale1.ID, expired[0].ID)
	assert.Equal(t, stale2.ID, expired[1].ID)

	for _, session := range expired {
		assert.Equal(t, StatusTimedOut, session.Status)
	}

	// Connected sessions never time out, fresh ones stay waiting.
	got, err := store.Get(connected.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)

	got, err = store.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)

	// A second sweep finds nothing new.
	assert.Empty(t, store.ExpireStale(time.Now()))
}

func TestExpireStaleDeadlineIsExclusive(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	// Exactly at the deadline the session is still waiting.
	deadline := created.RequestedAt.Add(testTimeout)
	assert.Empty(t, store.ExpireStale(deadline))

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)

	// One instant past the deadline it times out.
	expired := store.ExpireStale(deadline.Add(time.Nanosecond))
	require.Len(t, expired, 1)
	assert.Equal(t, StatusTimedOut, expired[0].Status)
}

func TestWaiting(t *testing.T) {
	store := NewStore(testTimeout)

	first, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)
	second, err := store.Create("conv-2", userIdentity("u2"), "I need help")
	require.NoError(t, err)
	accepted, err := store.Create("conv-3", userIdentity("u3"), "I need help")
	require.NoError(t, err)
	_, err = store.Accept(accepted.ID, "agent-1", "Alice")
	require.NoError(t, err)

	// Force a stable oldest-first order.
	backdate(t, store, first.ID, 2*time.Second)
	backdate(t, store, second.ID, time.Second)

	waiting := store.Waiting()
	require.Len(t, waiting, 2)
	assert.Equal(t, first.ID, waiting[0].ID)
	assert.Equal(t, second.ID, waiting[1].ID)
}

func TestTimeoutRemaining(t *testing.T) {
	now := time.Now()
	session := Handoff{Status: StatusWaiting, RequestedAt: now}

	remaining := session.TimeoutRemaining(testTimeout, now.Add(10*time.Second))
	assert.Equal(t, 50*time.Second, remaining)

	assert.Equal(t, time.Duration(0), session.TimeoutRemaining(testTimeout, now.Add(2*testTimeout)))

	session.Status = StatusConnected
	assert.Equal(t, time.Duration(0), session.TimeoutRemaining(testTimeout, now))
}

func TestReturnedCopiesAreDetached(t *testing.T) {
	store := NewStore(testTimeout)

	created, err := store.Create("conv-1", userIdentity("u1"), "I need help")
	require.NoError(t, err)

	// Mutating the returned copy must not affect the stored session.
	created.Status = StatusEnded
	created.AgentID = "intruder"

	got, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Empty(t, got.AgentID)
}
