package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/handoff/internal/session"
)

func TestToDocument(t *testing.T) {
	requestedAt := time.Date(2026, 5, 20, 10, 30, 0, 0, time.UTC)
	connectedAt := requestedAt.Add(12 * time.Second)
	endedAt := requestedAt.Add(5 * time.Minute)

	t.Run("connected session with user identity", func(t *testing.T) {
		doc := toDocument(session.Handoff{
			ID:             "sess-1",
			ConversationID: "conv-1",
			Requester:      session.Identity{UserID: "user-1"},
			InitialMessage: "My invoice is wrong",
			AgentID:        "agent-1",
			AgentName:      "Agent One",
			Status:         session.StatusConnected,
			RequestedAt:    requestedAt,
			ConnectedAt:    &connectedAt,
		})

		assert.Equal(t, "sess-1", doc.ID)
		assert.Equal(t, "conv-1", doc.ConversationID)
		assert.Equal(t, "user-1", doc.UserID)
		assert.Equal(t, "My invoice is wrong", doc.InitialMessage)
		assert.Empty(t, doc.GuestID)
		assert.Equal(t, "agent-1", doc.AgentID)
		assert.Equal(t, "connected", doc.Status)
		assert.NotZero(t, doc.Date)
		require.NotNil(t, doc.ConnectedAt)
		assert.Equal(t, connectedAt, *doc.ConnectedAt)
		assert.Nil(t, doc.EndedAt)
	})

	t.Run("ended session with guest identity", func(t *testing.T) {
		doc := toDocument(session.Handoff{
			ID:             "sess-2",
			ConversationID: "conv-2",
			Requester:      session.Identity{GuestID: "guest-9"},
			Status:         session.StatusEnded,
			RequestedAt:    requestedAt,
			EndedAt:        &endedAt,
		})

		assert.Empty(t, doc.UserID)
		assert.Equal(t, "guest-9", doc.GuestID)
		assert.Equal(t, "ended", doc.Status)
		require.NotNil(t, doc.EndedAt)
	})

	t.Run("timed out session", func(t *testing.T) {
		doc := toDocument(session.Handoff{
			ID:          "sess-3",
			Requester:   session.Identity{UserID: "user-3"},
			Status:      session.StatusTimedOut,
			RequestedAt: requestedAt,
			EndedAt:     &endedAt,
		})

		assert.Equal(t, "timeout", doc.Status)
	})
}

func TestIsRetryableError(t *testing.T) {
	retryable := []string{
		"dial tcp 10.0.0.5:27017: connection refused",
		"read tcp: connection reset by peer",
		"context deadline exceeded: timeout",
		"read: i/o timeout",
		"unexpected EOF",
		"server selection timeout",
		"no reachable servers",
		"connection pool closed",
		"socket was unexpectedly closed",
	}
	for _, msg := range retryable {
		t.Run(msg, func(t *testing.T) {
			assert.True(t, isRetryableError(errors.New(msg)))
		})
	}

	notRetryable := []string{
		"duplicate key error",
		"document validation failed",
		"unauthorized",
	}
	for _, msg := range notRetryable {
		t.Run(msg, func(t *testing.T) {
			assert.False(t, isRetryableError(errors.New(msg)))
		})
	}

	t.Run("nil error", func(t *testing.T) {
		assert.False(t, isRetryableError(nil))
	})
}

func TestContainsAny(t *testing.T) {
	assert.True(t, containsAny("connection refused by host", []string{"refused", "reset"}))
	assert.False(t, containsAny("all good", []string{"refused", "reset"}))
	assert.False(t, containsAny("anything", nil))
}
