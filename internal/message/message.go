package message

import (
	"encoding/json"
	"time"
)

// EventType represents the type of a realtime channel event
type EventType string

const (
	// Inbound events (client -> gateway)
	TypeUserMessage  EventType = "user_message"
	TypeAgentMessage EventType = "agent_message"

	// Outbound events (gateway -> client)
	TypeAdminNotification EventType = "admin_notification"
	TypeAccepted          EventType = "accepted"
	TypeEnded             EventType = "ended"
	TypeTimeout           EventType = "timeout"
	TypeMessage           EventType = "message"
	TypePeerUnavailable   EventType = "peer_unavailable"
	TypeError             EventType = "error"
	TypeConnectionStatus  EventType = "connection_status"
)

// SenderType represents who sent the message
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// ErrorInfo contains error details
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// Profile carries optional requester display metadata on notification events.
type Profile struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Message represents one realtime channel event
type Message struct {
	Type           EventType         `json:"type"`
	SessionID      string            `json:"session_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Content        string            `json:"content,omitempty"`
	AgentName      string            `json:"agent_name,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Sender         SenderType        `json:"sender"`
	Profile        *Profile          `json:"profile,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Error          *ErrorInfo        `json:"error,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for Message
func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.Format(time.RFC3339),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Message
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}

	return nil
}
