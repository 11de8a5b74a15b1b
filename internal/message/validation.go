package message

import (
	"fmt"
	"html"
	"time"
)

// Validation constants
const (
	MaxContentLength        = 10000 // Maximum content length in characters
	MaxMetadataLength       = 1000  // Maximum metadata value length
	MaxSessionIDLength      = 128   // Maximum session ID length
	MaxConversationIDLength = 128   // Maximum conversation ID length
	MaxAgentNameLength      = 255   // Maximum agent display name length
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Validate validates a message according to the channel protocol
func (m *Message) Validate() error {
	if err := m.validateRequiredFields(); err != nil {
		return err
	}

	if err := m.validateTypeSpecificFields(); err != nil {
		return err
	}

	if err := m.validateFieldLengths(); err != nil {
		return err
	}

	return nil
}

// validateRequiredFields validates that all required fields are present
func (m *Message) validateRequiredFields() error {
	if m.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}

	if !isValidEventType(m.Type) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid event type: %s", m.Type)}
	}

	if m.Sender == "" {
		return &ValidationError{Field: "sender", Message: "sender is required"}
	}

	if !isValidSenderType(m.Sender) {
		return &ValidationError{Field: "sender", Message: fmt.Sprintf("invalid sender type: %s", m.Sender)}
	}

	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}

	// Allow 1 minute of tolerance for client clock skew
	if m.Timestamp.After(time.Now().Add(1 * time.Minute)) {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be in the future"}
	}

	return nil
}

// validateTypeSpecificFields validates required fields based on event type
func (m *Message) validateTypeSpecificFields() error {
	switch m.Type {
	case TypeUserMessage:
		if m.Content == "" {
			return &ValidationError{Field: "content", Message: "content is required for user_message"}
		}
		if m.Sender != SenderUser {
			return &ValidationError{Field: "sender", Message: "sender must be 'user' for user_message"}
		}

	case TypeAgentMessage:
		if m.Content == "" {
			return &ValidationError{Field: "content", Message: "content is required for agent_message"}
		}
		if m.ConversationID == "" {
			return &ValidationError{Field: "conversation_id", Message: "conversation_id is required for agent_message"}
		}
		if m.Sender != SenderAgent {
			return &ValidationError{Field: "sender", Message: "sender must be 'agent' for agent_message"}
		}

	case TypeMessage:
		if m.Content == "" {
			return &ValidationError{Field: "content", Message: "content is required for message"}
		}

	case TypeAdminNotification:
		if m.SessionID == "" {
			return &ValidationError{Field: "session_id", Message: "session_id is required for admin_notification"}
		}
		if m.ConversationID == "" {
			return &ValidationError{Field: "conversation_id", Message: "conversation_id is required for admin_notification"}
		}

	case TypeAccepted, TypeEnded, TypeTimeout:
		if m.SessionID == "" {
			return &ValidationError{Field: "session_id", Message: fmt.Sprintf("session_id is required for %s", m.Type)}
		}

	case TypeError:
		if m.Error == nil {
			return &ValidationError{Field: "error", Message: "error is required for error event type"}
		}
		if m.Error.Code == "" {
			return &ValidationError{Field: "error.code", Message: "error code is required"}
		}
		if m.Error.Message == "" {
			return &ValidationError{Field: "error.message", Message: "error message is required"}
		}
	}

	return nil
}

// validateFieldLengths validates that field values don't exceed maximum lengths
func (m *Message) validateFieldLengths() error {
	if len(m.SessionID) > MaxSessionIDLength {
		return &ValidationError{
			Field:   "session_id",
			Message: fmt.Sprintf("session_id exceeds maximum length of %d characters", MaxSessionIDLength),
		}
	}

	if len(m.ConversationID) > MaxConversationIDLength {
		return &ValidationError{
			Field:   "conversation_id",
			Message: fmt.Sprintf("conversation_id exceeds maximum length of %d characters", MaxConversationIDLength),
		}
	}

	if len(m.Content) > MaxContentLength {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content exceeds maximum length of %d characters", MaxContentLength),
		}
	}

	if len(m.AgentName) > MaxAgentNameLength {
		return &ValidationError{
			Field:   "agent_name",
			Message: fmt.Sprintf("agent_name exceeds maximum length of %d characters", MaxAgentNameLength),
		}
	}

	for key, value := range m.Metadata {
		if len(value) > MaxMetadataLength {
			return &ValidationError{
				Field:   fmt.Sprintf("metadata.%s", key),
				Message: fmt.Sprintf("metadata value exceeds maximum length of %d characters", MaxMetadataLength),
			}
		}
	}

	return nil
}

// Sanitize sanitizes user input to prevent injection attacks
func (m *Message) Sanitize() {
	m.Content = sanitizeString(m.Content)
	m.SessionID = sanitizeString(m.SessionID)
	m.ConversationID = sanitizeString(m.ConversationID)
	m.AgentName = sanitizeString(m.AgentName)

	if m.Profile != nil {
		m.Profile.Name = sanitizeString(m.Profile.Name)
		m.Profile.Email = sanitizeString(m.Profile.Email)
	}

	if m.Metadata != nil {
		sanitizedMetadata := make(map[string]string)
		for key, value := range m.Metadata {
			sanitizedMetadata[sanitizeString(key)] = sanitizeString(value)
		}
		m.Metadata = sanitizedMetadata
	}
}

// sanitizeString HTML-escapes a string to neutralize embedded markup
func sanitizeString(s string) string {
	return html.EscapeString(s)
}

// SanitizeText HTML-escapes free-form user text handled outside a Message,
// such as the initial message carried on a handoff request.
func SanitizeText(s string) string {
	return sanitizeString(s)
}

// isValidEventType checks if the event type is a known type
func isValidEventType(t EventType) bool {
	switch t {
	case TypeUserMessage, TypeAgentMessage, TypeAdminNotification, TypeAccepted,
		TypeEnded, TypeTimeout, TypeMessage, TypePeerUnavailable, TypeError,
		TypeConnectionStatus:
		return true
	}
	return false
}

// isValidSenderType checks if the sender type is a known type
func isValidSenderType(s SenderType) bool {
	switch s {
	case SenderUser, SenderAgent, SenderSystem:
		return true
	}
	return false
}
