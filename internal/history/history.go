// Package history appends relayed messages to the shared chat history
// collection. Writes are best effort: delivery to the live peer never
// waits on, or fails because of, the history store.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/real-rm/gohelper"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"github.com/real-rm/handoff/internal/constants"
	"github.com/real-rm/handoff/internal/message"
	"github.com/real-rm/handoff/internal/util"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrInvalidConversationID is returned when conversation ID is empty
	ErrInvalidConversationID = errors.New("conversation ID cannot be empty")
	// ErrEmptyContent is returned when the message content is empty
	ErrEmptyContent = errors.New("message content cannot be empty")
)

// Document is one stored chat message.
type Document struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"convId"`
	SessionID      string    `bson:"sessionId,omitempty"`
	Sender         string    `bson:"sender"`
	AgentName      string    `bson:"agentName,omitempty"`
	Content        string    `bson:"content"`
	Timestamp      time.Time `bson:"ts"`
}

// Service writes chat history entries.
type Service struct {
	collection *gomongo.MongoCollection
	logger     *golog.Logger
}

// NewService creates a history service over the given database and collection.
func NewService(mongo *gomongo.Mongo, dbName, collName string, logger *golog.Logger) *Service {
	return &Service{
		collection: mongo.Coll(dbName, collName),
		logger:     logger,
	}
}

// AppendMessage stores one relayed message under its conversation.
func (s *Service) AppendMessage(conversationID, sessionID string, msg *message.Message) error {
	if conversationID == "" {
		return ErrInvalidConversationID
	}
	if msg == nil || msg.Content == "" {
		return ErrEmptyContent
	}

	id, err := gohelper.GenUUID(32)
	if err != nil {
		return fmt.Errorf("failed to generate history ID: %w", err)
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	doc := Document{
		ID:             id,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Sender:         string(msg.Sender),
		AgentName:      msg.AgentName,
		Content:        msg.Content,
		Timestamp:      timestamp,
	}

	ctx, cancel := util.NewTimeoutContext(constants.HistoryAppendTimeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return nil
}

// Recent returns the latest messages of a conversation, oldest first.
func (s *Service) Recent(conversationID string, limit int) ([]*Document, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if limit <= 0 {
		limit = constants.RecentSessionsLimit
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	queryOpts := gomongo.QueryOptions{
		Sort:  bson.D{{Key: "ts", Value: -1}},
		Limit: int64(limit),
	}

	cursor, err := s.collection.Find(ctx, bson.M{constants.MongoFieldConversationID: conversationID}, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*Document
	for cursor.Next(ctx) {
		var doc Document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		entries = append(entries, &doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	// Newest-first from the query, flip to chronological for display.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}
