// Package storage persists handoff session records in MongoDB using gomongo.
// The in-memory store stays the source of truth; these records are the
// durable audit trail behind the admin views.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/real-rm/gohelper"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"github.com/real-rm/handoff/internal/constants"
	"github.com/real-rm/handoff/internal/session"
	"github.com/real-rm/handoff/internal/util"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrInvalidSessionID is returned when session ID is empty
	ErrInvalidSessionID = errors.New("session ID cannot be empty")
	// ErrSessionNotFound is returned when a session record is not in the database
	ErrSessionNotFound = errors.New("session not found in database")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Service writes and reads handoff session records.
type Service struct {
	mongo      *gomongo.Mongo
	collection *gomongo.MongoCollection
	logger     *golog.Logger
}

// SessionDocument is the stored form of a handoff session.
type SessionDocument struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"convId"`
	UserID         string     `bson:"uid,omitempty"`
	GuestID        string     `bson:"gid,omitempty"`
	InitialMessage string     `bson:"initMsg,omitempty"`
	AgentID        string     `bson:"agentId,omitempty"`
	AgentName      string     `bson:"agentName,omitempty"`
	Status         string     `bson:"status"`
	RequestedAt    time.Time  `bson:"reqTs"`
	ConnectedAt    *time.Time `bson:"connTs,omitempty"`
	EndedAt        *time.Time `bson:"endTs,omitempty"`
	Date           int        `bson:"date"`          // yyyymmdd of the request, for daily reports
	ModifiedAt     time.Time  `bson:"_mt,omitempty"` // gomongo automatic timestamp
}

// NewService creates a storage service over the given database and collection.
func NewService(mongo *gomongo.Mongo, dbName, collName string, logger *golog.Logger) *Service {
	return &Service{
		mongo:      mongo,
		collection: mongo.Coll(dbName, collName),
		logger:     logger,
	}
}

// EnsureIndexes creates the indexes the admin queries rely on. Called once
// during startup.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: constants.MongoFieldConversationID, Value: 1}},
			Options: options.Index().SetName("idx_conv_id"),
		},
		{
			Keys:    bson.D{{Key: constants.MongoFieldRequestedAt, Value: -1}},
			Options: options.Index().SetName("idx_req_ts"),
		},
		{
			Keys: bson.D{
				{Key: constants.MongoFieldStatus, Value: 1},
				{Key: constants.MongoFieldRequestedAt, Value: -1},
			},
			Options: options.Index().SetName("idx_status_req_ts"),
		},
	}

	if _, err := s.collection.CreateIndexes(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"collection", constants.DefaultSessionCollection)

	return nil
}

// UpsertSession writes the current state of a session, replacing any
// earlier record. Every lifecycle transition lands here, so upsert keeps
// the record aligned with the in-memory state without separate insert and
// update paths.
func (s *Service) UpsertSession(h session.Handoff) error {
	if h.ID == "" {
		return ErrInvalidSessionID
	}

	ctx, cancel := util.NewTimeoutContext(constants.SessionPersistTimeout)
	defer cancel()

	doc := toDocument(h)

	docBytes, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal session document: %w", err)
	}
	var fields bson.M
	if err := bson.Unmarshal(docBytes, &fields); err != nil {
		return fmt.Errorf("failed to unmarshal session document: %w", err)
	}
	delete(fields, "_id")

	filter := bson.M{constants.MongoFieldID: h.ID}
	update := bson.M{"$set": fields}

	err = s.retryOperation(ctx, "UpsertSession", func() error {
		_, opErr := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		return opErr
	})
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return nil
}

// GetSession retrieves one session record by ID.
func (s *Service) GetSession(sessionID string) (*SessionDocument, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	filter := bson.M{constants.MongoFieldID: sessionID}
	var doc SessionDocument

	err := s.retryOperation(ctx, "GetSession", func() error {
		return s.collection.FindOne(ctx, filter).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &doc, nil
}

// ListRecent returns the most recently requested sessions across all
// conversations, newest first. Used by the admin session list.
func (s *Service) ListRecent(limit int) ([]*SessionDocument, error) {
	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	if limit <= 0 || limit > constants.RecentSessionsLimit {
		limit = constants.RecentSessionsLimit
	}

	queryOpts := gomongo.QueryOptions{
		Sort:  bson.D{{Key: constants.MongoFieldRequestedAt, Value: -1}},
		Limit: int64(limit),
	}

	cursor, err := s.collection.Find(ctx, bson.M{}, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	defer cursor.Close(ctx)

	sessions := make([]*SessionDocument, 0)
	for cursor.Next(ctx) {
		var doc SessionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode session document: %w", err)
		}
		sessions = append(sessions, &doc)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return sessions, nil
}

// toDocument converts an in-memory session to its stored form.
func toDocument(h session.Handoff) *SessionDocument {
	return &SessionDocument{
		ID:             h.ID,
		ConversationID: h.ConversationID,
		UserID:         h.Requester.UserID,
		GuestID:        h.Requester.GuestID,
		InitialMessage: h.InitialMessage,
		AgentID:        h.AgentID,
		AgentName:      h.AgentName,
		Status:         string(h.Status),
		RequestedAt:    h.RequestedAt,
		ConnectedAt:    h.ConnectedAt,
		EndedAt:        h.EndedAt,
		Date:           int(gohelper.TimeToDateInt(h.RequestedAt)),
	}
}

// isRetryableError checks if an error is a transient network or MongoDB failure.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	if containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	}) {
		return true
	}

	return false
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// retryOperation executes an operation with exponential backoff on
// transient errors.
func (s *Service) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", defaultRetryConfig.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}
