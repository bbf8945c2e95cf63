package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/greettech/recruitcall/internal/config"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when no conversation document matches
	ErrNotFound = errors.New("conversation not found")
	// ErrCallClosed is returned when a transcript or step write targets a
	// document that already left the active status
	ErrCallClosed = errors.New("conversation is no longer active")
)

// Store is the conversation document store. Every mutation is scoped to a
// single call id and applied atomically by the backend.
type Store interface {
	// Seed inserts conv if no document exists for conv.CallID. An existing
	// document is left untouched.
	Seed(ctx context.Context, conv *types.Conversation) error
	// AppendMessage appends one transcript line, creating the document with
	// meta when absent. Returns ErrCallClosed once the call left active.
	AppendMessage(ctx context.Context, callID string, meta types.CallMeta, msg types.Message) error
	// SetStepIndex persists the script pointer. Returns ErrCallClosed once
	// the call left active.
	SetStepIndex(ctx context.Context, callID string, stepIndex int) error
	// SetRecording records the egress outcome. Allowed in any status.
	SetRecording(ctx context.Context, callID, recordingFile, egressID, recordingErr string) error
	// TransitionStatus moves the document from one status to another only if
	// it is currently in from. Returns false when another writer got there first.
	TransitionStatus(ctx context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error)
	// ClaimEscalation takes the escalation of a completed hot lead. It
	// succeeds only while the lead is not escalated and its claim still equals
	// observed; each claim counts one attempt.
	ClaimEscalation(ctx context.Context, callID string, observed *time.Time, at time.Time) (bool, error)
	// SetEscalation records the escalation callback outcome and releases the claim
	SetEscalation(ctx context.Context, callID string, escalatedAt *time.Time, escalationErr string) error

	Get(ctx context.Context, callID string) (*types.Conversation, error)
	// FindLatestByPhone returns the most recently created non-active document
	// for phone created at or after since.
	FindLatestByPhone(ctx context.Context, phone string, since time.Time) (*types.Conversation, error)
	// ListByStatus returns up to limit documents in status, oldest first
	ListByStatus(ctx context.Context, status types.CallStatus, limit int) ([]types.Conversation, error)
	// ListPendingEscalations returns up to limit completed hot leads not
	// escalated yet with fewer than maxAttempts claims, oldest first
	ListPendingEscalations(ctx context.Context, maxAttempts, limit int) ([]types.Conversation, error)
	// ListRecent returns up to limit documents, newest first
	ListRecent(ctx context.Context, limit int) ([]types.Conversation, error)

	Close(ctx context.Context) error
}

// NewStore creates the backend selected by STORE_BACKEND
func NewStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "storage").Str("backend", cfg.StoreBackend).Logger()

	switch cfg.StoreBackend {
	case "memory":
		logger.Info().Msg("using in-memory conversation store")
		return NewMemoryStore(), nil
	case "bolt":
		return NewBoltStore(cfg.BoltPath, logger)
	case "mongo":
		return NewMongoStore(ctx, MongoConfig{
			URL:        cfg.MongoURL,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		}, logger)
	case "dynamo":
		return NewDynamoDBStore(ctx, DynamoConfig{
			Mode:     DynamoMode(cfg.DynamoMode),
			Endpoint: cfg.DynamoEndpoint,
			Region:   cfg.DynamoRegion,
			Table:    cfg.DynamoTable,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
