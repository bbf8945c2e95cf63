package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URL        string
	Database   string
	Collection string
}

// MongoStore implements Store on a MongoDB collection with a unique index
// on call_id. Conditional writes filter on status so a document that left
// active cannot be reopened by a stale writer.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

// NewMongoStore connects and ensures the collection indexes
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger zerolog.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "phone_no", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	logger.Info().
		Str("database", cfg.Database).
		Str("collection", cfg.Collection).
		Msg("mongo store initialized")

	return &MongoStore{client: client, coll: coll, logger: logger}, nil
}

func (s *MongoStore) Seed(ctx context.Context, conv *types.Conversation) error {
	doc := cloneConversation(conv)
	if doc.Status == "" {
		doc.Status = types.CallStatusActive
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.Messages == nil {
		doc.Messages = []types.Message{}
	}

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"call_id": conv.CallID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to seed conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, callID string, meta types.CallMeta, msg types.Message) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"call_id": callID, "status": types.CallStatusActive},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$setOnInsert": bson.M{
				"step_index": 1,
				"name":       meta.Name,
				"phone_no":   meta.PhoneNo,
				"room":       meta.Room,
				"created_at": time.Now(),
				"hot_lead":   false,
			},
		},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// the filter missed because the document exists with another status
		return ErrCallClosed
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *MongoStore) SetStepIndex(ctx context.Context, callID string, stepIndex int) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"call_id": callID, "status": types.CallStatusActive},
		bson.M{"$set": bson.M{"step_index": stepIndex}},
	)
	if err != nil {
		return fmt.Errorf("failed to set step index: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.missReason(ctx, callID)
	}
	return nil
}

func (s *MongoStore) SetRecording(ctx context.Context, callID, recordingFile, egressID, recordingErr string) error {
	set := bson.M{"recording_error": recordingErr}
	if recordingFile != "" {
		set["recording_file"] = recordingFile
	}
	if egressID != "" {
		set["egress_id"] = egressID
	}
	return s.update(ctx, callID, set, "recording")
}

func (s *MongoStore) TransitionStatus(ctx context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error) {
	if !types.CanTransition(from, to) {
		return false, nil
	}

	set := bson.M{"status": to}
	if update.EndedAt != nil {
		set["ended_at"] = update.EndedAt
	}
	if update.Evaluation != nil {
		set["evaluation"] = update.Evaluation
	}
	if update.HotLead {
		set["hot_lead"] = true
	}
	if update.EvaluatedAt != nil {
		set["evaluated_at"] = update.EvaluatedAt
	}
	if update.EvaluationRaw != "" {
		set["evaluation_raw"] = update.EvaluationRaw
	}
	if update.EvaluationError != "" {
		set["evaluation_error"] = update.EvaluationError
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"call_id": callID, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition status: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, callID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) ClaimEscalation(ctx context.Context, callID string, observed *time.Time, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"call_id":               callID,
			"status":                types.CallStatusCompleted,
			"escalated_at":          nil,
			"escalation_claimed_at": observed,
		},
		bson.M{
			"$set": bson.M{"escalation_claimed_at": at},
			"$inc": bson.M{"escalation_attempts": 1},
		},
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim escalation: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, callID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) SetEscalation(ctx context.Context, callID string, escalatedAt *time.Time, escalationErr string) error {
	set := bson.M{"escalation_error": escalationErr}
	if escalatedAt != nil {
		set["escalated_at"] = escalatedAt
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"call_id": callID},
		bson.M{"$set": set, "$unset": bson.M{"escalation_claimed_at": ""}},
	)
	if err != nil {
		return fmt.Errorf("failed to set escalation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, callID string) (*types.Conversation, error) {
	var conv types.Conversation
	err := s.coll.FindOne(ctx, bson.M{"call_id": callID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *MongoStore) FindLatestByPhone(ctx context.Context, phone string, since time.Time) (*types.Conversation, error) {
	var conv types.Conversation
	err := s.coll.FindOne(ctx,
		bson.M{
			"phone_no":   phone,
			"status":     bson.M{"$ne": types.CallStatusActive},
			"created_at": bson.M{"$gte": since},
		},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation by phone: %w", err)
	}
	return &conv, nil
}

func (s *MongoStore) ListByStatus(ctx context.Context, status types.CallStatus, limit int) ([]types.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"status": status}, opts)
}

func (s *MongoStore) ListPendingEscalations(ctx context.Context, maxAttempts, limit int) ([]types.Conversation, error) {
	filter := bson.M{
		"status":       types.CallStatusCompleted,
		"hot_lead":     true,
		"escalated_at": nil,
	}
	if maxAttempts > 0 {
		// documents without the counter have never been claimed
		filter["escalation_attempts"] = bson.M{"$not": bson.M{"$gte": maxAttempts}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, filter, opts)
}

func (s *MongoStore) ListRecent(ctx context.Context, limit int) ([]types.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{}, opts)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]types.Conversation, error) {
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	out := make([]types.Conversation, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return out, nil
}

func (s *MongoStore) update(ctx context.Context, callID string, set bson.M, what string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"call_id": callID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", what, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// missReason tells a missing document apart from a closed one
func (s *MongoStore) missReason(ctx context.Context, callID string) error {
	if _, err := s.Get(ctx, callID); err != nil {
		return err
	}
	return ErrCallClosed
}
