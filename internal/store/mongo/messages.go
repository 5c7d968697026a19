package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

func (s *Store) InsertMessage(ctx context.Context, msg *store.Message) error {
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("message %s already exists: %w", msg.MessageID, apperr.ErrValidation)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// UnreadMessages sorts by priority weight (high before normal before low)
// then createdAt ascending. Priorities are strings, so the weight is
// computed in a $switch stage rather than sorted lexically.
func (s *Store) UnreadMessages(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"toAgent": agentID, "readAt": nil}}},
		{{Key: "$addFields", Value: bson.M{
			"priorityWeight": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{"case": bson.M{"$eq": bson.A{"$priority", "high"}}, "then": 2},
					bson.M{"case": bson.M{"$eq": bson.A{"$priority", "low"}}, "then": 0},
				},
				"default": 1,
			}},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "priorityWeight", Value: -1},
			{Key: "createdAt", Value: 1},
		}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}

	cursor, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread messages: %w", err)
	}
	var msgs []*store.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID string, at time.Time) (*store.Message, error) {
	// First writer wins on readAt; later readers fall through to a plain
	// read and see the original timestamp.
	var msg store.Message
	err := s.messages.FindOneAndUpdate(ctx,
		bson.M{"messageId": messageID, "readAt": nil},
		bson.M{"$set": bson.M{"readAt": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&msg)
	if err == nil {
		return &msg, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}

	err = s.messages.FindOne(ctx, bson.M{"messageId": messageID}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("message", messageID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (s *Store) ThreadMessages(ctx context.Context, threadID string) ([]*store.Message, error) {
	cursor, err := s.messages.Find(ctx,
		bson.M{"threadId": threadID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	var msgs []*store.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode thread messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) ListMessages(ctx context.Context, limit int) ([]*store.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.messages.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	var msgs []*store.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}
