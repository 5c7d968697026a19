package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

func (s *Store) InsertCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	if _, err := s.checkpoints.InsertOne(ctx, cp); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("checkpoint %s already exists: %w", cp.CheckpointID, apperr.ErrValidation)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, agentID string) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	err := s.checkpoints.FindOne(ctx,
		bson.M{"agentId": agentID},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&cp)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("checkpoint for agent", agentID)
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, agentID string) ([]*store.Checkpoint, error) {
	cursor, err := s.checkpoints.Find(ctx,
		bson.M{"agentId": agentID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var cps []*store.Checkpoint
	if err := cursor.All(ctx, &cps); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return cps, nil
}
