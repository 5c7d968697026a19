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

func sandboxFilter(sandboxID, agentID string) bson.M {
	return bson.M{"sandboxId": sandboxID, "agentId": agentID}
}

func (s *Store) UpsertSandboxRecord(ctx context.Context, rec *store.SandboxRecord) error {
	_, err := s.sandboxes.ReplaceOne(ctx,
		sandboxFilter(rec.SandboxID, rec.AgentID),
		rec,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert sandbox record: %w", err)
	}
	return nil
}

func (s *Store) GetSandboxRecord(ctx context.Context, sandboxID, agentID string) (*store.SandboxRecord, error) {
	var rec store.SandboxRecord
	err := s.sandboxes.FindOne(ctx, sandboxFilter(sandboxID, agentID)).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("sandbox record", sandboxID+"/"+agentID)
		}
		return nil, fmt.Errorf("failed to get sandbox record: %w", err)
	}
	return &rec, nil
}

func (s *Store) SandboxRecords(ctx context.Context, sandboxID string) ([]*store.SandboxRecord, error) {
	cursor, err := s.sandboxes.Find(ctx,
		bson.M{"sandboxId": sandboxID},
		options.Find().SetSort(bson.D{{Key: "lifecycle.createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query sandbox records: %w", err)
	}
	var recs []*store.SandboxRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox records: %w", err)
	}
	return recs, nil
}

func (s *Store) ListSandboxRecords(ctx context.Context) ([]*store.SandboxRecord, error) {
	cursor, err := s.sandboxes.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "lifecycle.createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox records: %w", err)
	}
	var recs []*store.SandboxRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox records: %w", err)
	}
	return recs, nil
}

// sandboxStatusUpdate builds the update for a status change. Lifecycle
// timestamps are written through $min/absent guards so they are set once
// and never rewritten on repeated transitions.
func sandboxStatusUpdate(status store.SandboxStatus, at time.Time) bson.A {
	set := bson.M{
		"status":                  status,
		"lifecycle.lastHeartbeat": at,
	}
	var stampField string
	switch status {
	case store.SandboxPaused:
		stampField = "lifecycle.pausedAt"
	case store.SandboxActive:
		stampField = "lifecycle.resumedAt"
	case store.SandboxKilled:
		stampField = "lifecycle.killedAt"
	}

	// Aggregation pipeline update: keep the existing stamp if present,
	// otherwise write the new one.
	stage := bson.M{"$set": set}
	if stampField != "" {
		stage = bson.M{"$set": bson.M{
			"status":                  status,
			"lifecycle.lastHeartbeat": at,
			stampField:                bson.M{"$ifNull": bson.A{"$" + stampField, at}},
		}}
	}
	return bson.A{stage}
}

func (s *Store) SetSandboxRecordStatus(ctx context.Context, sandboxID, agentID string, status store.SandboxStatus, at time.Time) (*store.SandboxRecord, error) {
	var rec store.SandboxRecord
	err := s.sandboxes.FindOneAndUpdate(ctx,
		sandboxFilter(sandboxID, agentID),
		sandboxStatusUpdate(status, at),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("sandbox record", sandboxID+"/"+agentID)
		}
		return nil, fmt.Errorf("failed to update sandbox record: %w", err)
	}
	return &rec, nil
}

func (s *Store) SetSandboxStatusAll(ctx context.Context, sandboxID string, status store.SandboxStatus, at time.Time) (int64, error) {
	res, err := s.sandboxes.UpdateMany(ctx,
		bson.M{"sandboxId": sandboxID},
		sandboxStatusUpdate(status, at))
	if err != nil {
		return 0, fmt.Errorf("failed to update sandbox records: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) AddSandboxCost(ctx context.Context, sandboxID, agentID string, runtimeSeconds, estimatedCost float64) error {
	res, err := s.sandboxes.UpdateOne(ctx,
		sandboxFilter(sandboxID, agentID),
		bson.M{"$inc": bson.M{
			"costs.runtimeSeconds": runtimeSeconds,
			"costs.estimatedCost":  estimatedCost,
		}})
	if err != nil {
		return fmt.Errorf("failed to add sandbox cost: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("sandbox record", sandboxID+"/"+agentID)
	}
	return nil
}
