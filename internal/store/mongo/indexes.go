package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// indexSpecs is the required index set per collection.
func indexSpecs() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		CollAgents: {
			{
				Keys:    bson.D{{Key: "agentId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lastHeartbeat", Value: 1}}},
			{Keys: bson.D{{Key: "sandboxId", Value: 1}}},
		},
		CollMessages: {
			{
				Keys:    bson.D{{Key: "messageId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "toAgent", Value: 1}, {Key: "readAt", Value: 1}, {Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "threadId", Value: 1}, {Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		},
		CollCheckpoints: {
			{
				Keys:    bson.D{{Key: "checkpointId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "agentId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		CollTasks: {
			{
				Keys:    bson.D{{Key: "taskId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "assignedTo", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "parentTaskId", Value: 1}}},
		},
		CollSandboxes: {
			{
				Keys:    bson.D{{Key: "sandboxId", Value: 1}, {Key: "agentId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lifecycle.lastHeartbeat", Value: 1}}},
		},
	}
}

// ensureIndexes creates the query-path indexes. CreateMany is idempotent for
// identical definitions, so this runs on every startup.
func (s *Store) ensureIndexes(ctx context.Context) error {
	for name, models := range indexSpecs() {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}
