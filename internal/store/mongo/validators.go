package mongo

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// ensureValidators installs $jsonSchema validators so malformed documents
// are rejected at the database boundary, not just in application code.
// Validator installation is best-effort: collMod requires privileges some
// deployments withhold, and the application validates its own writes anyway.
func (s *Store) ensureValidators(ctx context.Context) error {
	schemas := map[string]bson.M{
		CollAgents: {
			"bsonType": "object",
			"required": []string{"agentId", "type", "status", "createdAt"},
			"properties": bson.M{
				"agentId": bson.M{"bsonType": "string"},
				"type":    bson.M{"enum": []string{"director", "specialist"}},
				"status":  bson.M{"enum": []string{"idle", "working", "waiting", "completed", "error"}},
			},
		},
		CollMessages: {
			"bsonType": "object",
			"required": []string{"messageId", "fromAgent", "toAgent", "content", "type", "createdAt"},
			"properties": bson.M{
				"messageId": bson.M{"bsonType": "string"},
				"type":      bson.M{"enum": []string{"task", "result", "status", "error"}},
				"priority":  bson.M{"enum": []string{"high", "normal", "low"}},
			},
		},
		CollCheckpoints: {
			"bsonType": "object",
			"required": []string{"checkpointId", "agentId", "summary", "resumePointer", "createdAt"},
			"properties": bson.M{
				"summary": bson.M{
					"bsonType": "object",
					"required": []string{"goal"},
				},
				"resumePointer": bson.M{
					"bsonType": "object",
					"required": []string{"nextAction", "phase"},
				},
			},
		},
		CollTasks: {
			"bsonType": "object",
			"required": []string{"taskId", "title", "description", "status", "createdAt"},
			"properties": bson.M{
				"taskId": bson.M{"bsonType": "string"},
				"status": bson.M{"enum": []string{"pending", "assigned", "in_progress", "completed", "failed"}},
			},
		},
		CollSandboxes: {
			"bsonType": "object",
			"required": []string{"sandboxId", "agentId", "status"},
			"properties": bson.M{
				"status": bson.M{"enum": []string{"creating", "active", "paused", "resuming", "killed"}},
			},
		},
	}

	for name, schema := range schemas {
		if err := s.applyValidator(ctx, name, schema); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyValidator(ctx context.Context, coll string, schema bson.M) error {
	validator := bson.M{"$jsonSchema": schema}

	err := s.db.RunCommand(ctx, bson.D{
		{Key: "collMod", Value: coll},
		{Key: "validator", Value: validator},
		{Key: "validationLevel", Value: "moderate"},
	}).Err()
	if err == nil {
		return nil
	}

	// collMod fails with NamespaceNotFound on a fresh database; create the
	// collection with the validator instead.
	if strings.Contains(err.Error(), "NamespaceNotFound") || strings.Contains(err.Error(), "ns does not exist") {
		createErr := s.db.RunCommand(ctx, bson.D{
			{Key: "create", Value: coll},
			{Key: "validator", Value: validator},
		}).Err()
		if createErr != nil && !strings.Contains(createErr.Error(), "already exists") {
			return fmt.Errorf("failed to create collection %s with validator: %w", coll, createErr)
		}
		s.logger.Debug("Created collection with validator", zap.String("collection", coll))
		return nil
	}
	return fmt.Errorf("failed to install validator on %s: %w", coll, err)
}
