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

func (s *Store) InsertAgent(ctx context.Context, agent *store.Agent) error {
	if _, err := s.agents.InsertOne(ctx, agent); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("agent %s already exists: %w", agent.AgentID, apperr.ErrValidation)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	var agent store.Agent
	err := s.agents.FindOne(ctx, bson.M{"agentId": agentID}).Decode(&agent)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("agent", agentID)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	query := bson.M{}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}

	cursor, err := s.agents.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	var agents []*store.Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}
	return agents, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status store.AgentStatus, taskID *string, at time.Time) (*store.Agent, error) {
	set := bson.M{
		"status":        status,
		"lastHeartbeat": at,
	}
	if taskID != nil {
		set["taskId"] = *taskID
	}

	var agent store.Agent
	err := s.agents.FindOneAndUpdate(ctx,
		bson.M{"agentId": agentID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&agent)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("agent", agentID)
		}
		return nil, fmt.Errorf("failed to update agent status: %w", err)
	}
	return &agent, nil
}

func (s *Store) EnsureSession(ctx context.Context, agentID, sessionID string) (string, error) {
	// Set only when no session exists yet; concurrent callers race on the
	// filter and exactly one write wins.
	res, err := s.agents.UpdateOne(ctx,
		bson.M{"agentId": agentID, "sessionId": bson.M{"$in": bson.A{nil, ""}}},
		bson.M{"$set": bson.M{"sessionId": sessionID}},
	)
	if err != nil {
		return "", fmt.Errorf("failed to ensure session: %w", err)
	}
	if res.MatchedCount == 1 {
		return sessionID, nil
	}

	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.SessionID == "" {
		return "", fmt.Errorf("agent %s has no session after ensure: %w", agentID, apperr.ErrStorageUnavailable)
	}
	return agent.SessionID, nil
}

func (s *Store) AddTokens(ctx context.Context, agentID string, inputTokens, outputTokens int64, at time.Time) (*store.Agent, error) {
	var agent store.Agent
	err := s.agents.FindOneAndUpdate(ctx,
		bson.M{"agentId": agentID},
		bson.M{
			"$inc": bson.M{
				"tokenUsage.totalInputTokens":  inputTokens,
				"tokenUsage.totalOutputTokens": outputTokens,
			},
			"$set": bson.M{"tokenUsage.lastUpdated": at},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&agent)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("agent", agentID)
		}
		return nil, fmt.Errorf("failed to add tokens: %w", err)
	}
	return &agent, nil
}

func (s *Store) SetAgentSandbox(ctx context.Context, agentID, sandboxID string, status store.AgentSandboxStatus) error {
	res, err := s.agents.UpdateOne(ctx,
		bson.M{"agentId": agentID},
		bson.M{"$set": bson.M{"sandboxId": sandboxID, "sandboxStatus": status}},
	)
	if err != nil {
		return fmt.Errorf("failed to set agent sandbox: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("agent", agentID)
	}
	return nil
}

func (s *Store) SetSandboxStatusForAgents(ctx context.Context, sandboxID string, status store.AgentSandboxStatus) (int64, error) {
	res, err := s.agents.UpdateMany(ctx,
		bson.M{"sandboxId": sandboxID},
		bson.M{"$set": bson.M{"sandboxStatus": status}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update sandbox status for agents: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.agents.UpdateOne(ctx,
		bson.M{"agentId": agentID},
		bson.M{"$set": bson.M{"lastHeartbeat": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("agent", agentID)
	}
	return nil
}

func (s *Store) StaleAgents(ctx context.Context, statuses []store.AgentStatus, cutoff time.Time) ([]*store.Agent, error) {
	cursor, err := s.agents.Find(ctx,
		bson.M{
			"status":        bson.M{"$in": statuses},
			"lastHeartbeat": bson.M{"$lt": cutoff},
		},
		options.Find().SetSort(bson.D{{Key: "lastHeartbeat", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale agents: %w", err)
	}
	var agents []*store.Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("failed to decode stale agents: %w", err)
	}
	return agents, nil
}
