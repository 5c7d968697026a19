package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

// ActiveStatuses are the agent statuses the listAgents tool exposes.
var ActiveStatuses = []store.AgentStatus{
	store.AgentIdle,
	store.AgentWorking,
	store.AgentWaiting,
}

// RegisterAgent creates a director or specialist record. Specialists must
// name an existing director as their parent and carry a specialization.
func (s *Service) RegisterAgent(ctx context.Context, agentType store.AgentType, parentID string, specialization store.Specialization) (*store.Agent, error) {
	switch agentType {
	case store.AgentTypeDirector:
		if parentID != "" {
			return nil, apperr.Validation("directors cannot have a parent")
		}
	case store.AgentTypeSpecialist:
		if parentID == "" {
			return nil, apperr.Validation("specialists require a parentId")
		}
		parent, err := s.repo.GetAgent(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		if parent.Type != store.AgentTypeDirector {
			return nil, apperr.Validation("parent %s is not a director", parentID)
		}
		if specialization == "" {
			specialization = store.SpecializationGeneral
		}
		if !store.ValidSpecialization(specialization) {
			return nil, apperr.Validation("unknown specialization %q", specialization)
		}
	default:
		return nil, apperr.Validation("unknown agent type %q", agentType)
	}

	now := s.now()
	agent := &store.Agent{
		AgentID:        uuid.New().String(),
		Type:           agentType,
		Specialization: specialization,
		Status:         store.AgentIdle,
		SandboxStatus:  store.AgentSandboxNone,
		ParentID:       parentID,
		CreatedAt:      now,
		LastHeartbeat:  now,
	}
	if err := s.repo.InsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	s.logger.Info("Agent registered",
		zap.String("agent_id", agent.AgentID),
		zap.String("type", string(agentType)),
		zap.String("specialization", string(specialization)),
		zap.String("parent_id", parentID))
	return agent, nil
}

// GetAgent returns an agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// ListAgents returns agents matching the filter, oldest first.
func (s *Service) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	return s.repo.ListAgents(ctx, filter)
}

// ActiveAgents returns agents whose status is idle, working, or waiting,
// optionally narrowed by type and a single status.
func (s *Service) ActiveAgents(ctx context.Context, agentType store.AgentType, status store.AgentStatus) ([]*store.Agent, error) {
	statuses := ActiveStatuses
	if status != "" {
		active := false
		for _, st := range ActiveStatuses {
			if st == status {
				active = true
				break
			}
		}
		if !active {
			return []*store.Agent{}, nil
		}
		statuses = []store.AgentStatus{status}
	}
	return s.repo.ListAgents(ctx, store.AgentFilter{Type: agentType, Statuses: statuses})
}

// UpdateAgentStatus sets the agent's status and refreshes its heartbeat.
// taskID, when non-nil, records the task the agent is working.
func (s *Service) UpdateAgentStatus(ctx context.Context, agentID string, status store.AgentStatus, taskID *string) (*store.Agent, error) {
	switch status {
	case store.AgentIdle, store.AgentWorking, store.AgentWaiting, store.AgentCompleted, store.AgentError:
	default:
		return nil, apperr.Validation("unknown agent status %q", status)
	}
	agent, err := s.repo.UpdateAgentStatus(ctx, agentID, status, taskID, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Agent status updated",
		zap.String("agent_id", agentID),
		zap.String("status", string(status)))
	return agent, nil
}

// GetOrCreateSession returns the agent's durable session id, generating
// and storing one on first use. Concurrent callers converge on one winner.
func (s *Service) GetOrCreateSession(ctx context.Context, agentID string) (string, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.SessionID != "" {
		return agent.SessionID, nil
	}
	return s.repo.EnsureSession(ctx, agentID, newSessionID(s.now()))
}

// AddTokens accumulates LLM token usage onto the agent's counters and
// advances the heartbeat. Deltas must be non-negative.
func (s *Service) AddTokens(ctx context.Context, agentID string, inputTokens, outputTokens int64) (*store.Agent, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return nil, apperr.Validation("token deltas must be non-negative")
	}
	now := s.now()
	agent, err := s.repo.AddTokens(ctx, agentID, inputTokens, outputTokens, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.TouchHeartbeat(ctx, agentID, now); err != nil {
		s.logger.Warn("Failed to advance heartbeat after token update",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	return agent, nil
}

// Heartbeat refreshes an agent's lastHeartbeat.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	return s.repo.TouchHeartbeat(ctx, agentID, s.now())
}

// MarkStaleAgents flags working or waiting agents whose heartbeat is older
// than maxAge as errored and returns the agents it flagged.
func (s *Service) MarkStaleAgents(ctx context.Context, maxAge time.Duration) ([]*store.Agent, error) {
	cutoff := s.now().Add(-maxAge)
	stale, err := s.repo.StaleAgents(ctx,
		[]store.AgentStatus{store.AgentWorking, store.AgentWaiting}, cutoff)
	if err != nil {
		return nil, err
	}
	for _, agent := range stale {
		if _, err := s.repo.UpdateAgentStatus(ctx, agent.AgentID, store.AgentError, nil, s.now()); err != nil {
			s.logger.Warn("Failed to mark stale agent",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
			continue
		}
		s.logger.Warn("Agent marked stale",
			zap.String("agent_id", agent.AgentID),
			zap.Time("last_heartbeat", agent.LastHeartbeat))
	}
	return stale, nil
}

// RestartAgent reverts an agent to idle without touching its checkpoints
// or session. The next run resumes from the latest checkpoint.
func (s *Service) RestartAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := s.repo.UpdateAgentStatus(ctx, agentID, store.AgentIdle, nil, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Agent restarted", zap.String("agent_id", agentID))
	return agent, nil
}
