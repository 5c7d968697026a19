package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

// CreateCheckpoint appends a progress record. Checkpoints are never
// updated or deleted.
func (s *Service) CreateCheckpoint(ctx context.Context, agentID string, summary store.CheckpointSummary, resume store.ResumePointer, tokensUsed int64) (*store.Checkpoint, error) {
	if agentID == "" {
		return nil, apperr.Validation("agentId is required")
	}
	if summary.Goal == "" {
		return nil, apperr.Validation("summary.goal is required")
	}
	if resume.NextAction == "" {
		return nil, apperr.Validation("resumePointer.nextAction is required")
	}
	if resume.Phase == "" {
		return nil, apperr.Validation("resumePointer.phase is required")
	}

	cp := &store.Checkpoint{
		CheckpointID:  uuid.New().String(),
		AgentID:       agentID,
		Summary:       summary,
		ResumePointer: resume,
		TokensUsed:    tokensUsed,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	s.logger.Debug("Checkpoint created",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("agent_id", agentID),
		zap.String("phase", resume.Phase))
	return cp, nil
}

// LatestCheckpoint returns the agent's most recent checkpoint.
func (s *Service) LatestCheckpoint(ctx context.Context, agentID string) (*store.Checkpoint, error) {
	return s.repo.LatestCheckpoint(ctx, agentID)
}

// Checkpoints returns an agent's checkpoint history, newest first.
func (s *Service) Checkpoints(ctx context.Context, agentID string) ([]*store.Checkpoint, error) {
	return s.repo.ListCheckpoints(ctx, agentID)
}

// BuildResumeContext renders the latest checkpoint into the text block
// injected verbatim into a restarted agent's system prompt. Returns an
// empty string when the agent has never checkpointed.
func (s *Service) BuildResumeContext(ctx context.Context, agentID string) (string, error) {
	cp, err := s.repo.LatestCheckpoint(ctx, agentID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return RenderResumeContext(cp), nil
}

// RenderResumeContext formats a checkpoint as the resume prompt block.
func RenderResumeContext(cp *store.Checkpoint) string {
	var b strings.Builder
	b.WriteString("## Resuming from checkpoint\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", cp.Summary.Goal)
	fmt.Fprintf(&b, "Phase: %s\n\n", cp.ResumePointer.Phase)

	b.WriteString("Completed so far:\n")
	writeItems(&b, cp.Summary.Completed)
	b.WriteString("\nStill pending:\n")
	writeItems(&b, cp.Summary.Pending)
	b.WriteString("\nDecisions made:\n")
	writeItems(&b, cp.Summary.Decisions)

	fmt.Fprintf(&b, "\nNext action: %s\n", cp.ResumePointer.NextAction)
	if cp.ResumePointer.CurrentContext != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", cp.ResumePointer.CurrentContext)
	}
	return b.String()
}

func writeItems(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- (none)\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
