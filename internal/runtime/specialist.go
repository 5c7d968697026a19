package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
)

const specialistPromptFmt = `You are a %s specialist agent on a multi-agent team.
Work the task you are given and reply with your final result as plain text.
You may use the provided tools to message other agents, inspect tasks, and record checkpoints.`

// Specialist runs one task through the agentic loop and reports the result
// back to its parent director.
type Specialist struct {
	loop   *llm.Loop
	svc    *coordination.Service
	self   *store.Agent
	logger *logger.Logger
}

// NewSpecialist builds a specialist runtime. maxTurns bounds the agentic
// loop; pass 0 for the default.
func NewSpecialist(provider llm.Provider, svc *coordination.Service, self *store.Agent, maxTurns int, log *logger.Logger) *Specialist {
	log = log.WithAgentID(self.AgentID)
	onUsage := func(ctx context.Context, usage llm.Usage) {
		if _, err := svc.AddTokens(ctx, self.AgentID, usage.InputTokens, usage.OutputTokens); err != nil {
			log.Warn("Failed to record token usage", zap.Error(err))
		}
	}
	return &Specialist{
		loop:   llm.NewLoop(provider, BuildToolbox(svc, self), maxTurns, onUsage, log),
		svc:    svc,
		self:   self,
		logger: log,
	}
}

// Run executes the task and returns the final text. resumeContext, when
// non-empty, is prepended so a restarted agent picks up where it left off.
func (s *Specialist) Run(ctx context.Context, task, resumeContext string) (string, error) {
	prompt := task
	if resumeContext != "" {
		prompt = resumeContext + "\n\n" + task
	}
	system := fmt.Sprintf(specialistPromptFmt, s.self.Specialization)

	result, err := s.loop.Run(ctx, system, prompt)
	if err != nil {
		return "", fmt.Errorf("specialist loop failed: %w", err)
	}
	s.logger.Info("Specialist loop finished",
		zap.String("stopReason", result.StopReason),
		zap.Int("turns", result.Turns))

	if _, err := s.svc.CreateCheckpoint(ctx, s.self.AgentID,
		store.CheckpointSummary{
			Goal:      task,
			Completed: []string{"produced final result"},
		},
		store.ResumePointer{NextAction: "done", Phase: "complete"},
		result.InputTokens+result.OutputTokens); err != nil {
		return "", fmt.Errorf("final checkpoint: %w", err)
	}

	if s.self.ParentID != "" {
		if _, err := s.svc.SendMessage(ctx, s.self.AgentID, s.self.ParentID,
			result.FinalText, store.MessageResult, "", store.PriorityNormal); err != nil {
			s.logger.Warn("Failed to send result to parent", zap.Error(err))
		}
	}
	return result.FinalText, nil
}
