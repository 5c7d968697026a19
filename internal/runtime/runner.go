package runtime

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
)

// Runner is the in-sandbox entrypoint. It resolves the agent record,
// restores its session and resume context, executes the type-specific
// runtime, and emits the final output between sentinel markers.
type Runner struct {
	svc      *coordination.Service
	provider llm.Provider
	cfg      *config.Config
	stdout   io.Writer
	logger   *logger.Logger
}

// NewRunner wires a runner over an established coordination service.
func NewRunner(svc *coordination.Service, provider llm.Provider, cfg *config.Config, stdout io.Writer, log *logger.Logger) *Runner {
	return &Runner{svc: svc, provider: provider, cfg: cfg, stdout: stdout, logger: log}
}

// Run executes the agent's task end to end. The agent record must already
// exist; task is the work description handed over by the control plane.
func (r *Runner) Run(ctx context.Context, agentID string, task string) error {
	agent, err := r.svc.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("resolve agent: %w", err)
	}
	log := r.logger.WithAgentID(agentID)

	session, err := r.svc.GetOrCreateSession(ctx, agentID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	log.Info("Agent session resolved",
		zap.String("session", session),
		zap.String("type", string(agent.Type)))

	resumeContext, err := r.svc.BuildResumeContext(ctx, agentID)
	if err != nil {
		return fmt.Errorf("build resume context: %w", err)
	}
	if resumeContext != "" {
		log.Info("Resuming from checkpoint")
	}

	rootTaskID := r.findRootTask(ctx, agent)
	if _, err := r.svc.UpdateAgentStatus(ctx, agentID, store.AgentWorking, optional(rootTaskID)); err != nil {
		return fmt.Errorf("mark working: %w", err)
	}

	output, runErr := r.execute(ctx, agent, task, resumeContext, rootTaskID)
	if runErr != nil {
		if _, err := r.svc.UpdateAgentStatus(ctx, agentID, store.AgentError, nil); err != nil {
			log.Warn("Failed to mark agent errored", zap.Error(err))
		}
		return runErr
	}

	fmt.Fprintf(r.stdout, "%s\n%s\n%s\n", StartSentinel(agent.Type), output, OutputEnd)

	if _, err := r.svc.UpdateAgentStatus(ctx, agentID, store.AgentCompleted, nil); err != nil {
		log.Warn("Failed to mark agent completed", zap.Error(err))
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, agent *store.Agent, task, resumeContext, rootTaskID string) (string, error) {
	switch agent.Type {
	case store.AgentTypeDirector:
		if rootTaskID != "" {
			if _, err := r.svc.UpdateTaskStatus(ctx, rootTaskID, store.TaskInProgress, ""); err != nil {
				r.logger.Warn("Failed to mark root task in progress", zap.Error(err))
			}
		}
		director := NewDirector(r.provider, r.svc, agent, r.cfg.Director, r.logger)
		summary, err := director.Run(ctx, task, rootTaskID)
		if err != nil {
			if rootTaskID != "" {
				if _, ferr := r.svc.FailTask(ctx, rootTaskID, "Error: "+err.Error()); ferr != nil {
					r.logger.Warn("Failed to fail root task", zap.Error(ferr))
				}
			}
			return "", err
		}
		if rootTaskID != "" {
			if _, err := r.svc.CompleteTask(ctx, rootTaskID, summary); err != nil {
				r.logger.Warn("Failed to complete root task", zap.Error(err))
			}
		}
		return summary, nil
	case store.AgentTypeSpecialist:
		specialist := NewSpecialist(r.provider, r.svc, agent, r.cfg.LLM.MaxTurns, r.logger)
		return specialist.Run(ctx, task, resumeContext)
	default:
		return "", fmt.Errorf("unknown agent type %q", agent.Type)
	}
}

// findRootTask locates the agent's current task: the oldest non-terminal
// task assigned to it. Directors launched straight from the API have one;
// a missing task is not an error.
func (r *Runner) findRootTask(ctx context.Context, agent *store.Agent) string {
	tasks, err := r.svc.AgentTasks(ctx, agent.AgentID)
	if err != nil {
		r.logger.Warn("Failed to list agent tasks", zap.Error(err))
		return ""
	}
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return task.TaskID
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
