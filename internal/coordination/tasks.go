package coordination

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

// CreateTask inserts a new pending task. parentTaskID is empty for root
// tasks and must reference an existing task for subtasks.
func (s *Service) CreateTask(ctx context.Context, title, description, parentTaskID string) (*store.Task, error) {
	if title == "" {
		return nil, apperr.Validation("title is required")
	}
	if description == "" {
		return nil, apperr.Validation("description is required")
	}
	if parentTaskID != "" {
		if _, err := s.repo.GetTask(ctx, parentTaskID); err != nil {
			return nil, fmt.Errorf("parent task: %w", err)
		}
	}

	now := s.now()
	task := &store.Task{
		TaskID:       uuid.New().String(),
		ParentTaskID: parentTaskID,
		Title:        title,
		Description:  description,
		Status:       store.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Debug("Task created",
		zap.String("task_id", task.TaskID),
		zap.String("title", title),
		zap.String("parent_task_id", parentTaskID))
	return task, nil
}

// AssignTask moves a pending task to assigned and records the assignee.
// The agent must exist.
func (s *Service) AssignTask(ctx context.Context, taskID, agentID string) (*store.Task, error) {
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("assignee: %w", err)
	}
	task, err := s.repo.TransitionTask(ctx, taskID,
		[]store.TaskStatus{store.TaskPending},
		store.TaskAssigned,
		store.TaskPatch{AssignedTo: &agentID},
		s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	return task, nil
}

// UpdateTaskStatus enforces the allowed-transitions graph. Result is only
// stored on terminal transitions.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, to store.TaskStatus, result string) (*store.Task, error) {
	var allowedFrom []store.TaskStatus
	switch to {
	case store.TaskAssigned:
		allowedFrom = []store.TaskStatus{store.TaskPending}
	case store.TaskInProgress:
		allowedFrom = []store.TaskStatus{store.TaskAssigned}
	case store.TaskCompleted, store.TaskFailed:
		allowedFrom = []store.TaskStatus{store.TaskAssigned, store.TaskInProgress}
	default:
		return nil, apperr.Validation("cannot transition task to %q", to)
	}

	patch := store.TaskPatch{}
	if to.IsTerminal() && result != "" {
		patch.Result = &result
	}
	task, err := s.repo.TransitionTask(ctx, taskID, allowedFrom, to, patch, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task status updated",
		zap.String("task_id", taskID),
		zap.String("status", string(to)))
	return task, nil
}

// CompleteTask transitions any non-terminal task straight to completed
// with the result attached.
func (s *Service) CompleteTask(ctx context.Context, taskID, result string) (*store.Task, error) {
	task, err := s.repo.TransitionTask(ctx, taskID,
		store.NonTerminalStatuses(),
		store.TaskCompleted,
		store.TaskPatch{Result: &result},
		s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task completed", zap.String("task_id", taskID))
	return task, nil
}

// FailTask transitions any non-terminal task to failed with the reason as
// its result.
func (s *Service) FailTask(ctx context.Context, taskID, reason string) (*store.Task, error) {
	task, err := s.repo.TransitionTask(ctx, taskID,
		store.NonTerminalStatuses(),
		store.TaskFailed,
		store.TaskPatch{Result: &reason},
		s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task failed",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	return task, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return s.repo.GetTask(ctx, taskID)
}

// AgentTasks returns every task assigned to an agent, oldest first.
func (s *Service) AgentTasks(ctx context.Context, agentID string) ([]*store.Task, error) {
	return s.repo.TasksByAssignee(ctx, agentID)
}

// SubTasks returns the direct children of a task, oldest first.
func (s *Service) SubTasks(ctx context.Context, parentTaskID string) ([]*store.Task, error) {
	return s.repo.SubTasks(ctx, parentTaskID)
}

// ListTasks returns all tasks, newest first.
func (s *Service) ListTasks(ctx context.Context) ([]*store.Task, error) {
	return s.repo.ListTasks(ctx)
}
