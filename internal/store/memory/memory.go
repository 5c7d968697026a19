// Package memory provides an in-memory store.Repository used by tests and
// by local runs without a MongoDB instance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

// Repository is a mutex-guarded map-backed implementation of
// store.Repository. All returned documents are copies.
type Repository struct {
	mu          sync.RWMutex
	agents      map[string]*store.Agent
	messages    map[string]*store.Message
	checkpoints []*store.Checkpoint
	tasks       map[string]*store.Task
	sandboxes   map[string]*store.SandboxRecord // key: sandboxId + "/" + agentId
}

// New creates an empty in-memory repository.
func New() *Repository {
	return &Repository{
		agents:    make(map[string]*store.Agent),
		messages:  make(map[string]*store.Message),
		tasks:     make(map[string]*store.Task),
		sandboxes: make(map[string]*store.SandboxRecord),
	}
}

// Close is a no-op for the in-memory repository.
func (r *Repository) Close(ctx context.Context) error {
	return nil
}

// --- agents ---

func (r *Repository) InsertAgent(ctx context.Context, agent *store.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.AgentID]; ok {
		return fmt.Errorf("agent %s already exists: %w", agent.AgentID, apperr.ErrValidation)
	}
	cp := *agent
	r.agents[agent.AgentID] = &cp
	return nil
}

func (r *Repository) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, apperr.NotFound("agent", agentID)
	}
	cp := *agent
	return &cp, nil
}

func (r *Repository) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Agent
	for _, agent := range r.agents {
		if filter.Type != "" && agent.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, agent.Status) {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) UpdateAgentStatus(ctx context.Context, agentID string, status store.AgentStatus, taskID *string, at time.Time) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, apperr.NotFound("agent", agentID)
	}
	agent.Status = status
	agent.LastHeartbeat = at
	if taskID != nil {
		agent.TaskID = *taskID
	}
	cp := *agent
	return &cp, nil
}

func (r *Repository) EnsureSession(ctx context.Context, agentID, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return "", apperr.NotFound("agent", agentID)
	}
	if agent.SessionID == "" {
		agent.SessionID = sessionID
	}
	return agent.SessionID, nil
}

func (r *Repository) AddTokens(ctx context.Context, agentID string, inputTokens, outputTokens int64, at time.Time) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, apperr.NotFound("agent", agentID)
	}
	agent.TokenUsage.TotalInputTokens += inputTokens
	agent.TokenUsage.TotalOutputTokens += outputTokens
	stamp := at
	agent.TokenUsage.LastUpdated = &stamp
	cp := *agent
	return &cp, nil
}

func (r *Repository) SetAgentSandbox(ctx context.Context, agentID, sandboxID string, status store.AgentSandboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return apperr.NotFound("agent", agentID)
	}
	agent.SandboxID = sandboxID
	agent.SandboxStatus = status
	return nil
}

func (r *Repository) SetSandboxStatusForAgents(ctx context.Context, sandboxID string, status store.AgentSandboxStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, agent := range r.agents {
		if agent.SandboxID == sandboxID {
			agent.SandboxStatus = status
			n++
		}
	}
	return n, nil
}

func (r *Repository) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return apperr.NotFound("agent", agentID)
	}
	agent.LastHeartbeat = at
	return nil
}

func (r *Repository) StaleAgents(ctx context.Context, statuses []store.AgentStatus, cutoff time.Time) ([]*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Agent
	for _, agent := range r.agents {
		if !containsStatus(statuses, agent.Status) {
			continue
		}
		if !agent.LastHeartbeat.Before(cutoff) {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.Before(out[j].LastHeartbeat)
	})
	return out, nil
}

func containsStatus(statuses []store.AgentStatus, s store.AgentStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

// --- messages ---

func (r *Repository) InsertMessage(ctx context.Context, msg *store.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[msg.MessageID]; ok {
		return fmt.Errorf("message %s already exists: %w", msg.MessageID, apperr.ErrValidation)
	}
	cp := *msg
	r.messages[msg.MessageID] = &cp
	return nil
}

func (r *Repository) UnreadMessages(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Message
	for _, msg := range r.messages {
		if msg.ToAgent != agentID || msg.ReadAt != nil {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) MarkMessageRead(ctx context.Context, messageID string, at time.Time) (*store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[messageID]
	if !ok {
		return nil, apperr.NotFound("message", messageID)
	}
	if msg.ReadAt == nil {
		stamp := at
		msg.ReadAt = &stamp
	}
	cp := *msg
	return &cp, nil
}

func (r *Repository) ThreadMessages(ctx context.Context, threadID string) ([]*store.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Message
	for _, msg := range r.messages {
		if msg.ThreadID != threadID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) ListMessages(ctx context.Context, limit int) ([]*store.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.Message, 0, len(r.messages))
	for _, msg := range r.messages {
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- checkpoints ---

func (r *Repository) InsertCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *cp
	r.checkpoints = append(r.checkpoints, &c)
	return nil
}

func (r *Repository) LatestCheckpoint(ctx context.Context, agentID string) (*store.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *store.Checkpoint
	for _, cp := range r.checkpoints {
		if cp.AgentID != agentID {
			continue
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("checkpoint for agent", agentID)
	}
	out := *latest
	return &out, nil
}

func (r *Repository) ListCheckpoints(ctx context.Context, agentID string) ([]*store.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Checkpoint
	for _, cp := range r.checkpoints {
		if cp.AgentID != agentID {
			continue
		}
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// --- tasks ---

func (r *Repository) InsertTask(ctx context.Context, task *store.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.TaskID]; ok {
		return fmt.Errorf("task %s already exists: %w", task.TaskID, apperr.ErrValidation)
	}
	cp := *task
	r.tasks[task.TaskID] = &cp
	return nil
}

func (r *Repository) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, apperr.NotFound("task", taskID)
	}
	cp := *task
	return &cp, nil
}

func (r *Repository) TransitionTask(ctx context.Context, taskID string, allowedFrom []store.TaskStatus, to store.TaskStatus, patch store.TaskPatch, at time.Time) (*store.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, apperr.NotFound("task", taskID)
	}
	allowed := false
	for _, from := range allowedFrom {
		if task.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("task %s is %s, cannot move to %s: %w",
			taskID, task.Status, to, apperr.ErrTransitionViolation)
	}
	task.Status = to
	task.UpdatedAt = at
	if patch.AssignedTo != nil {
		task.AssignedTo = *patch.AssignedTo
	}
	if patch.Result != nil {
		task.Result = *patch.Result
	}
	cp := *task
	return &cp, nil
}

func (r *Repository) TasksByAssignee(ctx context.Context, agentID string) ([]*store.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Task
	for _, task := range r.tasks {
		if task.AssignedTo != agentID {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) SubTasks(ctx context.Context, parentTaskID string) ([]*store.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Task
	for _, task := range r.tasks {
		if task.ParentTaskID != parentTaskID {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) ListTasks(ctx context.Context) ([]*store.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// --- sandboxes ---

func sandboxKey(sandboxID, agentID string) string {
	return sandboxID + "/" + agentID
}

func (r *Repository) UpsertSandboxRecord(ctx context.Context, rec *store.SandboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rec
	r.sandboxes[sandboxKey(rec.SandboxID, rec.AgentID)] = &cp
	return nil
}

func (r *Repository) GetSandboxRecord(ctx context.Context, sandboxID, agentID string) (*store.SandboxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sandboxes[sandboxKey(sandboxID, agentID)]
	if !ok {
		return nil, apperr.NotFound("sandbox record", sandboxKey(sandboxID, agentID))
	}
	cp := *rec
	return &cp, nil
}

func (r *Repository) SandboxRecords(ctx context.Context, sandboxID string) ([]*store.SandboxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.SandboxRecord
	for _, rec := range r.sandboxes {
		if rec.SandboxID != sandboxID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Lifecycle.CreatedAt.Before(out[j].Lifecycle.CreatedAt)
	})
	return out, nil
}

func (r *Repository) ListSandboxRecords(ctx context.Context) ([]*store.SandboxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.SandboxRecord, 0, len(r.sandboxes))
	for _, rec := range r.sandboxes {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Lifecycle.CreatedAt.After(out[j].Lifecycle.CreatedAt)
	})
	return out, nil
}

func (r *Repository) SetSandboxRecordStatus(ctx context.Context, sandboxID, agentID string, status store.SandboxStatus, at time.Time) (*store.SandboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sandboxes[sandboxKey(sandboxID, agentID)]
	if !ok {
		return nil, apperr.NotFound("sandbox record", sandboxKey(sandboxID, agentID))
	}
	applySandboxStatus(rec, status, at)
	cp := *rec
	return &cp, nil
}

func (r *Repository) SetSandboxStatusAll(ctx context.Context, sandboxID string, status store.SandboxStatus, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, rec := range r.sandboxes {
		if rec.SandboxID != sandboxID {
			continue
		}
		applySandboxStatus(rec, status, at)
		n++
	}
	return n, nil
}

func (r *Repository) AddSandboxCost(ctx context.Context, sandboxID, agentID string, runtimeSeconds, estimatedCost float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sandboxes[sandboxKey(sandboxID, agentID)]
	if !ok {
		return apperr.NotFound("sandbox record", sandboxKey(sandboxID, agentID))
	}
	rec.Costs.RuntimeSeconds += runtimeSeconds
	rec.Costs.EstimatedCost += estimatedCost
	return nil
}

func applySandboxStatus(rec *store.SandboxRecord, status store.SandboxStatus, at time.Time) {
	rec.Status = status
	rec.Lifecycle.LastHeartbeat = at
	stamp := at
	switch status {
	case store.SandboxPaused:
		if rec.Lifecycle.PausedAt == nil {
			rec.Lifecycle.PausedAt = &stamp
		}
	case store.SandboxActive:
		if rec.Lifecycle.PausedAt != nil && rec.Lifecycle.ResumedAt == nil {
			rec.Lifecycle.ResumedAt = &stamp
		}
	case store.SandboxKilled:
		if rec.Lifecycle.KilledAt == nil {
			rec.Lifecycle.KilledAt = &stamp
		}
	}
}
