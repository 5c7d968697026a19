package store

import (
	"context"
	"time"
)

// AgentFilter narrows ListAgents results. Zero values match everything.
type AgentFilter struct {
	Type     AgentType
	Statuses []AgentStatus
}

// TaskPatch carries the optional fields a status transition may set.
type TaskPatch struct {
	AssignedTo *string
	Result     *string
}

// Repository is the persistence boundary for the coordination plane. The
// Mongo implementation backs production; the memory implementation backs
// tests and local runs without a database.
type Repository interface {
	AgentRepository
	MessageRepository
	CheckpointRepository
	TaskRepository
	SandboxRepository

	Close(ctx context.Context) error
}

// AgentRepository persists agent registry records.
type AgentRepository interface {
	// InsertAgent stores a new agent. Duplicate agentIds fail.
	InsertAgent(ctx context.Context, agent *Agent) error

	// GetAgent returns the agent or apperr.ErrNotFound.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// ListAgents returns agents matching the filter, oldest first.
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)

	// UpdateAgentStatus sets the agent's status, optionally its current
	// taskId, and refreshes lastHeartbeat.
	UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus, taskID *string, at time.Time) (*Agent, error)

	// EnsureSession sets sessionId only if the agent has none yet and
	// returns the session the agent ended up with. Concurrent callers
	// all observe the same winner.
	EnsureSession(ctx context.Context, agentID, sessionID string) (string, error)

	// AddTokens atomically increments the agent's token counters.
	// Negative deltas are rejected by the service layer before this call.
	AddTokens(ctx context.Context, agentID string, inputTokens, outputTokens int64, at time.Time) (*Agent, error)

	// SetAgentSandbox records which sandbox the agent runs in.
	SetAgentSandbox(ctx context.Context, agentID, sandboxID string, status AgentSandboxStatus) error

	// SetSandboxStatusForAgents updates sandboxStatus on every agent
	// attached to the sandbox and returns how many were touched.
	SetSandboxStatusForAgents(ctx context.Context, sandboxID string, status AgentSandboxStatus) (int64, error)

	// TouchHeartbeat refreshes lastHeartbeat without changing status.
	TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error

	// StaleAgents returns agents in the given statuses whose lastHeartbeat
	// is older than the cutoff.
	StaleAgents(ctx context.Context, statuses []AgentStatus, cutoff time.Time) ([]*Agent, error)
}

// MessageRepository persists the append-only message bus.
type MessageRepository interface {
	// InsertMessage appends a message. Duplicate messageIds fail.
	InsertMessage(ctx context.Context, msg *Message) error

	// UnreadMessages returns unread messages for an agent ordered by
	// priority (high, normal, low) then createdAt ascending within each
	// priority. limit <= 0 means no limit.
	UnreadMessages(ctx context.Context, agentID string, limit int) ([]*Message, error)

	// MarkMessageRead stamps readAt exactly once. Reading an already-read
	// message returns it unchanged with its original readAt. Unknown ids
	// return apperr.ErrNotFound.
	MarkMessageRead(ctx context.Context, messageID string, at time.Time) (*Message, error)

	// ThreadMessages returns every message in a thread, createdAt ascending.
	ThreadMessages(ctx context.Context, threadID string) ([]*Message, error)

	// ListMessages returns the most recent messages, newest first.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, limit int) ([]*Message, error)
}

// CheckpointRepository persists append-only checkpoints.
type CheckpointRepository interface {
	// InsertCheckpoint appends a checkpoint.
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the agent's newest checkpoint by createdAt,
	// or apperr.ErrNotFound when the agent has none.
	LatestCheckpoint(ctx context.Context, agentID string) (*Checkpoint, error)

	// ListCheckpoints returns an agent's checkpoints, newest first.
	ListCheckpoints(ctx context.Context, agentID string) ([]*Checkpoint, error)
}

// TaskRepository persists the task ledger.
type TaskRepository interface {
	// InsertTask stores a new task. Duplicate taskIds fail.
	InsertTask(ctx context.Context, task *Task) error

	// GetTask returns the task or apperr.ErrNotFound.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// TransitionTask atomically moves a task from one of allowedFrom to
	// the target status, applying the patch and bumping updatedAt. When
	// the task exists but its status is not in allowedFrom it returns
	// apperr.ErrTransitionViolation; unknown ids return apperr.ErrNotFound.
	TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, patch TaskPatch, at time.Time) (*Task, error)

	// TasksByAssignee returns an agent's tasks, oldest first.
	TasksByAssignee(ctx context.Context, agentID string) ([]*Task, error)

	// SubTasks returns the direct children of a parent task, oldest first.
	SubTasks(ctx context.Context, parentTaskID string) ([]*Task, error)

	// ListTasks returns all tasks, newest first.
	ListTasks(ctx context.Context) ([]*Task, error)
}

// SandboxRepository persists sandbox tracking records keyed by
// (sandboxId, agentId).
type SandboxRepository interface {
	// UpsertSandboxRecord inserts or replaces the record for the pair.
	UpsertSandboxRecord(ctx context.Context, rec *SandboxRecord) error

	// GetSandboxRecord returns one (sandbox, agent) record or
	// apperr.ErrNotFound.
	GetSandboxRecord(ctx context.Context, sandboxID, agentID string) (*SandboxRecord, error)

	// SandboxRecords returns every record for a sandbox, oldest first.
	SandboxRecords(ctx context.Context, sandboxID string) ([]*SandboxRecord, error)

	// ListSandboxRecords returns all records, newest first.
	ListSandboxRecords(ctx context.Context) ([]*SandboxRecord, error)

	// SetSandboxRecordStatus updates one record's status, stamps the
	// matching lifecycle timestamp (set once) and refreshes the
	// lifecycle heartbeat.
	SetSandboxRecordStatus(ctx context.Context, sandboxID, agentID string, status SandboxStatus, at time.Time) (*SandboxRecord, error)

	// SetSandboxStatusAll applies SetSandboxRecordStatus semantics to every
	// record of a sandbox and returns how many were touched.
	SetSandboxStatusAll(ctx context.Context, sandboxID string, status SandboxStatus, at time.Time) (int64, error)

	// AddSandboxCost accumulates runtime seconds and estimated cost on one
	// record.
	AddSandboxCost(ctx context.Context, sandboxID, agentID string, runtimeSeconds, estimatedCost float64) error
}
