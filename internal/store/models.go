// Package store defines the document models persisted in MongoDB and the
// repository interface the coordination services are built on.
package store

import "time"

// AgentType distinguishes the two agent roles.
type AgentType string

const (
	AgentTypeDirector   AgentType = "director"
	AgentTypeSpecialist AgentType = "specialist"
)

// Specialization narrows what a specialist works on.
type Specialization string

const (
	SpecializationResearcher Specialization = "researcher"
	SpecializationWriter     Specialization = "writer"
	SpecializationAnalyst    Specialization = "analyst"
	SpecializationGeneral    Specialization = "general"
)

// ValidSpecialization reports whether s is one of the known specializations.
func ValidSpecialization(s Specialization) bool {
	switch s {
	case SpecializationResearcher, SpecializationWriter, SpecializationAnalyst, SpecializationGeneral:
		return true
	}
	return false
}

// AgentStatus is the lifecycle status of an agent record.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWorking   AgentStatus = "working"
	AgentWaiting   AgentStatus = "waiting"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

// AgentSandboxStatus tracks the agent's view of the shared sandbox.
type AgentSandboxStatus string

const (
	AgentSandboxNone   AgentSandboxStatus = "none"
	AgentSandboxActive AgentSandboxStatus = "active"
	AgentSandboxPaused AgentSandboxStatus = "paused"
	AgentSandboxKilled AgentSandboxStatus = "killed"
)

// TokenUsage holds an agent's cumulative token counters. Counters only grow.
type TokenUsage struct {
	TotalInputTokens  int64      `bson:"totalInputTokens" json:"totalInputTokens"`
	TotalOutputTokens int64      `bson:"totalOutputTokens" json:"totalOutputTokens"`
	LastUpdated       *time.Time `bson:"lastUpdated,omitempty" json:"lastUpdated,omitempty"`
}

// Agent is the durable record of a director or specialist.
type Agent struct {
	AgentID        string             `bson:"agentId" json:"agentId"`
	Type           AgentType          `bson:"type" json:"type"`
	Specialization Specialization     `bson:"specialization,omitempty" json:"specialization,omitempty"`
	Status         AgentStatus        `bson:"status" json:"status"`
	SandboxID      string             `bson:"sandboxId,omitempty" json:"sandboxId,omitempty"`
	SandboxStatus  AgentSandboxStatus `bson:"sandboxStatus" json:"sandboxStatus"`
	ParentID       string             `bson:"parentId,omitempty" json:"parentId,omitempty"`
	TaskID         string             `bson:"taskId,omitempty" json:"taskId,omitempty"`
	SessionID      string             `bson:"sessionId,omitempty" json:"sessionId,omitempty"`
	TokenUsage     TokenUsage         `bson:"tokenUsage" json:"tokenUsage"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
	LastHeartbeat  time.Time          `bson:"lastHeartbeat" json:"lastHeartbeat"`
}

// MessageType classifies inter-agent messages.
type MessageType string

const (
	MessageTask   MessageType = "task"
	MessageResult MessageType = "result"
	MessageStatus MessageType = "status"
	MessageError  MessageType = "error"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTask, MessageResult, MessageStatus, MessageError:
		return true
	}
	return false
}

// Priority orders inbox retrieval. High sorts before normal before low;
// equal priorities are FIFO by createdAt.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the numeric sort weight of a priority (higher first).
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Message is a single entry on the message bus. Immutable after insert
// except for readAt.
type Message struct {
	MessageID string      `bson:"messageId" json:"messageId"`
	FromAgent string      `bson:"fromAgent" json:"fromAgent"`
	ToAgent   string      `bson:"toAgent" json:"toAgent"`
	Content   string      `bson:"content" json:"content"`
	Type      MessageType `bson:"type" json:"type"`
	ThreadID  string      `bson:"threadId" json:"threadId"`
	Priority  Priority    `bson:"priority" json:"priority"`
	ReadAt    *time.Time  `bson:"readAt" json:"readAt"`
	CreatedAt time.Time   `bson:"createdAt" json:"createdAt"`
}

// CheckpointSummary captures an agent's logical progress.
type CheckpointSummary struct {
	Goal      string   `bson:"goal" json:"goal"`
	Completed []string `bson:"completed" json:"completed"`
	Pending   []string `bson:"pending" json:"pending"`
	Decisions []string `bson:"decisions" json:"decisions"`
}

// ResumePointer tells a restarted agent where to pick up.
type ResumePointer struct {
	NextAction     string `bson:"nextAction" json:"nextAction"`
	Phase          string `bson:"phase" json:"phase"`
	CurrentContext string `bson:"currentContext,omitempty" json:"currentContext,omitempty"`
}

// Checkpoint is an append-only progress record. "Latest" means the greatest
// createdAt per agent.
type Checkpoint struct {
	CheckpointID  string            `bson:"checkpointId" json:"checkpointId"`
	AgentID       string            `bson:"agentId" json:"agentId"`
	Summary       CheckpointSummary `bson:"summary" json:"summary"`
	ResumePointer ResumePointer     `bson:"resumePointer" json:"resumePointer"`
	TokensUsed    int64             `bson:"tokensUsed" json:"tokensUsed"`
	CreatedAt     time.Time         `bson:"createdAt" json:"createdAt"`
}

// TaskStatus is a node in the task lifecycle DAG.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// taskTransitions is the forward-only status DAG.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned},
	TaskAssigned:   {TaskInProgress, TaskCompleted, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// NonTerminalStatuses lists every status a task can still leave.
func NonTerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskPending, TaskAssigned, TaskInProgress}
}

// Task is a unit of work created by a client (root task) or a director
// (subtask), assigned to exactly one agent.
type Task struct {
	TaskID       string     `bson:"taskId" json:"taskId"`
	ParentTaskID string     `bson:"parentTaskId,omitempty" json:"parentTaskId,omitempty"`
	AssignedTo   string     `bson:"assignedTo,omitempty" json:"assignedTo,omitempty"`
	Title        string     `bson:"title" json:"title"`
	Description  string     `bson:"description" json:"description"`
	Status       TaskStatus `bson:"status" json:"status"`
	Result       string     `bson:"result,omitempty" json:"result,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// SandboxStatus is the lifecycle status of a sandbox tracking record.
type SandboxStatus string

const (
	SandboxCreating SandboxStatus = "creating"
	SandboxActive   SandboxStatus = "active"
	SandboxPaused   SandboxStatus = "paused"
	SandboxResuming SandboxStatus = "resuming"
	SandboxKilled   SandboxStatus = "killed"
)

// SandboxMetadata describes the agent attached to a sandbox record.
type SandboxMetadata struct {
	AgentType      AgentType      `bson:"agentType" json:"agentType"`
	Specialization Specialization `bson:"specialization,omitempty" json:"specialization,omitempty"`
	CreatedBy      string         `bson:"createdBy,omitempty" json:"createdBy,omitempty"`
}

// SandboxLifecycle records lifecycle timestamps. Pause/resume/kill
// timestamps are set once and never cleared.
type SandboxLifecycle struct {
	CreatedAt     time.Time  `bson:"createdAt" json:"createdAt"`
	PausedAt      *time.Time `bson:"pausedAt,omitempty" json:"pausedAt,omitempty"`
	ResumedAt     *time.Time `bson:"resumedAt,omitempty" json:"resumedAt,omitempty"`
	KilledAt      *time.Time `bson:"killedAt,omitempty" json:"killedAt,omitempty"`
	LastHeartbeat time.Time  `bson:"lastHeartbeat" json:"lastHeartbeat"`
}

// SandboxResources records the resources the sandbox was provisioned with.
type SandboxResources struct {
	CPUCount  int   `bson:"cpuCount" json:"cpuCount"`
	MemoryMB  int   `bson:"memoryMB" json:"memoryMB"`
	TimeoutMs int64 `bson:"timeoutMs" json:"timeoutMs"`
}

// SandboxCosts accumulates runtime accounting for a sandbox record.
type SandboxCosts struct {
	EstimatedCost  float64 `bson:"estimatedCost" json:"estimatedCost"`
	RuntimeSeconds float64 `bson:"runtimeSeconds" json:"runtimeSeconds"`
}

// SandboxRecord tracks one (sandbox, agent) pair. All agents share the same
// sandboxId while the shared sandbox is alive.
type SandboxRecord struct {
	SandboxID string           `bson:"sandboxId" json:"sandboxId"`
	AgentID   string           `bson:"agentId" json:"agentId"`
	Status    SandboxStatus    `bson:"status" json:"status"`
	Metadata  SandboxMetadata  `bson:"metadata" json:"metadata"`
	Lifecycle SandboxLifecycle `bson:"lifecycle" json:"lifecycle"`
	Resources SandboxResources `bson:"resources" json:"resources"`
	Costs     SandboxCosts     `bson:"costs" json:"costs"`
}
