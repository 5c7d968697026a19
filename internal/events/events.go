// Package events defines the event subjects published on the internal bus
// and their mapping to the WebSocket event catalogue.
package events

import "strings"

// Bus subjects for agent lifecycle events.
const (
	AgentCreated = "agent.created"
	AgentStatus  = "agent.status"
	AgentOutput  = "agent.output"
	AgentKilled  = "agent.killed"
)

// Bus subjects for coordination-plane events.
const (
	MessageNew    = "message.new"
	CheckpointNew = "checkpoint.new"
	TaskCreated   = "task.created"
	TaskStatus    = "task.status"
	SandboxEvent  = "sandbox.event"
)

// All lists every subject the WebSocket gateway fans out.
var All = []string{
	AgentCreated,
	AgentStatus,
	AgentOutput,
	AgentKilled,
	MessageNew,
	CheckpointNew,
	TaskCreated,
	TaskStatus,
	SandboxEvent,
}

// WireType converts a bus subject into the event type name carried on the
// WebSocket envelope (dots become colons: "agent.output" -> "agent:output").
func WireType(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}
