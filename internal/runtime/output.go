// Package runtime hosts the agent-side execution loops: the director's
// decompose/spawn/wait/aggregate pipeline and the specialist's agentic
// loop, plus the stdout sentinel protocol the control plane reads
// results through.
package runtime

import (
	"strings"
	"sync"

	"github.com/squadlite/squadlite/internal/store"
)

// Sentinel markers wrapping an agent's final output on stdout.
const (
	DirectorOutputStart   = "=== DIRECTOR OUTPUT ==="
	SpecialistOutputStart = "=== SPECIALIST OUTPUT ==="
	OutputEnd             = "=== END OUTPUT ==="
)

// StartSentinel returns the opening marker for an agent type.
func StartSentinel(agentType store.AgentType) string {
	if agentType == store.AgentTypeDirector {
		return DirectorOutputStart
	}
	return SpecialistOutputStart
}

// ExtractResult pulls the text between the first sentinel pair matching the
// agent type. When the markers are absent the whole trimmed stdout is the
// result, so a crashed or chatty agent still yields something inspectable.
func ExtractResult(agentType store.AgentType, stdout string) string {
	start := StartSentinel(agentType)
	i := strings.Index(stdout, start)
	if i >= 0 {
		rest := stdout[i+len(start):]
		if j := strings.Index(rest, OutputEnd); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(stdout)
}

// OutputCollector buffers per-agent stdout so the task watcher can extract
// a result once the process exits. It is fed by the same output handler
// that fans chunks out to WebSocket subscribers.
type OutputCollector struct {
	mu      sync.Mutex
	buffers map[string]*strings.Builder
}

// NewOutputCollector returns an empty collector.
func NewOutputCollector() *OutputCollector {
	return &OutputCollector{buffers: make(map[string]*strings.Builder)}
}

// Collect appends a chunk to the agent's buffer. Only stdout is kept;
// stderr chunks are diagnostics and never part of the result.
func (c *OutputCollector) Collect(agentID, stream, data string) {
	if stream != "stdout" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[agentID]
	if !ok {
		buf = &strings.Builder{}
		c.buffers[agentID] = buf
	}
	buf.WriteString(data)
}

// Reset clears the agent's buffer ahead of a fresh run.
func (c *OutputCollector) Reset(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, agentID)
}

// Snapshot returns everything collected for the agent so far.
func (c *OutputCollector) Snapshot(agentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.buffers[agentID]; ok {
		return buf.String()
	}
	return ""
}
