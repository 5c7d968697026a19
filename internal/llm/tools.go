package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes one tool invocation. The returned value is JSON
// serialized before being handed back to the model.
type ToolHandler func(ctx context.Context, input map[string]any) (any, error)

// Tool pairs a spec with its handler.
type Tool struct {
	Spec    ToolSpec
	Handler ToolHandler
}

// ToolObserver is notified after every tool execution. The API layer uses
// it to fan tool activity out to WebSocket subscribers.
type ToolObserver func(toolName string, input map[string]any, result any)

// Toolbox holds the tools exposed to one agent run.
type Toolbox struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	observer ToolObserver
}

// NewToolbox creates an empty toolbox.
func NewToolbox() *Toolbox {
	return &Toolbox{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (tb *Toolbox) Register(tool Tool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tools[tool.Spec.Name] = tool
}

// SetObserver installs the execution observer.
func (tb *Toolbox) SetObserver(obs ToolObserver) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.observer = obs
}

// Specs returns the tool specs in name order for the provider request.
func (tb *Toolbox) Specs() []ToolSpec {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(tb.tools))
	for _, tool := range tb.tools {
		specs = append(specs, tool.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs one tool call and renders its result block. Handler errors
// become error-flagged tool results rather than loop failures, so the model
// can observe and react to them.
func (tb *Toolbox) Execute(ctx context.Context, call ToolCall) ToolResult {
	tb.mu.RLock()
	tool, ok := tb.tools[call.Name]
	observer := tb.observer
	tb.mu.RUnlock()

	if !ok {
		return ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("unknown tool %q", call.Name),
			IsError:    true,
		}
	}

	result, err := tool.Handler(ctx, call.Input)
	if observer != nil {
		if err != nil {
			observer(call.Name, call.Input, map[string]any{"error": err.Error()})
		} else {
			observer(call.Name, call.Input, result)
		}
	}
	if err != nil {
		return ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}

	content, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("failed to encode tool result: %v", marshalErr),
			IsError:    true,
		}
	}
	return ToolResult{ToolCallID: call.ID, Content: string(content)}
}
