package runtime

import (
	"context"
	"fmt"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
)

// BuildToolbox wires the coordination tool catalogue for one agent. Every
// tool acts on behalf of self; spawnSpecialist additionally requires self
// to be a director.
func BuildToolbox(svc *coordination.Service, self *store.Agent) *llm.Toolbox {
	tb := llm.NewToolbox()

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "checkInbox",
			Description: "List unread message previews for this agent, highest priority first. Previews are truncated to 50 characters; use readMessage for the full content.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "description": "Maximum previews to return (default 10)"},
				},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			limit := intArg(input, "limit", coordination.DefaultPreviewLimit)
			return svc.InboxPreviews(ctx, self.AgentID, limit)
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "readMessage",
			Description: "Read a message in full and mark it as read.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"messageId": map[string]any{"type": "string"},
				},
				"required": []string{"messageId"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			id, err := stringArg(input, "messageId")
			if err != nil {
				return nil, err
			}
			return svc.ReadMessage(ctx, id)
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "sendMessage",
			Description: "Send a message to another agent.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"toAgentId": map[string]any{"type": "string"},
					"content":   map[string]any{"type": "string"},
					"type":      map[string]any{"type": "string", "enum": []string{"task", "result", "status", "error"}},
				},
				"required": []string{"toAgentId", "content", "type"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			to, err := stringArg(input, "toAgentId")
			if err != nil {
				return nil, err
			}
			content, err := stringArg(input, "content")
			if err != nil {
				return nil, err
			}
			msgType, err := stringArg(input, "type")
			if err != nil {
				return nil, err
			}
			msg, err := svc.SendMessage(ctx, self.AgentID, to, content, store.MessageType(msgType), "", "")
			if err != nil {
				return nil, err
			}
			return map[string]any{"messageId": msg.MessageID, "threadId": msg.ThreadID}, nil
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "checkpoint",
			Description: "Persist a progress checkpoint so this agent can resume after a restart.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"summary": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"goal":      map[string]any{"type": "string"},
							"completed": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"pending":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"decisions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						},
						"required": []string{"goal"},
					},
					"resumePointer": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"nextAction":     map[string]any{"type": "string"},
							"phase":          map[string]any{"type": "string"},
							"currentContext": map[string]any{"type": "string"},
						},
						"required": []string{"nextAction", "phase"},
					},
				},
				"required": []string{"summary", "resumePointer"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			summary, err := objectArg(input, "summary")
			if err != nil {
				return nil, err
			}
			pointer, err := objectArg(input, "resumePointer")
			if err != nil {
				return nil, err
			}
			cp, err := svc.CreateCheckpoint(ctx, self.AgentID,
				store.CheckpointSummary{
					Goal:      str(summary["goal"]),
					Completed: strs(summary["completed"]),
					Pending:   strs(summary["pending"]),
					Decisions: strs(summary["decisions"]),
				},
				store.ResumePointer{
					NextAction:     str(pointer["nextAction"]),
					Phase:          str(pointer["phase"]),
					CurrentContext: str(pointer["currentContext"]),
				}, 0)
			if err != nil {
				return nil, err
			}
			return map[string]any{"checkpointId": cp.CheckpointID, "phase": cp.ResumePointer.Phase}, nil
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "createTask",
			Description: "Create a new task, optionally as a subtask of an existing one.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"title":        map[string]any{"type": "string"},
					"description":  map[string]any{"type": "string"},
					"parentTaskId": map[string]any{"type": "string"},
				},
				"required": []string{"title", "description"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			title, err := stringArg(input, "title")
			if err != nil {
				return nil, err
			}
			desc, err := stringArg(input, "description")
			if err != nil {
				return nil, err
			}
			task, err := svc.CreateTask(ctx, title, desc, str(input["parentTaskId"]))
			if err != nil {
				return nil, err
			}
			return map[string]any{"taskId": task.TaskID, "status": string(task.Status)}, nil
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "assignTask",
			Description: "Assign a pending task to an agent.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"taskId":  map[string]any{"type": "string"},
					"agentId": map[string]any{"type": "string"},
				},
				"required": []string{"taskId", "agentId"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			taskID, err := stringArg(input, "taskId")
			if err != nil {
				return nil, err
			}
			agentID, err := stringArg(input, "agentId")
			if err != nil {
				return nil, err
			}
			task, err := svc.AssignTask(ctx, taskID, agentID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"taskId": task.TaskID, "assignedTo": task.AssignedTo, "status": string(task.Status)}, nil
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "completeTask",
			Description: "Mark a task completed with its result.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"taskId": map[string]any{"type": "string"},
					"result": map[string]any{"type": "string"},
				},
				"required": []string{"taskId", "result"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			taskID, err := stringArg(input, "taskId")
			if err != nil {
				return nil, err
			}
			result, err := stringArg(input, "result")
			if err != nil {
				return nil, err
			}
			task, err := svc.CompleteTask(ctx, taskID, result)
			if err != nil {
				return nil, err
			}
			return map[string]any{"taskId": task.TaskID, "status": string(task.Status)}, nil
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "getTaskStatus",
			Description: "Fetch the current state of a task.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"taskId": map[string]any{"type": "string"},
				},
				"required": []string{"taskId"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			taskID, err := stringArg(input, "taskId")
			if err != nil {
				return nil, err
			}
			return svc.GetTask(ctx, taskID)
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "listAgents",
			Description: "List active agents (idle, working, or waiting), optionally filtered by type and status.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"type":   map[string]any{"type": "string", "enum": []string{"director", "specialist"}},
					"status": map[string]any{"type": "string", "enum": []string{"idle", "working", "waiting"}},
				},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			return svc.ActiveAgents(ctx,
				store.AgentType(str(input["type"])),
				store.AgentStatus(str(input["status"])))
		},
	})

	tb.Register(llm.Tool{
		Spec: llm.ToolSpec{
			Name:        "spawnSpecialist",
			Description: "Create a specialist agent record under this director. The specialist's process starts when a task is assigned to it.",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"specialization": map[string]any{"type": "string", "enum": []string{"researcher", "writer", "analyst", "general"}},
				},
				"required": []string{"specialization"},
			},
		},
		Handler: func(ctx context.Context, input map[string]any) (any, error) {
			if self.Type != store.AgentTypeDirector {
				return nil, fmt.Errorf("only directors can spawn specialists: %w", apperr.ErrValidation)
			}
			spec, err := stringArg(input, "specialization")
			if err != nil {
				return nil, err
			}
			agent, err := svc.RegisterAgent(ctx, store.AgentTypeSpecialist, self.AgentID, store.Specialization(spec))
			if err != nil {
				return nil, err
			}
			return map[string]any{"agentId": agent.AgentID, "specialization": string(agent.Specialization)}, nil
		},
	})

	return tb
}

func stringArg(input map[string]any, key string) (string, error) {
	v := str(input[key])
	if v == "" {
		return "", apperr.Validation("tool input %q is required", key)
	}
	return v, nil
}

func objectArg(input map[string]any, key string) (map[string]any, error) {
	obj, ok := input[key].(map[string]any)
	if !ok {
		return nil, apperr.Validation("tool input %q must be an object", key)
	}
	return obj, nil
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
