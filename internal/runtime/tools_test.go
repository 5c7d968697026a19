package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
)

func newToolboxFixture(t *testing.T) (*coordination.Service, *store.Agent, *llm.Toolbox) {
	t.Helper()
	svc := coordination.NewService(memory.New(), logger.Default())
	director, err := svc.RegisterAgent(context.Background(), store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	return svc, director, BuildToolbox(svc, director)
}

func execTool(t *testing.T, tb *llm.Toolbox, name string, input map[string]any) map[string]any {
	t.Helper()
	result := tb.Execute(context.Background(), llm.ToolCall{ID: "call-" + name, Name: name, Input: input})
	require.False(t, result.IsError, "tool %s errored: %s", name, result.Content)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content), &decoded))
	return decoded
}

func TestToolboxCatalogue(t *testing.T) {
	_, _, tb := newToolboxFixture(t)
	specs := tb.Specs()
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	assert.ElementsMatch(t, []string{
		"checkInbox", "readMessage", "sendMessage", "checkpoint",
		"createTask", "assignTask", "completeTask", "getTaskStatus",
		"listAgents", "spawnSpecialist",
	}, names)
}

func TestSpawnSpecialistDirectorsOnly(t *testing.T) {
	svc, director, tb := newToolboxFixture(t)

	out := execTool(t, tb, "spawnSpecialist", map[string]any{"specialization": "researcher"})
	specialistID := out["agentId"].(string)
	assert.Equal(t, "researcher", out["specialization"])

	specialist, err := svc.GetAgent(context.Background(), specialistID)
	require.NoError(t, err)
	assert.Equal(t, director.AgentID, specialist.ParentID)

	// The same tool in a specialist's hands is refused.
	specialistBox := BuildToolbox(svc, specialist)
	result := specialistBox.Execute(context.Background(), llm.ToolCall{
		ID: "c1", Name: "spawnSpecialist",
		Input: map[string]any{"specialization": "writer"},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "only directors")
}

func TestMessagingToolsRoundTrip(t *testing.T) {
	svc, director, tb := newToolboxFixture(t)
	ctx := context.Background()

	specialist, err := svc.RegisterAgent(ctx, store.AgentTypeSpecialist, director.AgentID, store.SpecializationWriter)
	require.NoError(t, err)

	long := strings.Repeat("x", 200)
	sent := execTool(t, tb, "sendMessage", map[string]any{
		"toAgentId": specialist.AgentID,
		"content":   long,
		"type":      "task",
	})
	require.NotEmpty(t, sent["messageId"])
	require.NotEmpty(t, sent["threadId"])

	specialistBox := BuildToolbox(svc, specialist)
	result := specialistBox.Execute(ctx, llm.ToolCall{ID: "c1", Name: "checkInbox", Input: map[string]any{}})
	require.False(t, result.IsError)
	var previews []map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content), &previews))
	require.Len(t, previews, 1)
	assert.Len(t, previews[0]["preview"], 53)

	full := execTool(t, specialistBox, "readMessage", map[string]any{"messageId": sent["messageId"]})
	assert.Equal(t, long, full["content"])

	// Reading consumed the notification.
	result = specialistBox.Execute(ctx, llm.ToolCall{ID: "c2", Name: "checkInbox", Input: map[string]any{}})
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(result.Content), &previews))
	assert.Empty(t, previews)
}

func TestTaskToolsLifecycle(t *testing.T) {
	svc, director, tb := newToolboxFixture(t)
	ctx := context.Background()

	created := execTool(t, tb, "createTask", map[string]any{
		"title":       "Research sources",
		"description": "Collect primary sources",
	})
	taskID := created["taskId"].(string)
	assert.Equal(t, "pending", created["status"])

	specialist, err := svc.RegisterAgent(ctx, store.AgentTypeSpecialist, director.AgentID, store.SpecializationResearcher)
	require.NoError(t, err)

	assigned := execTool(t, tb, "assignTask", map[string]any{"taskId": taskID, "agentId": specialist.AgentID})
	assert.Equal(t, "assigned", assigned["status"])
	assert.Equal(t, specialist.AgentID, assigned["assignedTo"])

	snapshot := execTool(t, tb, "getTaskStatus", map[string]any{"taskId": taskID})
	assert.Equal(t, "assigned", snapshot["status"])

	done := execTool(t, tb, "completeTask", map[string]any{"taskId": taskID, "result": "five sources found"})
	assert.Equal(t, "completed", done["status"])
}

func TestCheckpointTool(t *testing.T) {
	svc, director, tb := newToolboxFixture(t)

	out := execTool(t, tb, "checkpoint", map[string]any{
		"summary": map[string]any{
			"goal":      "finish the report",
			"completed": []any{"outline"},
			"pending":   []any{"draft", "review"},
		},
		"resumePointer": map[string]any{
			"nextAction": "write the draft",
			"phase":      "drafting",
		},
	})
	assert.Equal(t, "drafting", out["phase"])

	cp, err := svc.LatestCheckpoint(context.Background(), director.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "finish the report", cp.Summary.Goal)
	assert.Equal(t, []string{"draft", "review"}, cp.Summary.Pending)
}

func TestListAgentsFiltersToActive(t *testing.T) {
	svc, director, tb := newToolboxFixture(t)
	ctx := context.Background()

	specialist, err := svc.RegisterAgent(ctx, store.AgentTypeSpecialist, director.AgentID, store.SpecializationAnalyst)
	require.NoError(t, err)
	_, err = svc.UpdateAgentStatus(ctx, specialist.AgentID, store.AgentCompleted, nil)
	require.NoError(t, err)

	result := tb.Execute(ctx, llm.ToolCall{ID: "c1", Name: "listAgents", Input: map[string]any{}})
	require.False(t, result.IsError)
	var agents []map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content), &agents))
	// Only the idle director is active; the completed specialist is hidden.
	require.Len(t, agents, 1)
	assert.Equal(t, director.AgentID, agents[0]["agentId"])
}

func TestToolInputValidation(t *testing.T) {
	_, _, tb := newToolboxFixture(t)
	result := tb.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "readMessage", Input: map[string]any{}})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "messageId")
}
