package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
)

func specialistFixture(t *testing.T) (*coordination.Service, *store.Agent, *store.Agent) {
	t.Helper()
	svc := coordination.NewService(memory.New(), logger.Default())
	director, err := svc.RegisterAgent(context.Background(), store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	specialist, err := svc.RegisterAgent(context.Background(), store.AgentTypeSpecialist, director.AgentID, store.SpecializationResearcher)
	require.NoError(t, err)
	return svc, director, specialist
}

func TestSpecialistRunReportsToParent(t *testing.T) {
	svc, director, specialist := specialistFixture(t)
	ctx := context.Background()

	provider := &scriptedProvider{responses: []*llm.Response{
		{Content: "research findings", StopReason: llm.StopEndTurn, Usage: llm.Usage{InputTokens: 40, OutputTokens: 15}},
	}}
	sp := NewSpecialist(provider, svc, specialist, 0, logger.Default())

	result, err := sp.Run(ctx, "find the docs", "")
	require.NoError(t, err)
	assert.Equal(t, "research findings", result)

	// One checkpoint at phase complete.
	cp, err := svc.LatestCheckpoint(ctx, specialist.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "complete", cp.ResumePointer.Phase)
	assert.Equal(t, "find the docs", cp.Summary.Goal)
	assert.Equal(t, int64(55), cp.TokensUsed)

	// A result message reached the director.
	inbox, err := svc.Inbox(ctx, director.AgentID, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, store.MessageResult, inbox[0].Type)
	assert.Equal(t, "research findings", inbox[0].Content)

	// Loop usage was persisted per turn.
	updated, err := svc.GetAgent(ctx, specialist.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), updated.TokenUsage.TotalInputTokens)
	assert.Equal(t, int64(15), updated.TokenUsage.TotalOutputTokens)
}

func TestSpecialistUsesToolsDuringRun(t *testing.T) {
	svc, director, specialist := specialistFixture(t)
	ctx := context.Background()

	provider := &scriptedProvider{responses: []*llm.Response{
		{
			StopReason: llm.StopToolUse,
			ToolCalls: []llm.ToolCall{{
				ID:   "call-1",
				Name: "sendMessage",
				Input: map[string]any{
					"toAgentId": director.AgentID,
					"content":   "starting on the docs",
					"type":      "status",
				},
			}},
		},
		{Content: "done", StopReason: llm.StopEndTurn},
	}}
	sp := NewSpecialist(provider, svc, specialist, 0, logger.Default())

	result, err := sp.Run(ctx, "find the docs", "")
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	// status update from the tool call, then the final result message
	inbox, err := svc.Inbox(ctx, director.AgentID, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	types := []store.MessageType{inbox[0].Type, inbox[1].Type}
	assert.ElementsMatch(t, []store.MessageType{store.MessageStatus, store.MessageResult}, types)
}

func TestSpecialistResumeContextPrepended(t *testing.T) {
	svc, _, specialist := specialistFixture(t)
	ctx := context.Background()

	var gotPrompt string
	provider := &recordingProvider{response: &llm.Response{Content: "ok", StopReason: llm.StopEndTurn}, onCall: func(messages []llm.ChatMessage) {
		gotPrompt = messages[0].Content
	}}
	sp := NewSpecialist(provider, svc, specialist, 0, logger.Default())

	resume := "## Resuming from checkpoint\n\nGoal: find the docs"
	_, err := sp.Run(ctx, "find the docs", resume)
	require.NoError(t, err)
	assert.Contains(t, gotPrompt, "Resuming from checkpoint")
	assert.Contains(t, gotPrompt, "find the docs")
}

type recordingProvider struct {
	response *llm.Response
	onCall   func(messages []llm.ChatMessage)
}

func (p *recordingProvider) Chat(ctx context.Context, system string, messages []llm.ChatMessage, tools []llm.ToolSpec) (*llm.Response, error) {
	if p.onCall != nil {
		p.onCall(messages)
	}
	return p.response, nil
}

func (p *recordingProvider) Model() string { return "recording" }
