package coordination

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(memory.New(), logger.Default())
}

func registerDirector(t *testing.T, svc *Service) *store.Agent {
	t.Helper()
	agent, err := svc.RegisterAgent(context.Background(), store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	return agent
}

func registerSpecialist(t *testing.T, svc *Service, parentID string) *store.Agent {
	t.Helper()
	agent, err := svc.RegisterAgent(context.Background(), store.AgentTypeSpecialist, parentID, store.SpecializationResearcher)
	require.NoError(t, err)
	return agent
}

func TestPreviewBoundary(t *testing.T) {
	exactly50 := strings.Repeat("a", 50)
	assert.Equal(t, exactly50, Preview(exactly50))

	over := strings.Repeat("b", 51)
	got := Preview(over)
	assert.Equal(t, strings.Repeat("b", 50)+"...", got)
	assert.Len(t, got, 53)

	assert.Equal(t, "short", Preview("short"))
}

func TestSendMessageDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	msg, err := svc.SendMessage(ctx, director.AgentID, specialist.AgentID, "do the thing", store.MessageTask, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.NotEmpty(t, msg.ThreadID)
	assert.Equal(t, store.PriorityNormal, msg.Priority)
	assert.Nil(t, msg.ReadAt)
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	svc := newTestService(t)
	director := registerDirector(t, svc)

	_, err := svc.SendMessage(context.Background(), director.AgentID, "nobody", "hi", store.MessageStatus, "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInboxPriorityOrdering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	send := func(content string, priority store.Priority) {
		_, err := svc.SendMessage(ctx, director.AgentID, specialist.AgentID, content, store.MessageStatus, "", priority)
		require.NoError(t, err)
	}
	send("low-1", store.PriorityLow)
	send("normal-1", store.PriorityNormal)
	send("high-1", store.PriorityHigh)
	send("normal-2", store.PriorityNormal)
	send("high-2", store.PriorityHigh)

	inbox, err := svc.Inbox(ctx, specialist.AgentID, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 5)

	var contents []string
	for _, msg := range inbox {
		contents = append(contents, msg.Content)
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, contents)
}

func TestNotificationEconomy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	body := strings.Repeat("x", 500)
	for i := 0; i < 12; i++ {
		_, err := svc.SendMessage(ctx, director.AgentID, specialist.AgentID, body, store.MessageStatus, "", "")
		require.NoError(t, err)
	}

	previews, err := svc.InboxPreviews(ctx, specialist.AgentID, 0)
	require.NoError(t, err)
	require.Len(t, previews, DefaultPreviewLimit)
	for _, p := range previews {
		assert.Len(t, p.Preview, 53)
		assert.True(t, strings.HasSuffix(p.Preview, "..."))
	}

	full, err := svc.ReadMessage(ctx, previews[0].MessageID)
	require.NoError(t, err)
	assert.Len(t, full.Content, 500)
	require.NotNil(t, full.ReadAt)
}

func TestReadMessageIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	msg, err := svc.SendMessage(ctx, director.AgentID, specialist.AgentID, "once", store.MessageResult, "", "")
	require.NoError(t, err)

	first, err := svc.ReadMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	require.NotNil(t, first.ReadAt)

	second, err := svc.ReadMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	require.NotNil(t, second.ReadAt)
	assert.Equal(t, first.ReadAt.UnixNano(), second.ReadAt.UnixNano())

	// Read messages leave the inbox.
	inbox, err := svc.Inbox(ctx, specialist.AgentID, 0)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestReadMessageUnknownID(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ReadMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestThreadOrdering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	first, err := svc.SendMessage(ctx, director.AgentID, specialist.AgentID, "first", store.MessageTask, "", "")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, specialist.AgentID, director.AgentID, "second", store.MessageResult, first.ThreadID, "")
	require.NoError(t, err)

	thread, err := svc.Thread(ctx, first.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "first", thread[0].Content)
	assert.Equal(t, "second", thread[1].Content)
}

func TestCheckpointValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	_, err := svc.CreateCheckpoint(ctx, director.AgentID,
		store.CheckpointSummary{},
		store.ResumePointer{NextAction: "next", Phase: "analysis"}, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.CreateCheckpoint(ctx, director.AgentID,
		store.CheckpointSummary{Goal: "ship it"},
		store.ResumePointer{Phase: "analysis"}, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestBuildResumeContext(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	// No checkpoints yet: empty resume context, no error.
	text, err := svc.BuildResumeContext(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = svc.CreateCheckpoint(ctx, director.AgentID,
		store.CheckpointSummary{
			Goal:      "write the report",
			Completed: []string{"gathered sources", "drafted outline"},
			Pending:   []string{"write body", "review"},
			Decisions: []string{"use markdown"},
		},
		store.ResumePointer{NextAction: "write the body section", Phase: "drafting", CurrentContext: "outline in /tmp/outline.md"},
		1200)
	require.NoError(t, err)

	text, err = svc.BuildResumeContext(ctx, director.AgentID)
	require.NoError(t, err)
	for _, want := range []string{
		"write the report",
		"gathered sources", "drafted outline",
		"write body", "review",
		"use markdown",
		"write the body section",
		"drafting",
		"outline in /tmp/outline.md",
	} {
		assert.Contains(t, text, want)
	}
}

func TestLatestCheckpointWins(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	_, err := svc.CreateCheckpoint(ctx, director.AgentID,
		store.CheckpointSummary{Goal: "old goal"},
		store.ResumePointer{NextAction: "a", Phase: "start"}, 0)
	require.NoError(t, err)
	_, err = svc.CreateCheckpoint(ctx, director.AgentID,
		store.CheckpointSummary{Goal: "new goal"},
		store.ResumePointer{NextAction: "b", Phase: "complete"}, 0)
	require.NoError(t, err)

	latest, err := svc.LatestCheckpoint(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "new goal", latest.Summary.Goal)

	history, err := svc.Checkpoints(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTaskLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	task, err := svc.CreateTask(ctx, "research", "find sources", "")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)

	task, err = svc.AssignTask(ctx, task.TaskID, director.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, task.Status)
	assert.Equal(t, director.AgentID, task.AssignedTo)

	task, err = svc.UpdateTaskStatus(ctx, task.TaskID, store.TaskInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, task.Status)

	task, err = svc.UpdateTaskStatus(ctx, task.TaskID, store.TaskCompleted, "found 5 sources")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "found 5 sources", task.Result)
}

func TestTaskTransitionViolations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	task, err := svc.CreateTask(ctx, "t", "d", "")
	require.NoError(t, err)

	// pending cannot go straight to in_progress.
	_, err = svc.UpdateTaskStatus(ctx, task.TaskID, store.TaskInProgress, "")
	assert.ErrorIs(t, err, apperr.ErrTransitionViolation)

	// Terminal tasks are immutable.
	_, err = svc.AssignTask(ctx, task.TaskID, director.AgentID)
	require.NoError(t, err)
	_, err = svc.CompleteTask(ctx, task.TaskID, "done")
	require.NoError(t, err)
	_, err = svc.UpdateTaskStatus(ctx, task.TaskID, store.TaskFailed, "")
	assert.ErrorIs(t, err, apperr.ErrTransitionViolation)
	_, err = svc.CompleteTask(ctx, task.TaskID, "again")
	assert.ErrorIs(t, err, apperr.ErrTransitionViolation)
}

func TestAssignTaskTwice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	task, err := svc.CreateTask(ctx, "t", "d", "")
	require.NoError(t, err)
	_, err = svc.AssignTask(ctx, task.TaskID, director.AgentID)
	require.NoError(t, err)
	_, err = svc.AssignTask(ctx, task.TaskID, specialist.AgentID)
	assert.ErrorIs(t, err, apperr.ErrTransitionViolation)
}

func TestSubTasks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	root, err := svc.CreateTask(ctx, "root", "root task", "")
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "child-1", "first half", root.TaskID)
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "child-2", "second half", root.TaskID)
	require.NoError(t, err)

	// Subtasks must reference an existing parent.
	_, err = svc.CreateTask(ctx, "orphan", "nope", "missing-parent")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	children, err := svc.SubTasks(ctx, root.TaskID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestRegisterSpecialistValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, store.AgentTypeSpecialist, "", store.SpecializationWriter)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.RegisterAgent(ctx, store.AgentTypeSpecialist, "no-such-parent", store.SpecializationWriter)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	// A specialist cannot parent another specialist.
	_, err = svc.RegisterAgent(ctx, store.AgentTypeSpecialist, specialist.AgentID, store.SpecializationWriter)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

var sessionIDPattern = regexp.MustCompile(`^session-\d{13}-[0-9a-z]{9}$`)

func TestGetOrCreateSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	first, err := svc.GetOrCreateSession(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Regexp(t, sessionIDPattern, first)

	second, err := svc.GetOrCreateSession(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAddTokens(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)

	agent, err := svc.AddTokens(ctx, director.AgentID, 100, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(100), agent.TokenUsage.TotalInputTokens)
	assert.Equal(t, int64(40), agent.TokenUsage.TotalOutputTokens)
	require.NotNil(t, agent.TokenUsage.LastUpdated)

	agent, err = svc.AddTokens(ctx, director.AgentID, 50, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(150), agent.TokenUsage.TotalInputTokens)
	assert.Equal(t, int64(50), agent.TokenUsage.TotalOutputTokens)

	_, err = svc.AddTokens(ctx, director.AgentID, -1, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestActiveAgentsFilter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	_, err := svc.UpdateAgentStatus(ctx, specialist.AgentID, store.AgentCompleted, nil)
	require.NoError(t, err)

	agents, err := svc.ActiveAgents(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, director.AgentID, agents[0].AgentID)

	// Filtering on a terminal status yields nothing by construction.
	agents, err = svc.ActiveAgents(ctx, "", store.AgentCompleted)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestRestartAgentPreservesCheckpoints(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	director := registerDirector(t, svc)
	specialist := registerSpecialist(t, svc, director.AgentID)

	_, err := svc.UpdateAgentStatus(ctx, specialist.AgentID, store.AgentCompleted, nil)
	require.NoError(t, err)
	_, err = svc.CreateCheckpoint(ctx, specialist.AgentID,
		store.CheckpointSummary{Goal: "summarize findings"},
		store.ResumePointer{NextAction: "report", Phase: "complete"}, 300)
	require.NoError(t, err)

	agent, err := svc.RestartAgent(ctx, specialist.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, agent.Status)

	text, err := svc.BuildResumeContext(ctx, specialist.AgentID)
	require.NoError(t, err)
	assert.Contains(t, text, "summarize findings")
}
