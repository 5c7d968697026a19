package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []*llm.Response
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, system string, messages []llm.ChatMessage, tools []llm.ToolSpec) (*llm.Response, error) {
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return p.responses[idx], nil
}

func (p *scriptedProvider) Model() string { return "scripted" }

func TestParseDecomposition(t *testing.T) {
	content := `Here is the plan:
{"subtasks":[
  {"title":"Find docs","description":"Search for documentation","specialization":"researcher"},
  {"title":"Summarize","description":"Write a summary","specialization":"writer"}
]}`
	subtasks := ParseDecomposition(content)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "Find docs", subtasks[0].Title)
	assert.Equal(t, "writer", subtasks[1].Specialization)
}

func TestParseDecompositionBadSpecializationDefaultsToGeneral(t *testing.T) {
	content := `{"subtasks":[{"title":"T","description":"D","specialization":"astronaut"}]}`
	subtasks := ParseDecomposition(content)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "general", subtasks[0].Specialization)
}

func TestParseDecompositionGarbage(t *testing.T) {
	assert.Nil(t, ParseDecomposition("no json here"))
	assert.Nil(t, ParseDecomposition(`{"subtasks": "oops"}`))
	assert.Nil(t, ParseDecomposition(`{"subtasks":[{"title":"","description":""}]}`))
}

func TestDirectorRunEndToEnd(t *testing.T) {
	svc := coordination.NewService(memory.New(), logger.Default())
	ctx := context.Background()

	director, err := svc.RegisterAgent(ctx, store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	root, err := svc.CreateTask(ctx, "Research coordination", "Research MongoDB agent coordination patterns", "")
	require.NoError(t, err)
	_, err = svc.AssignTask(ctx, root.TaskID, director.AgentID)
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []*llm.Response{
		{
			Content:    `{"subtasks":[{"title":"Find docs","description":"Search","specialization":"researcher"},{"title":"Summarize","description":"Write","specialization":"writer"}]}`,
			StopReason: llm.StopEndTurn,
			Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
		},
		{
			Content:    "Executive summary of both results.",
			StopReason: llm.StopEndTurn,
			Usage:      llm.Usage{InputTokens: 200, OutputTokens: 80},
		},
	}}

	cfg := config.DirectorConfig{WaitTimeout: 10, PollInterval: 1}
	d := NewDirector(provider, svc, director, cfg, logger.Default())

	// Play the part of the task watcher: complete subtasks as they appear.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		deadline := time.Now().Add(5 * time.Second)
		completed := map[string]bool{}
		for time.Now().Before(deadline) && len(completed) < 2 {
			subs, err := svc.SubTasks(context.Background(), root.TaskID)
			if err == nil {
				for _, sub := range subs {
					if completed[sub.TaskID] || sub.Status != store.TaskAssigned {
						continue
					}
					if _, err := svc.UpdateTaskStatus(context.Background(), sub.TaskID, store.TaskInProgress, ""); err != nil {
						continue
					}
					if _, err := svc.CompleteTask(context.Background(), sub.TaskID, "result for "+sub.Title); err == nil {
						completed[sub.TaskID] = true
					}
				}
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	summary, err := d.Run(ctx, "Research MongoDB agent coordination patterns", root.TaskID)
	<-watcherDone
	require.NoError(t, err)
	assert.Equal(t, "Executive summary of both results.", summary)
	assert.Equal(t, 2, provider.calls)

	// Two specialists exist, parented to the director.
	specialists, err := svc.ListAgents(ctx, store.AgentFilter{Type: store.AgentTypeSpecialist})
	require.NoError(t, err)
	require.Len(t, specialists, 2)
	for _, sp := range specialists {
		assert.Equal(t, director.AgentID, sp.ParentID)
	}

	// Each specialist got a task-type message.
	for _, sp := range specialists {
		inbox, err := svc.Inbox(ctx, sp.AgentID, 0)
		require.NoError(t, err)
		require.Len(t, inbox, 1)
		assert.Equal(t, store.MessageTask, inbox[0].Type)
	}

	// Token usage from both calls is on the record.
	updated, err := svc.GetAgent(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), updated.TokenUsage.TotalInputTokens)
	assert.Equal(t, int64(130), updated.TokenUsage.TotalOutputTokens)

	// Checkpoints cover every phase and carry the running token total:
	// 150 after the decompose call, 430 once summarization has run.
	cps, err := svc.Checkpoints(ctx, director.AgentID)
	require.NoError(t, err)
	phases := make([]string, len(cps))
	tokensByPhase := make(map[string]int64, len(cps))
	for i, cp := range cps {
		phases[i] = cp.ResumePointer.Phase
		tokensByPhase[cp.ResumePointer.Phase] = cp.TokensUsed
	}
	assert.ElementsMatch(t, []string{"spawning", "waiting", "complete"}, phases)
	assert.Equal(t, int64(150), tokensByPhase["spawning"])
	assert.Equal(t, int64(150), tokensByPhase["waiting"])
	assert.Equal(t, int64(430), tokensByPhase["complete"])
}

func TestDirectorTimeoutAggregatesPartial(t *testing.T) {
	svc := coordination.NewService(memory.New(), logger.Default())
	ctx := context.Background()

	director, err := svc.RegisterAgent(ctx, store.AgentTypeDirector, "", "")
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []*llm.Response{
		{
			Content:    `{"subtasks":[{"title":"Slow work","description":"Never finishes","specialization":"general"}]}`,
			StopReason: llm.StopEndTurn,
		},
		{Content: "", StopReason: llm.StopEndTurn},
	}}

	// Zero wait budget: one poll pass, then give up.
	cfg := config.DirectorConfig{WaitTimeout: 0, PollInterval: 1}
	d := NewDirector(provider, svc, director, cfg, logger.Default())

	summary, err := d.Run(ctx, "do slow work", "")
	require.NoError(t, err)
	// Summarizer returned nothing, so the aggregate comes through as-is.
	assert.Contains(t, summary, "## Slow work")
	assert.Contains(t, summary, "did not finish in time")
}

func TestDirectorDecompositionFallback(t *testing.T) {
	svc := coordination.NewService(memory.New(), logger.Default())
	ctx := context.Background()

	director, err := svc.RegisterAgent(ctx, store.AgentTypeDirector, "", "")
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []*llm.Response{
		{Content: "I cannot produce JSON today.", StopReason: llm.StopEndTurn},
		{Content: "summary", StopReason: llm.StopEndTurn},
	}}

	cfg := config.DirectorConfig{WaitTimeout: 0, PollInterval: 1}
	d := NewDirector(provider, svc, director, cfg, logger.Default())

	_, err = d.Run(ctx, "the original task", "")
	require.NoError(t, err)

	tasks, err := svc.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Complete task", tasks[0].Title)
	assert.Equal(t, "the original task", tasks[0].Description)
}
