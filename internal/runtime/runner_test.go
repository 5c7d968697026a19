package runtime

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
)

func runnerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Director = config.DirectorConfig{WaitTimeout: 0, PollInterval: 1}
	cfg.LLM.MaxTurns = 5
	return cfg
}

func TestRunnerSpecialistEmitsSentinels(t *testing.T) {
	svc, _, specialist := specialistFixture(t)

	provider := &scriptedProvider{responses: []*llm.Response{
		{Content: "the findings", StopReason: llm.StopEndTurn},
	}}
	var stdout bytes.Buffer
	runner := NewRunner(svc, provider, runnerConfig(), &stdout, logger.Default())

	require.NoError(t, runner.Run(context.Background(), specialist.AgentID, "find the docs"))

	out := stdout.String()
	assert.Contains(t, out, "=== SPECIALIST OUTPUT ===\nthe findings\n=== END OUTPUT ===")
	assert.Equal(t, "the findings", ExtractResult(store.AgentTypeSpecialist, out))

	updated, err := svc.GetAgent(context.Background(), specialist.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, updated.Status)
	assert.NotEmpty(t, updated.SessionID)
}

func TestRunnerDirectorCompletesRootTask(t *testing.T) {
	svc := coordination.NewService(memory.New(), logger.Default())
	ctx := context.Background()

	director, err := svc.RegisterAgent(ctx, store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	root, err := svc.CreateTask(ctx, "Root", "the big task", "")
	require.NoError(t, err)
	_, err = svc.AssignTask(ctx, root.TaskID, director.AgentID)
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []*llm.Response{
		{Content: `{"subtasks":[]}`, StopReason: llm.StopEndTurn},
		{Content: "final summary", StopReason: llm.StopEndTurn},
	}}
	var stdout bytes.Buffer
	runner := NewRunner(svc, provider, runnerConfig(), &stdout, logger.Default())

	require.NoError(t, runner.Run(ctx, director.AgentID, "the big task"))

	assert.Contains(t, stdout.String(), "=== DIRECTOR OUTPUT ===")

	task, err := svc.GetTask(ctx, root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "final summary", task.Result)

	updated, err := svc.GetAgent(ctx, director.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, updated.Status)
}

func TestRunnerUnknownAgent(t *testing.T) {
	svc := coordination.NewService(memory.New(), logger.Default())
	runner := NewRunner(svc, &scriptedProvider{}, runnerConfig(), &bytes.Buffer{}, logger.Default())
	err := runner.Run(context.Background(), "00000000-0000-0000-0000-000000000000", "task")
	assert.Error(t, err)
}
