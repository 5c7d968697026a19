package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/runtime"
	"github.com/squadlite/squadlite/internal/sandbox"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
)

type fakeLauncher struct {
	mu         sync.Mutex
	registered []string
	runs       map[string]chan sandbox.ProcessState
	runErr     error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{runs: make(map[string]chan sandbox.ProcessState)}
}

func (f *fakeLauncher) Register(ctx context.Context, agentID string, agentType store.AgentType, specialization store.Specialization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, agentID)
	return nil
}

func (f *fakeLauncher) RunAgent(ctx context.Context, agentID, task, parentID string) (*sandbox.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	done := make(chan sandbox.ProcessState, 1)
	f.runs[agentID] = done
	return sandbox.NewRunHandle(agentID, done), nil
}

func (f *fakeLauncher) exit(agentID string, state sandbox.ProcessState) {
	f.mu.Lock()
	done := f.runs[agentID]
	f.mu.Unlock()
	done <- state
	close(done)
}

func (f *fakeLauncher) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) record(ctx context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func taskWatcherFixture(t *testing.T) (*TaskWatcher, *coordination.Service, *fakeLauncher, *runtime.OutputCollector, *eventRecorder) {
	t.Helper()
	svc := coordination.NewService(memory.New(), logger.Default())
	launcher := newFakeLauncher()
	collector := runtime.NewOutputCollector()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	recorder := &eventRecorder{}
	_, err := eventBus.Subscribe(events.TaskStatus, recorder.record)
	require.NoError(t, err)

	w := &TaskWatcher{
		svc:       svc,
		launcher:  launcher,
		collector: collector,
		bus:       eventBus,
		logger:    logger.Default(),
		starting:  make(map[string]struct{}),
	}
	return w, svc, launcher, collector, recorder
}

func seedAssignment(t *testing.T, svc *coordination.Service) (*store.Agent, *store.Task) {
	t.Helper()
	ctx := context.Background()
	director, err := svc.RegisterAgent(ctx, store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	specialist, err := svc.RegisterAgent(ctx, store.AgentTypeSpecialist, director.AgentID, store.SpecializationResearcher)
	require.NoError(t, err)
	task, err := svc.CreateTask(ctx, "Find docs", "Search for documentation", "")
	require.NoError(t, err)
	task, err = svc.AssignTask(ctx, task.TaskID, specialist.AgentID)
	require.NoError(t, err)
	return specialist, task
}

func TestDispatchLaunchesSpecialistAndCompletes(t *testing.T) {
	w, svc, launcher, collector, recorder := taskWatcherFixture(t)
	ctx := context.Background()
	specialist, task := seedAssignment(t, svc)

	w.Dispatch(ctx, task)

	// The claim lands before the launch goroutine does its work.
	claimed, err := svc.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, claimed.Status)

	require.Eventually(t, func() bool { return launcher.runCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	collector.Collect(specialist.AgentID, "stdout", "=== SPECIALIST OUTPUT ===\nthe findings\n=== END OUTPUT ===\n")
	launcher.exit(specialist.AgentID, sandbox.ProcessCompleted)

	require.Eventually(t, func() bool {
		done, err := svc.GetTask(ctx, task.TaskID)
		return err == nil && done.Status == store.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	done, err := svc.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "the findings", done.Result)
	assert.Equal(t, []string{specialist.AgentID}, launcher.registered)

	require.Eventually(t, func() bool { return len(recorder.types()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"task:status", "task:status"}, recorder.types())
}

func TestDispatchFailsTaskOnProcessError(t *testing.T) {
	w, svc, launcher, _, _ := taskWatcherFixture(t)
	ctx := context.Background()
	specialist, task := seedAssignment(t, svc)

	w.Dispatch(ctx, task)
	require.Eventually(t, func() bool { return launcher.runCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	launcher.exit(specialist.AgentID, sandbox.ProcessError)

	require.Eventually(t, func() bool {
		failed, err := svc.GetTask(ctx, task.TaskID)
		return err == nil && failed.Status == store.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	failed, err := svc.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Contains(t, failed.Result, "Error: ")
}

func TestDispatchFailsTaskWhenKilled(t *testing.T) {
	w, svc, launcher, _, _ := taskWatcherFixture(t)
	ctx := context.Background()
	specialist, task := seedAssignment(t, svc)

	w.Dispatch(ctx, task)
	require.Eventually(t, func() bool { return launcher.runCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	launcher.exit(specialist.AgentID, sandbox.ProcessKilled)

	require.Eventually(t, func() bool {
		failed, err := svc.GetTask(ctx, task.TaskID)
		return err == nil && failed.Status == store.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	failed, err := svc.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "Error: agent process killed", failed.Result)
}

func TestDispatchGuardsAgainstDoubleStart(t *testing.T) {
	w, svc, launcher, _, _ := taskWatcherFixture(t)
	ctx := context.Background()
	specialist, task := seedAssignment(t, svc)

	// The same change can be observed more than once.
	w.Dispatch(ctx, task)
	w.Dispatch(ctx, task)
	w.Dispatch(ctx, task)

	require.Eventually(t, func() bool { return launcher.runCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	launcher.exit(specialist.AgentID, sandbox.ProcessCompleted)

	require.Eventually(t, func() bool {
		done, err := svc.GetTask(ctx, task.TaskID)
		return err == nil && done.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, launcher.runCount())
}

func TestDispatchIgnoresDirectorsAndOrphans(t *testing.T) {
	w, svc, launcher, _, _ := taskWatcherFixture(t)
	ctx := context.Background()

	director, err := svc.RegisterAgent(ctx, store.AgentTypeDirector, "", "")
	require.NoError(t, err)
	task, err := svc.CreateTask(ctx, "Root", "the big task", "")
	require.NoError(t, err)
	task, err = svc.AssignTask(ctx, task.TaskID, director.AgentID)
	require.NoError(t, err)

	w.Dispatch(ctx, task)

	// Directors stay untouched: no launch, no claim.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, launcher.runCount())
	current, err := svc.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, current.Status)
}
