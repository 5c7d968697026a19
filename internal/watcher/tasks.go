package watcher

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/runtime"
	"github.com/squadlite/squadlite/internal/sandbox"
	"github.com/squadlite/squadlite/internal/store"
	storemongo "github.com/squadlite/squadlite/internal/store/mongo"
)

// Launcher is the slice of the sandbox orchestrator the task watcher
// drives: attach an agent to the shared sandbox and run its process.
type Launcher interface {
	Register(ctx context.Context, agentID string, agentType store.AgentType, specialization store.Specialization) error
	RunAgent(ctx context.Context, agentID, task, parentID string) (*sandbox.RunHandle, error)
}

// TaskWatcher reacts to task assignments: when a specialist's task enters
// pending or assigned, it transitions the task to in_progress and launches
// the specialist process. Directors are never started here.
type TaskWatcher struct {
	stream    *streamWatcher
	svc       *coordination.Service
	launcher  Launcher
	collector *runtime.OutputCollector
	bus       bus.EventBus
	logger    *logger.Logger

	mu       sync.Mutex
	starting map[string]struct{}
}

// NewTaskWatcher wires the watcher over the tasks collection.
func NewTaskWatcher(st *storemongo.Store, svc *coordination.Service, launcher Launcher, collector *runtime.OutputCollector, eventBus bus.EventBus, log *logger.Logger) *TaskWatcher {
	w := &TaskWatcher{
		svc:       svc,
		launcher:  launcher,
		collector: collector,
		bus:       eventBus,
		logger:    log,
		starting:  make(map[string]struct{}),
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":           bson.M{"$in": []string{"insert", "update", "replace"}},
			"fullDocument.assignedTo": bson.M{"$nin": bson.A{nil, ""}},
			"fullDocument.status":     bson.M{"$in": []string{string(store.TaskPending), string(store.TaskAssigned)}},
		}}},
	}
	w.stream = newStreamWatcher("tasks", st.Collection(storemongo.CollTasks), pipeline, w.handleChange, log)
	return w
}

// Start begins consuming the change stream.
func (w *TaskWatcher) Start() { w.stream.Start() }

// Stop shuts the stream down.
func (w *TaskWatcher) Stop() { w.stream.Stop() }

func (w *TaskWatcher) handleChange(ctx context.Context, op string, doc bson.Raw) {
	var task store.Task
	if err := bson.Unmarshal(doc, &task); err != nil {
		w.logger.Error("Failed to decode task document", zap.Error(err))
		return
	}
	w.Dispatch(ctx, &task)
}

// Dispatch inspects one observed task state and starts the assignee when
// it is a launchable specialist. Safe to call concurrently; the start set
// plus the in_progress transition make duplicate starts a no-op.
func (w *TaskWatcher) Dispatch(ctx context.Context, task *store.Task) {
	if task.AssignedTo == "" || (task.Status != store.TaskPending && task.Status != store.TaskAssigned) {
		return
	}

	agent, err := w.svc.GetAgent(ctx, task.AssignedTo)
	if err != nil {
		w.logger.Warn("Assignee lookup failed",
			zap.Error(err), zap.String("taskId", task.TaskID), zap.String("agentId", task.AssignedTo))
		return
	}
	if agent.Type != store.AgentTypeSpecialist || agent.ParentID == "" {
		return
	}

	w.mu.Lock()
	if _, busy := w.starting[agent.AgentID]; busy {
		w.mu.Unlock()
		return
	}
	w.starting[agent.AgentID] = struct{}{}
	w.mu.Unlock()

	// Claim the task before launching; losing the claim means another
	// dispatch already has it.
	claimed, err := w.svc.UpdateTaskStatus(ctx, task.TaskID, store.TaskInProgress, "")
	if err != nil {
		w.release(agent.AgentID)
		w.logger.Info("Task already claimed",
			zap.String("taskId", task.TaskID), zap.Error(err))
		return
	}
	w.publishTaskStatus(ctx, claimed)

	// The launch blocks on the agent process; never hold up the stream.
	go w.runSpecialist(agent, claimed)
}

func (w *TaskWatcher) runSpecialist(agent *store.Agent, task *store.Task) {
	defer w.release(agent.AgentID)
	ctx := context.Background()
	log := w.logger.WithAgentID(agent.AgentID).WithTaskID(task.TaskID)

	fail := func(reason string) {
		failed, err := w.svc.FailTask(ctx, task.TaskID, "Error: "+reason)
		if err != nil {
			log.Error("Failed to mark task failed", zap.Error(err))
			return
		}
		w.publishTaskStatus(ctx, failed)
	}

	if err := w.launcher.Register(ctx, agent.AgentID, agent.Type, agent.Specialization); err != nil {
		log.Error("Sandbox registration failed", zap.Error(err))
		fail(err.Error())
		return
	}

	w.collector.Reset(agent.AgentID)
	handle, err := w.launcher.RunAgent(ctx, agent.AgentID, task.Title+"\n\n"+task.Description, agent.ParentID)
	if err != nil {
		log.Error("Specialist launch failed", zap.Error(err))
		fail(err.Error())
		return
	}
	log.Info("Specialist launched")

	state := <-handle.Done()
	stdout := w.collector.Snapshot(agent.AgentID)
	result := runtime.ExtractResult(store.AgentTypeSpecialist, stdout)

	switch state {
	case sandbox.ProcessCompleted:
		completed, err := w.svc.CompleteTask(ctx, task.TaskID, result)
		if err != nil {
			log.Error("Failed to complete task", zap.Error(err))
			return
		}
		w.publishTaskStatus(ctx, completed)
		log.Info("Specialist task completed")
	case sandbox.ProcessKilled:
		fail("agent process killed")
	default:
		reason := "agent process exited with an error"
		if result != "" {
			reason = result
		}
		fail(reason)
	}
}

func (w *TaskWatcher) release(agentID string) {
	w.mu.Lock()
	delete(w.starting, agentID)
	w.mu.Unlock()
}

func (w *TaskWatcher) publishTaskStatus(ctx context.Context, task *store.Task) {
	event := bus.NewEvent(events.WireType(events.TaskStatus), "task-watcher", map[string]any{
		"taskId":     task.TaskID,
		"status":     string(task.Status),
		"assignedTo": task.AssignedTo,
	})
	if err := w.bus.Publish(ctx, events.TaskStatus, event); err != nil {
		w.logger.Warn("Failed to publish task status", zap.Error(err))
	}
}
