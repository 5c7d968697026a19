package watcher

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/store"
	storemongo "github.com/squadlite/squadlite/internal/store/mongo"
)

// CheckpointWatcher turns checkpoint inserts into checkpoint:new events.
type CheckpointWatcher struct {
	stream *streamWatcher
	bus    bus.EventBus
	logger *logger.Logger
}

// NewCheckpointWatcher wires the watcher over the checkpoints collection.
func NewCheckpointWatcher(st *storemongo.Store, eventBus bus.EventBus, log *logger.Logger) *CheckpointWatcher {
	w := &CheckpointWatcher{bus: eventBus, logger: log}
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": "insert"}}},
	}
	w.stream = newStreamWatcher("checkpoints", st.Collection(storemongo.CollCheckpoints), pipeline, w.handleChange, log)
	return w
}

// Start begins consuming the change stream.
func (w *CheckpointWatcher) Start() { w.stream.Start() }

// Stop shuts the stream down.
func (w *CheckpointWatcher) Stop() { w.stream.Stop() }

func (w *CheckpointWatcher) handleChange(ctx context.Context, op string, doc bson.Raw) {
	var cp store.Checkpoint
	if err := bson.Unmarshal(doc, &cp); err != nil {
		w.logger.Error("Failed to decode checkpoint document", zap.Error(err))
		return
	}
	w.Publish(ctx, &cp)
}

// Publish emits the checkpoint:new notification for one checkpoint.
func (w *CheckpointWatcher) Publish(ctx context.Context, cp *store.Checkpoint) {
	event := bus.NewEvent(events.WireType(events.CheckpointNew), "checkpoint-watcher", map[string]any{
		"checkpointId": cp.CheckpointID,
		"agentId":      cp.AgentID,
		"phase":        cp.ResumePointer.Phase,
		"timestamp":    cp.CreatedAt.Format(time.RFC3339),
	})
	if err := w.bus.Publish(ctx, events.CheckpointNew, event); err != nil {
		w.logger.Warn("Failed to publish checkpoint event", zap.Error(err))
	}
}
