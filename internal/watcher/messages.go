package watcher

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/store"
	storemongo "github.com/squadlite/squadlite/internal/store/mongo"
)

// MessageWatcher turns message inserts into message:new events carrying a
// 50-character preview, never the full content.
type MessageWatcher struct {
	stream *streamWatcher
	bus    bus.EventBus
	logger *logger.Logger
}

// NewMessageWatcher wires the watcher over the messages collection.
func NewMessageWatcher(st *storemongo.Store, eventBus bus.EventBus, log *logger.Logger) *MessageWatcher {
	w := &MessageWatcher{bus: eventBus, logger: log}
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": "insert"}}},
	}
	w.stream = newStreamWatcher("messages", st.Collection(storemongo.CollMessages), pipeline, w.handleChange, log)
	return w
}

// Start begins consuming the change stream.
func (w *MessageWatcher) Start() { w.stream.Start() }

// Stop shuts the stream down.
func (w *MessageWatcher) Stop() { w.stream.Stop() }

func (w *MessageWatcher) handleChange(ctx context.Context, op string, doc bson.Raw) {
	var msg store.Message
	if err := bson.Unmarshal(doc, &msg); err != nil {
		w.logger.Error("Failed to decode message document", zap.Error(err))
		return
	}
	w.Publish(ctx, &msg)
}

// Publish emits the message:new notification for one message.
func (w *MessageWatcher) Publish(ctx context.Context, msg *store.Message) {
	event := bus.NewEvent(events.WireType(events.MessageNew), "message-watcher", map[string]any{
		"messageId":   msg.MessageID,
		"fromAgent":   msg.FromAgent,
		"toAgent":     msg.ToAgent,
		"messageType": string(msg.Type),
		"preview":     coordination.Preview(msg.Content),
	})
	if err := w.bus.Publish(ctx, events.MessageNew, event); err != nil {
		w.logger.Warn("Failed to publish message event", zap.Error(err))
	}
}
