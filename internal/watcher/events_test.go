package watcher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/store"
)

func TestMessageWatcherPublishesPreviewOnly(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	recorder := &eventRecorder{}
	_, err := eventBus.Subscribe(events.MessageNew, recorder.record)
	require.NoError(t, err)

	w := &MessageWatcher{bus: eventBus, logger: logger.Default()}
	msg := &store.Message{
		MessageID: "m-1",
		FromAgent: "a-1",
		ToAgent:   "a-2",
		Content:   strings.Repeat("z", 400),
		Type:      store.MessageTask,
		CreatedAt: time.Now().UTC(),
	}
	w.Publish(context.Background(), msg)

	require.Eventually(t, func() bool { return len(recorder.types()) == 1 }, time.Second, 10*time.Millisecond)

	recorder.mu.Lock()
	event := recorder.events[0]
	recorder.mu.Unlock()
	assert.Equal(t, "message:new", event.Type)
	assert.Equal(t, "m-1", event.Data["messageId"])
	assert.Equal(t, "task", event.Data["messageType"])
	preview := event.Data["preview"].(string)
	assert.Len(t, preview, 53)
	assert.True(t, strings.HasSuffix(preview, "..."))
	// Full content never crosses the event bus.
	_, hasContent := event.Data["content"]
	assert.False(t, hasContent)
}

func TestCheckpointWatcherPublishesPhase(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	recorder := &eventRecorder{}
	_, err := eventBus.Subscribe(events.CheckpointNew, recorder.record)
	require.NoError(t, err)

	w := &CheckpointWatcher{bus: eventBus, logger: logger.Default()}
	created := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w.Publish(context.Background(), &store.Checkpoint{
		CheckpointID:  "cp-1",
		AgentID:       "a-1",
		ResumePointer: store.ResumePointer{NextAction: "next", Phase: "waiting"},
		CreatedAt:     created,
	})

	require.Eventually(t, func() bool { return len(recorder.types()) == 1 }, time.Second, 10*time.Millisecond)

	recorder.mu.Lock()
	event := recorder.events[0]
	recorder.mu.Unlock()
	assert.Equal(t, "checkpoint:new", event.Type)
	assert.Equal(t, "cp-1", event.Data["checkpointId"])
	assert.Equal(t, "a-1", event.Data["agentId"])
	assert.Equal(t, "waiting", event.Data["phase"])
	assert.Equal(t, "2026-08-25T12:00:00Z", event.Data["timestamp"])
}
