package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
)

func dialHub(t *testing.T, hub *Hub) *gorilla.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", Handler(hub, logger.Default()))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsEnvelopes(t *testing.T) {
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(&Envelope{
		Type:      "agent:output",
		Data:      map[string]any{"agentId": "a-1", "stream": "stdout", "content": "hello"},
		Timestamp: "2026-08-25T12:00:00Z",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, "agent:output", envelope.Type)
	assert.Equal(t, "hello", envelope.Data["content"])
	assert.Equal(t, "2026-08-25T12:00:00Z", envelope.Timestamp)
}

func TestHubAttachBusForwardsEvents(t *testing.T) {
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	require.NoError(t, hub.AttachBus(eventBus))

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	event := bus.NewEvent(events.WireType(events.MessageNew), "test", map[string]any{
		"messageId":   "m-1",
		"messageType": "task",
		"preview":     "short preview",
	})
	require.NoError(t, eventBus.Publish(ctx, events.MessageNew, event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(frame, &envelope))
	assert.Equal(t, "message:new", envelope.Type)
	assert.Equal(t, "m-1", envelope.Data["messageId"])
	assert.Equal(t, "task", envelope.Data["messageType"])
	assert.NotEmpty(t, envelope.Timestamp)
}

func TestHubDisconnectsCleanly(t *testing.T) {
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
