package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control plane fronts its own UI; cross-origin is fine here.
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket connections on the hub.
func Handler(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("WebSocket upgrade failed", zap.Error(err))
			return
		}
		client := NewClient(uuid.New().String(), conn, hub, log)
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}
}
