package ws

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler - GET /ws?chat_id=N
func Handler(hub *Hub, allowedOrigin string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}

	return func(c *gin.Context) {
		chatID, err := strconv.ParseInt(c.Query("chat_id"), 10, 64)
		if err != nil || chatID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("ws upgrade error", "error", err)
			return
		}

		client := NewClient(chatID, conn, hub)
		go client.Run()
	}
}
