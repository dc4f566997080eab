package httpserver

import (
	"turnbot/internal/http/handlers"
	"turnbot/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes вешает служебные и read-only маршруты
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, hub *ws.Hub, allowedOrigin string) {
	// CORS для внешних дашбордов
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (allowedOrigin == "" || origin == allowedOrigin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/chats/:chat_id/games", h.ListGames)
	api.GET("/chats/:chat_id/games/:game", h.GetGame)

	r.GET("/ws", ws.Handler(hub, allowedOrigin))
}
