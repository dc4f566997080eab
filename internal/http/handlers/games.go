package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"turnbot/internal/game"
	"turnbot/internal/service"

	"github.com/gin-gonic/gin"
)

func chatIDParam(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_id"})
		return 0, false
	}
	return chatID, true
}

// активные игры чата
func (h *Handler) ListGames(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id": chatID,
		"games":   h.Registry.Snapshots(chatID),
	})
}

// одна игра по имени
func (h *Handler) GetGame(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	snap, err := h.Registry.Status(game.NewGameKey(chatID, c.Param("game")))
	if err != nil {
		if errors.Is(err, service.ErrNoActiveGame) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active game"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read game"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.Version})
}
