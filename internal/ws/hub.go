package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"turnbot/internal/logger"
	"turnbot/internal/metrics"
	"turnbot/internal/service"
)

// Hub раздает события игр подписчикам, сгруппированным по чату
type Hub struct {
	mu     sync.RWMutex
	byChat map[int64]map[*Client]struct{}
	log    *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		byChat: make(map[int64]map[*Client]struct{}),
		log:    logger.With("component", "ws_hub"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byChat[c.ChatID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byChat[c.ChatID] = set
	}
	set[c] = struct{}{}
	metrics.WSClients.Inc()
	h.log.Debug("ws client subscribed", "chat_id", c.ChatID)
}

// Unregister безопасно вызывать повторно
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byChat[c.ChatID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byChat, c.ChatID)
	}
	close(c.Send)
	metrics.WSClients.Dec()
}

// Subscribers - число клиентов чата
func (h *Hub) Subscribers(chatID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byChat[chatID])
}

// Publish - наблюдатель для GameRegistry.OnEvent
func (h *Hub) Publish(ev service.GameEvent) {
	payload, err := json.Marshal(envelope{Type: "game_event", Event: ev})
	if err != nil {
		h.log.Error("failed to encode game event", "error", err)
		return
	}
	h.Broadcast(ev.State.ChatID, payload)
}

type envelope struct {
	Type  string            `json:"type"`
	Event service.GameEvent `json:"event"`
}

// Broadcast не блокируется: медленный клиент с полной очередью отключается
func (h *Hub) Broadcast(chatID int64, payload []byte) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.byChat[chatID] {
		select {
		case c.Send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("ws client too slow, dropping", "chat_id", chatID)
		h.Unregister(c)
	}
}
