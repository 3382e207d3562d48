package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wagate/backend/internal/service/realtime"
	"github.com/zhouzirui/wagate/backend/pkg/utils"
)

const keepAlive = 15 * time.Second

// Handler 把实时事件通过 SSE 和 websocket 推送给控制台。
type Handler struct {
	hub *realtime.Hub
}

// New 创建实时事件处理器
func New(hub *realtime.Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes 注册 SSE 事件流
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
}

// RegisterWebsocket 在根路由下注册 /ws
func (h *Handler) RegisterWebsocket(r chi.Router) {
	r.Get("/ws", h.hub.ServeWS)
}

// handleEvents 以 SSE 推送事件
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.hub.Subscribe()
	if sub == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer h.hub.Unsubscribe(sub)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	utils.SendSSEComment(w, flusher, "connected")

	ctx := r.Context()
	log.Printf("[sse] opening event stream remote=%s", r.RemoteAddr)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing event stream remote=%s", r.RemoteAddr)
			return
		case frame, ok := <-sub.Messages():
			if !ok {
				return
			}
			var msg struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(frame, &msg); err != nil {
				log.Printf("[sse] bad frame: %v", err)
				continue
			}
			utils.SendSSEEvent(w, flusher, msg.Event, msg.Data)
		case <-ticker.C:
			utils.SendSSEComment(w, flusher, "keep-alive")
		}
	}
}
