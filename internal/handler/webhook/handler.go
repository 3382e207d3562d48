package webhook

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wagate/backend/pkg/utils"
)

const maxReceiveBody = 1 << 20

// Handler 提供 webhook 回环测试端点：/receive 记录任意 JSON，/test 用于连通性检查。
type Handler struct {
	now func() time.Time
}

// New 创建 webhook 处理器
func New() *Handler {
	return &Handler{now: time.Now}
}

// RegisterRoutes 注册 webhook 相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/webhook", func(r chi.Router) {
		r.Post("/receive", h.handleReceive)
		r.Get("/test", h.handleTest)
	})
}

// handleReceive 记录收到的 webhook 回调
func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReceiveBody)).Decode(&body); err != nil {
		utils.RespondErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	log.Printf("[webhook] received: %s", body)
	utils.RespondMessage(w, http.StatusOK, "Webhook received")
}

// handleTest 确认 webhook 端点可用
func (h *Handler) handleTest(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Webhook endpoint is working",
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
}
