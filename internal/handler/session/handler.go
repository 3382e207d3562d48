package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wagate/backend/internal/model/session"
	sessionService "github.com/zhouzirui/wagate/backend/internal/service/session"
	"github.com/zhouzirui/wagate/backend/internal/store/credentials"
	"github.com/zhouzirui/wagate/backend/pkg/utils"
)

// Service 是处理器依赖的会话操作集合，由 sessionService.Registry 实现。
type Service interface {
	Create(ctx context.Context, id, name string) (session.Record, error)
	Start(ctx context.Context, id string) error
	Get(id string) (session.Record, error)
	List() []session.Record
	Delete(ctx context.Context, id string) error
	SetWebhook(id string, hook session.Webhook) error
	GetWebhook(id string) (session.Webhook, error)
}

// Handler 会话管理的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建会话处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{sessionID}", h.handleGet)
		r.Delete("/{sessionID}", h.handleDelete)
		r.Post("/{sessionID}/start", h.handleStart)
		r.Get("/{sessionID}/qr", h.handleQR)
		r.Get("/{sessionID}/webhook", h.handleGetWebhook)
		r.Post("/{sessionID}/webhook", h.handleSetWebhook)
	})
}

// handleList 按创建顺序返回全部会话
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondData(w, http.StatusOK, h.svc.List(), "")
}

// handleCreate 创建会话并开始连接
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string `json:"name"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Name == "" {
		utils.RespondError(w, http.StatusBadRequest, "Session name is required")
		return
	}

	rec, err := h.svc.Create(r.Context(), payload.SessionID, payload.Name)
	if err != nil {
		switch {
		case errors.Is(err, sessionService.ErrAlreadyExists):
			utils.RespondError(w, http.StatusConflict, "Session already exists")
		case errors.Is(err, credentials.ErrInvalidSessionID):
			utils.RespondError(w, http.StatusBadRequest, "Invalid session id")
		default:
			utils.RespondErrorDetails(w, http.StatusInternalServerError, "Failed to create session", err)
		}
		return
	}
	utils.RespondData(w, http.StatusCreated, rec, "Session created successfully")
}

// handleGet 返回单个会话
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondLookupError(w, err, "Failed to get session")
		return
	}
	utils.RespondData(w, http.StatusOK, rec, "")
}

// handleDelete 登出并删除会话
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondLookupError(w, err, "Failed to delete session")
		return
	}
	utils.RespondMessage(w, http.StatusOK, "Session deleted successfully")
}

// handleStart 重新连接会话
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Start(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondLookupError(w, err, "Failed to start session")
		return
	}
	utils.RespondMessage(w, http.StatusOK, "Session started successfully")
}

// handleQR 返回当前二维码
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondLookupError(w, err, "Failed to get QR code")
		return
	}
	if rec.QR == "" {
		utils.RespondError(w, http.StatusNotFound, "QR code not available")
		return
	}
	utils.RespondData(w, http.StatusOK, map[string]any{
		"qr":     rec.QR,
		"status": rec.Status,
	}, "")
}

// handleGetWebhook 返回会话的 webhook 订阅
func (h *Handler) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := h.svc.GetWebhook(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondLookupError(w, err, "Failed to get webhook")
		return
	}
	utils.RespondData(w, http.StatusOK, hook, "")
}

// handleSetWebhook 覆盖会话的 webhook 订阅
func (h *Handler) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL     string          `json:"url"`
		Events  json.RawMessage `json:"events"`
		Enabled *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "sessionID")
	if _, err := h.svc.Get(id); err != nil {
		respondLookupError(w, err, "Failed to set webhook")
		return
	}

	var events []string
	if err := json.Unmarshal(payload.Events, &events); err != nil || events == nil {
		utils.RespondError(w, http.StatusBadRequest, "Events must be an array")
		return
	}

	hook := session.Webhook{
		URL:     payload.URL,
		Events:  events,
		Enabled: payload.Enabled == nil || *payload.Enabled,
	}
	if err := h.svc.SetWebhook(id, hook); err != nil {
		respondLookupError(w, err, "Failed to set webhook")
		return
	}
	utils.RespondMessage(w, http.StatusOK, "Webhook configuration updated")
}

// respondLookupError 把 ErrNotFound 映射为 404，其余视为内部错误。
func respondLookupError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, sessionService.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "Session not found")
		return
	}
	utils.RespondErrorDetails(w, http.StatusInternalServerError, fallback, err)
}
