package message

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/model/session"
	"github.com/zhouzirui/wagate/backend/internal/service/media"
	sessionService "github.com/zhouzirui/wagate/backend/internal/service/session"
	"github.com/zhouzirui/wagate/backend/pkg/utils"
)

const (
	// DefaultMaxUpload 与上传表单的大小上限一致（10MB）。
	DefaultMaxUpload int64 = 10 << 20
	maxDelay               = time.Minute
	multipartOverhead      = 1 << 20
)

// Sender 是发送消息所需的会话操作。
type Sender interface {
	Get(id string) (session.Record, error)
	SendMessage(ctx context.Context, id, to string, content message.Content) (message.SendResult, error)
}

// Stager 把上传的文件暂存为可公开访问的链接。
type Stager interface {
	StageReader(r io.Reader, mimeType string) (media.StagedFile, error)
	Remove(name string)
}

// Handler 消息发送的HTTP处理器
type Handler struct {
	sender    Sender
	stager    Stager
	maxUpload int64
}

// New 创建消息处理器，maxUpload <= 0 时使用 DefaultMaxUpload。
func New(sender Sender, stager Stager, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &Handler{sender: sender, stager: stager, maxUpload: maxUpload}
}

// RegisterRoutes 注册消息相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages/{sessionID}", func(r chi.Router) {
		r.Post("/send", h.handleSend)
		r.Post("/send-text", h.handleSendText)
		for _, kind := range []message.Kind{
			message.KindImage,
			message.KindDocument,
			message.KindAudio,
			message.KindVideo,
			message.KindSticker,
		} {
			r.Post("/send-"+string(kind), h.handleUpload(kind))
		}
	})
}

type sendRequest struct {
	To      string           `json:"to"`
	Message *message.Content `json:"message"`
	Options struct {
		Delay int `json:"delay"`
	} `json:"options"`
}

// handleSend 发送任意类型的消息
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.To == "" {
		utils.RespondError(w, http.StatusBadRequest, "Recipient phone number is required")
		return
	}
	if req.Message == nil || req.Message.Kind == message.KindUnknown {
		utils.RespondError(w, http.StatusBadRequest, "Message content is required")
		return
	}

	id := chi.URLParam(r, "sessionID")
	if !h.requireConnected(w, id) {
		return
	}

	if req.Options.Delay > 0 {
		if err := wait(r.Context(), time.Duration(req.Options.Delay)*time.Millisecond); err != nil {
			utils.RespondErrorDetails(w, http.StatusRequestTimeout, "Request cancelled", err)
			return
		}
	}

	h.send(w, r, id, req.To, *req.Message, "Message sent successfully")
}

// handleSendText 发送纯文本消息
func (h *Handler) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.To == "" || req.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "Recipient and text are required")
		return
	}

	id := chi.URLParam(r, "sessionID")
	if !h.requireConnected(w, id) {
		return
	}
	h.send(w, r, id, req.To, message.Text(req.Text), "Text message sent successfully")
}

// handleUpload 处理 multipart 上传：文件先暂存，再以公开链接发送。
func (h *Handler) handleUpload(kind message.Kind) http.HandlerFunc {
	field := string(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				utils.RespondError(w, http.StatusRequestEntityTooLarge, "File too large")
				return
			}
			utils.RespondErrorDetails(w, http.StatusBadRequest, "invalid multipart form", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		to := r.FormValue("to")
		file, header, err := r.FormFile(field)
		if to == "" || err != nil {
			utils.RespondError(w, http.StatusBadRequest, "Recipient and "+field+" file are required")
			return
		}
		defer file.Close()
		if header.Size > h.maxUpload {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}

		id := chi.URLParam(r, "sessionID")
		if !h.requireConnected(w, id) {
			return
		}

		mimeType := header.Header.Get("Content-Type")
		staged, err := h.stager.StageReader(file, mimeType)
		if err != nil {
			log.Printf("[media] staging upload for session=%s failed: %v", id, err)
			utils.RespondErrorDetails(w, http.StatusInternalServerError, "Failed to stage "+field, err)
			return
		}

		m := message.Media{URL: staged.URL, MimeType: mimeType}
		switch kind {
		case message.KindImage, message.KindVideo:
			m.Caption = r.FormValue("caption")
		case message.KindDocument:
			m.FileName = header.Filename
		}

		if !h.send(w, r, id, to, message.WithMedia(kind, m), uploadMessages[kind]) {
			h.stager.Remove(staged.Name)
		}
	}
}

var uploadMessages = map[message.Kind]string{
	message.KindImage:    "Image sent successfully",
	message.KindDocument: "Document sent successfully",
	message.KindAudio:    "Audio sent successfully",
	message.KindVideo:    "Video sent successfully",
	message.KindSticker:  "Sticker sent successfully",
}

// requireConnected 在会话不存在或未连接时直接写出错误响应。
func (h *Handler) requireConnected(w http.ResponseWriter, id string) bool {
	rec, err := h.sender.Get(id)
	if err != nil {
		respondSendError(w, err)
		return false
	}
	if rec.Status != session.StatusConnected {
		respondSendError(w, sessionService.ErrNotConnected)
		return false
	}
	return true
}

// send 发送消息并写出响应，成功时返回 true。
func (h *Handler) send(w http.ResponseWriter, r *http.Request, id, to string, content message.Content, okMessage string) bool {
	result, err := h.sender.SendMessage(r.Context(), id, to, content)
	if err != nil {
		respondSendError(w, err)
		return false
	}
	utils.RespondData(w, http.StatusOK, result, okMessage)
	return true
}

// respondSendError 把发送错误映射为 HTTP 状态码。
func respondSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionService.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, sessionService.ErrNotConnected):
		utils.RespondError(w, http.StatusBadRequest, "Session is not connected")
	case errors.Is(err, message.ErrEmptyContent), errors.Is(err, message.ErrInvalidContent):
		utils.RespondErrorDetails(w, http.StatusBadRequest, "Invalid message content", err)
	default:
		utils.RespondErrorDetails(w, http.StatusInternalServerError, "Failed to send message", err)
	}
}

// wait 实现 options.delay，最长一分钟，随请求取消而提前结束。
func wait(ctx context.Context, d time.Duration) error {
	if d > maxDelay {
		d = maxDelay
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
