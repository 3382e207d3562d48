package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// Response 是所有 API 返回的统一外层结构。
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondData 发送成功响应，message 可为空
func RespondData(w http.ResponseWriter, status int, data any, message string) {
	RespondJSON(w, status, Response{Success: true, Data: data, Message: message})
}

// RespondMessage 发送只带提示信息的成功响应
func RespondMessage(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, Response{Success: true, Message: message})
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, Response{Success: false, Error: message})
}

// RespondErrorDetails 发送带底层错误细节的错误响应
func RespondErrorDetails(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{Success: false, Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	RespondJSON(w, status, resp)
}
