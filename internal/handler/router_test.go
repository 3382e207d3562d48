package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/wagate/backend/internal/model/event"
	"github.com/zhouzirui/wagate/backend/internal/protocol"
	"github.com/zhouzirui/wagate/backend/internal/service/media"
	"github.com/zhouzirui/wagate/backend/internal/service/realtime"
	sessionService "github.com/zhouzirui/wagate/backend/internal/service/session"
	"github.com/zhouzirui/wagate/backend/internal/store/credentials"
)

type offlineDialer struct{}

func (offlineDialer) Dial(ctx context.Context, sessionID string, creds protocol.Credentials) (protocol.Conn, error) {
	return nil, errors.New("offline")
}

type discard struct{}

func (discard) Emit(event.Event) {}

func setupRouter(t *testing.T) (http.Handler, *media.Staging, *sessionService.Registry) {
	t.Helper()
	creds, err := credentials.New(t.TempDir())
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	staging, err := media.NewStaging(media.Config{Dir: t.TempDir(), BaseURL: "http://localhost:3000"})
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	registry := sessionService.NewRegistry(sessionService.Deps{
		Dialer:      offlineDialer{},
		Credentials: creds,
		Emitter:     discard{},
		Media:       staging,
	}, sessionService.Options{ReconnectDelay: time.Hour})
	t.Cleanup(registry.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := realtime.NewHub()
	go hub.Run(ctx)

	return NewRouter(Deps{Sessions: registry, Staging: staging, Hub: hub}), staging, registry
}

func TestHealth(t *testing.T) {
	r, _, _ := setupRouter(t)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != http.StatusOK || body["status"] != "OK" || body["timestamp"] == "" {
		t.Fatalf("unexpected health response: %d %v", resp.Code, body)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("cors middleware not applied")
	}
}

func TestStagedFilesAreServed(t *testing.T) {
	r, staging, _ := setupRouter(t)
	staged, err := staging.Stage([]byte("hello"), "text/plain")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, media.PublicPrefix+staged.Name, nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.Code != http.StatusOK || string(body) != "hello" {
		t.Fatalf("expected staged file, got %d %q", resp.Code, body)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, media.PublicPrefix, nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("directory listing must be hidden, got %d", resp.Code)
	}
}

func TestSessionRoutesAreMounted(t *testing.T) {
	r, _, registry := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"name":"ops","sessionId":"ops"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.Code, resp.Body.String())
	}
	if _, err := registry.Get("ops"); err != nil {
		t.Fatalf("session missing from registry: %v", err)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/messages/ops/send-text", strings.NewReader(`{"to":"1","text":"hi"}`)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("send on unconnected session: expected 400, got %d", resp.Code)
	}
}
