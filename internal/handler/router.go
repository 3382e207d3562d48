package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	messageHandler "github.com/zhouzirui/wagate/backend/internal/handler/message"
	realtimeHandler "github.com/zhouzirui/wagate/backend/internal/handler/realtime"
	sessionHandler "github.com/zhouzirui/wagate/backend/internal/handler/session"
	webhookHandler "github.com/zhouzirui/wagate/backend/internal/handler/webhook"
	middlewarePkg "github.com/zhouzirui/wagate/backend/internal/middleware"
	"github.com/zhouzirui/wagate/backend/internal/service/media"
	"github.com/zhouzirui/wagate/backend/internal/service/realtime"
	sessionService "github.com/zhouzirui/wagate/backend/internal/service/session"
	"github.com/zhouzirui/wagate/backend/pkg/utils"
)

// Deps are the services exposed over HTTP.
type Deps struct {
	Sessions  *sessionService.Registry
	Staging   *media.Staging
	Hub       *realtime.Hub
	MaxUpload int64
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessions := sessionHandler.New(deps.Sessions)
	messages := messageHandler.New(deps.Sessions, deps.Staging, deps.MaxUpload)
	webhooks := webhookHandler.New()
	events := realtimeHandler.New(deps.Hub)

	r.Route("/api", func(api chi.Router) {
		sessions.RegisterRoutes(api)
		messages.RegisterRoutes(api)
		webhooks.RegisterRoutes(api)
		events.RegisterRoutes(api)
	})

	events.RegisterWebsocket(r)

	r.Handle(media.PublicPrefix+"*", stagedFiles(deps.Staging.Dir()))

	r.Get("/health", handleHealth)

	return r
}

// stagedFiles serves staged media by name. Directory listings are not exposed.
func stagedFiles(dir string) http.Handler {
	files := http.StripPrefix(media.PublicPrefix, http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
