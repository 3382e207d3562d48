package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/wagate/backend/internal/config"
	"github.com/zhouzirui/wagate/backend/internal/handler"
	"github.com/zhouzirui/wagate/backend/internal/protocol/whatsapp"
	"github.com/zhouzirui/wagate/backend/internal/service/events"
	"github.com/zhouzirui/wagate/backend/internal/service/media"
	"github.com/zhouzirui/wagate/backend/internal/service/publish"
	"github.com/zhouzirui/wagate/backend/internal/service/realtime"
	"github.com/zhouzirui/wagate/backend/internal/service/session"
	"github.com/zhouzirui/wagate/backend/internal/service/webhook"
	"github.com/zhouzirui/wagate/backend/internal/store/credentials"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	creds, err := credentials.New(cfg.Storage.SessionsDir)
	if err != nil {
		log.Fatalf("failed to prepare sessions dir: %v", err)
	}

	staging, err := media.NewStaging(media.Config{
		Dir:           cfg.Media.Dir,
		BaseURL:       cfg.Media.BaseURL,
		TTL:           cfg.Media.TTL,
		SweepInterval: cfg.Media.SweepInterval,
	})
	if err != nil {
		log.Fatalf("failed to prepare staging dir: %v", err)
	}
	go staging.Run(ctx)

	hub := realtime.NewHub()
	go hub.Run(ctx)

	dispatcher := webhook.NewDispatcher(nil, cfg.Webhook.Timeout)
	router := events.NewRouter(hub, dispatcher)

	var mirror *publish.Mirror
	if cfg.Broker.Enabled() {
		pub, err := publish.Dial(ctx, publish.Options{
			URL:      cfg.Broker.URL,
			Exchange: cfg.Broker.Exchange,
		})
		if err != nil {
			log.Printf("warning: failed to connect to AMQP broker: %v", err)
			log.Println("continuing without event mirroring")
		} else {
			mirror = publish.NewMirror(pub)
			router.WithMirror(mirror)
			log.Printf("mirroring events to exchange %s", cfg.Broker.Exchange)
		}
	} else {
		log.Println("AMQP_URL 未配置，跳过事件镜像")
	}

	registry := session.NewRegistry(session.Deps{
		Dialer:      whatsapp.NewDialer(creds, cfg.Protocol.LogLevel),
		Credentials: creds,
		Emitter:     router,
		Media:       staging,
		QR:          session.PNGRenderer{Terminal: cfg.Protocol.QRTerminal},
	}, session.Options{
		ReconnectDelay:       cfg.Session.ReconnectDelay,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		SendTimeout:          cfg.Session.SendTimeout,
	})
	dispatcher.SetSubscriptions(registry)

	httpRouter := handler.NewRouter(handler.Deps{
		Sessions:  registry,
		Staging:   staging,
		Hub:       hub,
		MaxUpload: cfg.Media.MaxUploadBytes,
	})

	startServer(ctx, cfg.Server, httpRouter)

	registry.Shutdown()
	dispatcher.Wait()
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Printf("close broker mirror: %v", err)
		}
	}
	log.Println("gateway stopped")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("wagate listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
