package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/wagate/backend/internal/model/event"
	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/service/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "webhookecho",
	Short: "Receive or send gateway webhook deliveries for local testing",
}

func init() {
	rootCmd.AddCommand(newListenCmd())
	rootCmd.AddCommand(newPingCmd())
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webhookecho: %v\n", err)
		os.Exit(1)
	}
}

func newListenCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a receiver that prints every delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newReceiver(cmd.OutOrStdout()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s, POST deliveries to /hook\n", addr)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOr("WEBHOOK_ECHO_ADDR", ":4000"), "listen address")
	return cmd
}

func newPingCmd() *cobra.Command {
	var (
		sessionID string
		kind      string
		text      string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <url>",
		Short: "POST a sample delivery to a webhook URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := samplePayload(sessionID, kind, text)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := webhook.NewDispatcher(nil, timeout).Post(ctx, args[0], payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %s for session %s\n", payload.Event, payload.SessionID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&sessionID, "session", "demo", "session id placed in the payload")
	flags.StringVar(&kind, "event", event.WebhookKind(event.MessageReceived), "webhook event kind")
	flags.StringVar(&text, "text", "ping from webhookecho", "text of the sample message")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

// newReceiver 打印收到的每一次投递，并以 200 应答。
func newReceiver(out io.Writer) http.Handler {
	r := chi.NewRouter()
	r.Post("/hook", func(w http.ResponseWriter, r *http.Request) {
		var payload webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		data, _ := json.MarshalIndent(payload.Data, "", "  ")
		fmt.Fprintf(out, "[%s] %s session=%s\n%s\n", payload.Timestamp.Format(time.RFC3339), payload.Event, payload.SessionID, data)
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func samplePayload(sessionID, kind, text string) webhook.Payload {
	env := message.NewEnvelope(sessionID, "15550001111@s.whatsapp.net", "15550002222@s.whatsapp.net", message.Text(text))
	return webhook.Payload{
		Event:     kind,
		SessionID: sessionID,
		Data:      env,
		Timestamp: time.Now().UTC(),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
