package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/zhouzirui/wagate/backend/internal/model/session"
)

const defaultTimeout = 10 * time.Second

// Payload is the JSON body POSTed to a subscriber.
type Payload struct {
	Event     string    `json:"event"`
	SessionID string    `json:"sessionId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriptions resolves the webhook config of a session.
type Subscriptions interface {
	GetWebhook(sessionID string) (session.Webhook, error)
}

// Dispatcher delivers events to per-session webhooks. Deliveries run in the
// background and are never retried.
type Dispatcher struct {
	subs    Subscriptions
	client  *http.Client
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A non-positive timeout falls back to 10s.
func NewDispatcher(subs Subscriptions, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		subs:    subs,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		now:     time.Now,
	}
}

// SetSubscriptions attaches the subscription source after construction.
func (d *Dispatcher) SetSubscriptions(subs Subscriptions) {
	d.subs = subs
}

// MaybeSend posts the event when the session has an enabled webhook that
// subscribes to kind. It reports whether a delivery was scheduled.
func (d *Dispatcher) MaybeSend(sessionID, kind string, data any) bool {
	if d.subs == nil {
		return false
	}
	hook, err := d.subs.GetWebhook(sessionID)
	if err != nil || !hook.Wants(kind) {
		return false
	}

	payload := Payload{
		Event:     kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: d.now().UTC(),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Post(ctx, hook.URL, payload); err != nil {
			log.Printf("[webhook] delivery failed session=%s event=%s: %v", sessionID, kind, err)
		}
	}()
	return true
}

// Post performs one synchronous delivery.
func (d *Dispatcher) Post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
