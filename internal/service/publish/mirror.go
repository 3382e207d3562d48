package publish

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/wagate/backend/internal/model/event"
)

const (
	keyPrefix      = "wagate"
	producer       = "wagate"
	publishTimeout = 5 * time.Second
)

// RoutingKey builds "wagate.<sessionId>.<event>". Dots in the session id are
// replaced so that topic bindings keep three words.
func RoutingKey(sessionID, name string) string {
	return keyPrefix + "." + strings.ReplaceAll(sessionID, ".", "_") + "." + name
}

// Mirror republishes router events to a broker in the background.
type Mirror struct {
	pub Publisher
	now func() time.Time
	wg  sync.WaitGroup
}

// NewMirror wraps a publisher.
func NewMirror(pub Publisher) *Mirror {
	return &Mirror{pub: pub, now: time.Now}
}

// Mirror publishes ev without blocking the caller. Failures are logged.
func (m *Mirror) Mirror(ev event.Event) {
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     ev.Name,
			Time:     m.now().UTC(),
			Producer: producer,
		},
		Data: ev.Payload,
	}
	key := RoutingKey(ev.SessionID, ev.Name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := m.pub.Publish(ctx, key, env); err != nil {
			log.Printf("[amqp] publish %s failed: %v", key, err)
		}
	}()
}

// Close waits for in-flight publishes and closes the publisher.
func (m *Mirror) Close() error {
	m.wg.Wait()
	return m.pub.Close()
}
