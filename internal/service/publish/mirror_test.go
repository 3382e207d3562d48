package publish

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/zhouzirui/wagate/backend/internal/model/event"
	"github.com/zhouzirui/wagate/backend/internal/model/session"
)

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	msgs   []Envelope
	err    error
	closed bool
}

func (f *fakePublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey("s1", "message_received"); got != "wagate.s1.message_received" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := RoutingKey("shop.eu", "qr_generated"); got != "wagate.shop_eu.qr_generated" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestMirrorPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMirror(pub)

	m.Mirror(event.Status("s1", session.StatusConnected))
	if err := m.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.msgs))
	}
	if pub.keys[0] != "wagate.s1.session_status_update" {
		t.Fatalf("unexpected key: %s", pub.keys[0])
	}
	env := pub.msgs[0]
	if env.Meta.ID == "" || env.Meta.Type != event.SessionStatusUpdate || env.Meta.Producer != "wagate" {
		t.Fatalf("unexpected meta: %+v", env.Meta)
	}
	payload, ok := env.Data.(event.StatusPayload)
	if !ok || payload.Status != session.StatusConnected {
		t.Fatalf("unexpected data: %#v", env.Data)
	}
	if !pub.closed {
		t.Fatal("expected publisher to be closed")
	}
}

func TestMirrorSwallowsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	m := NewMirror(pub)

	m.Mirror(event.Deleted("s1"))
	m.Mirror(event.Deleted("s2"))
	m.Close()

	if len(pub.msgs) != 2 {
		t.Fatalf("expected both publishes attempted, got %d", len(pub.msgs))
	}
}
