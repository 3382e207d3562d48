package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case frame, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Message{}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	hub := startHub(t)

	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Broadcast("session_status_update", map[string]string{"sessionId": "s1", "status": "connecting"})

	for _, sub := range []*Subscriber{a, b} {
		msg := receive(t, sub)
		if msg.Event != "session_status_update" {
			t.Fatalf("unexpected event: %s", msg.Event)
		}
		data, ok := msg.Data.(map[string]any)
		if !ok || data["status"] != "connecting" {
			t.Fatalf("unexpected data: %#v", msg.Data)
		}
		if msg.Timestamp == "" {
			t.Fatal("expected timestamp")
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := startHub(t)

	slow := hub.Subscribe()
	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Broadcast("message_received", i)
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.Messages():
			if !ok {
				if received != subscriberBuffer {
					t.Fatalf("expected %d buffered frames before drop, got %d", subscriberBuffer, received)
				}
				if hub.Count() != 0 {
					t.Fatalf("expected dropped subscriber to be removed, count=%d", hub.Count())
				}
				return
			}
			received++
		case <-timeout:
			t.Fatal("slow subscriber was never dropped")
		}
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	hub := startHub(t)

	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestSubscribeAfterStop(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if sub := hub.Subscribe(); sub != nil {
		t.Fatal("expected nil subscriber from stopped hub")
	}
}

func TestServeWSStreamsFrames(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast("qr_generated", map[string]string{"sessionId": "s1", "qr": "data:image/png;base64,AAA"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msg.Event != "qr_generated" {
		t.Fatalf("unexpected event: %s", msg.Event)
	}
}
