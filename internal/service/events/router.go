// Package events fans session events out to the dashboard, webhooks and the
// optional broker mirror.
package events

import "github.com/zhouzirui/wagate/backend/internal/model/event"

// Broadcaster pushes a named event to every dashboard subscriber.
type Broadcaster interface {
	Broadcast(name string, data any)
}

// WebhookSender delivers an event kind to the session's webhook if subscribed.
type WebhookSender interface {
	MaybeSend(sessionID, kind string, data any) bool
}

// Mirror copies events to an external bus.
type Mirror interface {
	Mirror(ev event.Event)
}

// Router is stateless; it never buffers or retries.
type Router struct {
	hub      Broadcaster
	webhooks WebhookSender
	mirror   Mirror
}

func NewRouter(hub Broadcaster, webhooks WebhookSender) *Router {
	return &Router{hub: hub, webhooks: webhooks}
}

// WithMirror enables broker mirroring.
func (r *Router) WithMirror(m Mirror) *Router {
	r.mirror = m
	return r
}

// Emit broadcasts ev unconditionally, then offers it to the webhook
// dispatcher under its webhook kind.
func (r *Router) Emit(ev event.Event) {
	if r.hub != nil {
		r.hub.Broadcast(ev.Name, ev.Payload)
	}
	if r.webhooks != nil {
		r.webhooks.MaybeSend(ev.SessionID, event.WebhookKind(ev.Name), ev.WebhookData())
	}
	if r.mirror != nil {
		r.mirror.Mirror(ev)
	}
}
