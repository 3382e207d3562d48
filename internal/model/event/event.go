package event

import (
	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/model/session"
)

// Broadcast event names understood by the dashboard.
const (
	QRGenerated         = "qr_generated"
	SessionStatusUpdate = "session_status_update"
	MessageReceived     = "message_received"
	MessageSent         = "message_sent"
	SessionDeleted      = "session_deleted"
)

// webhookKinds maps broadcast names to the kinds webhooks subscribe to.
var webhookKinds = map[string]string{
	QRGenerated:         "session.qr",
	SessionStatusUpdate: "session.status",
	MessageReceived:     "message.received",
	MessageSent:         "message.sent",
	SessionDeleted:      "session.deleted",
}

// WebhookKind returns the subscription kind for a broadcast name.
func WebhookKind(name string) string {
	if kind, ok := webhookKinds[name]; ok {
		return kind
	}
	return name
}

// Event is one lifecycle or message notification for a session.
type Event struct {
	Name      string
	SessionID string
	Payload   any
}

// webhookShaper lets a payload choose what webhooks receive as data.
type webhookShaper interface {
	WebhookData() any
}

// WebhookData is the "data" field posted to webhooks.
func (e Event) WebhookData() any {
	if shaper, ok := e.Payload.(webhookShaper); ok {
		return shaper.WebhookData()
	}
	return e.Payload
}

type QRPayload struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
}

type StatusPayload struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

type MessagePayload struct {
	SessionID string           `json:"sessionId"`
	Message   message.Envelope `json:"message"`
}

// WebhookData posts the bare envelope, matching the message.* webhook format.
func (p MessagePayload) WebhookData() any {
	return p.Message
}

type DeletedPayload struct {
	SessionID string `json:"sessionId"`
}

func QR(sessionID, qr string) Event {
	return Event{Name: QRGenerated, SessionID: sessionID, Payload: QRPayload{SessionID: sessionID, QR: qr}}
}

func Status(sessionID string, status session.Status) Event {
	return Event{Name: SessionStatusUpdate, SessionID: sessionID, Payload: StatusPayload{SessionID: sessionID, Status: status}}
}

func Received(env message.Envelope) Event {
	return Event{Name: MessageReceived, SessionID: env.SessionID, Payload: MessagePayload{SessionID: env.SessionID, Message: env}}
}

func Sent(env message.Envelope) Event {
	return Event{Name: MessageSent, SessionID: env.SessionID, Payload: MessagePayload{SessionID: env.SessionID, Message: env}}
}

func Deleted(sessionID string) Event {
	return Event{Name: SessionDeleted, SessionID: sessionID, Payload: DeletedPayload{SessionID: sessionID}}
}
