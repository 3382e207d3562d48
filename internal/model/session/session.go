package session

import "time"

// Status is the observable connection state of a session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
)

// transitions lists the allowed edges of the connection state machine.
// QRReady -> QRReady covers a refreshed QR challenge.
var transitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusQRReady, StatusConnected, StatusDisconnected},
	StatusQRReady:      {StatusQRReady, StatusConnecting, StatusDisconnected},
	StatusConnected:    {StatusConnecting, StatusDisconnected},
}

// CanTransition reports whether the state machine has an edge from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Record captures the identity and observable state of one chat-network login.
type Record struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	QR           string     `json:"qr,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	MessageCount int        `json:"messageCount"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Webhook is the per-session outbound notification config.
type Webhook struct {
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Enabled bool     `json:"enabled"`
}

// Wants reports whether an event kind should be delivered.
func (w Webhook) Wants(event string) bool {
	if !w.Enabled || w.URL == "" {
		return false
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}
