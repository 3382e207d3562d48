// Package protocol describes the chat-network client the gateway drives.
// Implementations own the wire protocol and encryption; the gateway only sees
// a per-session connection with an ordered event stream.
package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/zhouzirui/wagate/backend/internal/model/message"
)

// DefaultServer is appended to bare addresses.
const DefaultServer = "s.whatsapp.net"

// Credentials is the opaque material a session needs to resume without a new
// QR enrollment.
type Credentials struct {
	Identity  string    `json:"identity,omitempty"`
	Blob      []byte    `json:"blob,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Dialer opens one connection per session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, creds Credentials) (Conn, error)
}

// Conn is a live connection for a single session. Events are delivered in
// order on one channel, which is closed when the connection is closed.
type Conn interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, to string, content message.Content) (message.SendResult, error)
	Logout(ctx context.Context) error
	Close() error
}

// Event is one upstream signal from the connection.
type Event interface {
	protocolEvent()
}

// QRChallenge asks the user to scan Code with their phone.
type QRChallenge struct {
	Code string
}

// StateOpen reports an authenticated connection.
type StateOpen struct {
	Identity string
}

// StateClosed reports a dropped connection. Terminal means the account was
// logged out and the credentials are no longer valid.
type StateClosed struct {
	Reason   string
	Terminal bool
}

// CredentialsUpdated carries credential material that must be persisted.
type CredentialsUpdated struct {
	Credentials Credentials
}

// InboundBatch carries newly received messages.
type InboundBatch struct {
	Messages []Inbound
}

func (QRChallenge) protocolEvent()        {}
func (StateOpen) protocolEvent()          {}
func (StateClosed) protocolEvent()        {}
func (CredentialsUpdated) protocolEvent() {}
func (InboundBatch) protocolEvent()       {}

// Inbound is one received message.
type Inbound struct {
	ID        string
	From      string
	FromSelf  bool
	Content   message.Content
	Timestamp time.Time
	Media     *InboundMedia
}

// InboundMedia lets the receiver download an attachment on demand.
type InboundMedia struct {
	MimeType string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// NormalizeAddress turns a bare identifier into a fully qualified address.
func NormalizeAddress(to string) string {
	to = strings.TrimSpace(to)
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	return to + "@" + DefaultServer
}
