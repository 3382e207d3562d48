// Package whatsapp drives real sessions through whatsmeow. Each session keeps
// its own sqlite device store inside the session directory.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/protocol"
)

const (
	deviceDB        = "device.db"
	eventBuffer     = 64
	maxFetchedMedia = 64 << 20
)

// SessionDirs resolves the directory that holds a session's device store.
type SessionDirs interface {
	Dir(sessionID string) (string, error)
}

// Dialer opens whatsmeow connections.
type Dialer struct {
	dirs     SessionDirs
	logLevel string
	http     *http.Client
}

// NewDialer creates a dialer. logLevel is one of DEBUG, INFO, WARN, ERROR.
func NewDialer(dirs SessionDirs, logLevel string) *Dialer {
	if logLevel == "" {
		logLevel = "ERROR"
	}
	return &Dialer{
		dirs:     dirs,
		logLevel: logLevel,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Dial opens the device store and connects. Unpaired devices get a QR
// challenge stream.
func (d *Dialer) Dial(ctx context.Context, sessionID string, creds protocol.Credentials) (protocol.Conn, error) {
	dir, err := d.dirs.Dir(sessionID)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(dir, deviceDB)+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Stdout("Database", d.logLevel, true))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client:"+sessionID, d.logLevel, true))
	// reconnects are driven by the session supervisor
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		sessionID: sessionID,
		client:    client,
		db:        db,
		http:      d.http,
		events:    make(chan protocol.Event, eventBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	client.AddEventHandler(conn.handle)

	if client.Store.ID == nil {
		if creds.Identity != "" {
			log.Printf("[whatsapp] session=%s identity %s has no device keys, pairing again", sessionID, creds.Identity)
		}
		qrChan, err := client.GetQRChannel(connCtx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go conn.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

// Conn adapts one whatsmeow client to protocol.Conn.
type Conn struct {
	sessionID string
	client    *whatsmeow.Client
	db        *sql.DB
	http      *http.Client

	events chan protocol.Event
	done   chan struct{}
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// emit delivers ev in order, giving up once the connection is closed.
func (c *Conn) emit(ev protocol.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) pumpQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(protocol.QRChallenge{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(protocol.StateClosed{Reason: "qr timeout"})
			return
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(protocol.StateClosed{Reason: reason})
			return
		}
	}
}

func (c *Conn) handle(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.emit(protocol.CredentialsUpdated{Credentials: protocol.Credentials{Identity: v.ID.ToNonAD().String()}})
	case *events.Connected:
		c.emit(protocol.StateOpen{Identity: c.identity()})
	case *events.LoggedOut:
		c.emit(protocol.StateClosed{Reason: "logged out: " + v.Reason.String(), Terminal: true})
	case *events.ConnectFailure:
		c.emit(protocol.StateClosed{Reason: v.Reason.String(), Terminal: v.Reason.IsLoggedOut()})
	case *events.StreamReplaced:
		c.emit(protocol.StateClosed{Reason: "stream replaced"})
	case *events.TemporaryBan:
		c.emit(protocol.StateClosed{Reason: v.String()})
	case *events.Disconnected:
		c.emit(protocol.StateClosed{Reason: "disconnected"})
	case *events.Message:
		c.emit(protocol.InboundBatch{Messages: []protocol.Inbound{c.inbound(v)}})
	}
}

func (c *Conn) identity() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

func (c *Conn) inbound(v *events.Message) protocol.Inbound {
	content, downloadable, mimeType := inboundContent(v.Message)
	in := protocol.Inbound{
		ID:        v.Info.ID,
		From:      v.Info.Chat.String(),
		FromSelf:  v.Info.IsFromMe,
		Content:   content,
		Timestamp: v.Info.Timestamp,
	}
	if downloadable != nil {
		in.Media = &protocol.InboundMedia{
			MimeType: mimeType,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return c.client.Download(ctx, downloadable)
			},
		}
	}
	return in
}

// SendMessage sends text directly and uploads media before sending.
func (c *Conn) SendMessage(ctx context.Context, to string, content message.Content) (message.SendResult, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return message.SendResult{}, fmt.Errorf("parse address %q: %w", to, err)
	}

	msg, err := c.build(ctx, content)
	if err != nil {
		return message.SendResult{}, err
	}

	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return message.SendResult{}, err
	}
	return message.SendResult{ID: resp.ID, To: jid.String(), Timestamp: resp.Timestamp}, nil
}

func (c *Conn) build(ctx context.Context, content message.Content) (*waE2E.Message, error) {
	if content.Kind == message.KindText {
		return &waE2E.Message{Conversation: proto.String(content.Text)}, nil
	}
	if !content.Kind.IsMedia() || content.Media == nil {
		return nil, message.ErrEmptyContent
	}

	data, err := c.mediaBytes(ctx, content.Media)
	if err != nil {
		return nil, err
	}
	mimeType := content.Media.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	up, err := c.client.Upload(ctx, data, mediaType(content.Kind))
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", content.Kind, err)
	}
	return mediaMessage(content.Kind, *content.Media, mimeType, up), nil
}

func (c *Conn) mediaBytes(ctx context.Context, media *message.Media) ([]byte, error) {
	if media.Base64 != "" {
		return media.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("media url: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchedMedia))
}

// Logout unlinks the device server-side.
func (c *Conn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return errors.New("device not paired")
	}
	return c.client.Logout(ctx)
}

// Close disconnects and releases the device store. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()

		c.client.Disconnect()
		err = c.db.Close()
	})
	return err
}
