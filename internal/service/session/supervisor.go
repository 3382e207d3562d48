package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/wagate/backend/internal/model/event"
	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/model/session"
	"github.com/zhouzirui/wagate/backend/internal/protocol"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultSendTimeout    = 60 * time.Second
	dialTimeout           = 30 * time.Second
	logoutTimeout         = 10 * time.Second
	mediaFetchTimeout     = 60 * time.Second
)

// worker holds the live connection of one session.
type worker struct {
	conn      protocol.Conn
	gen       uint64
	reconnect *time.Timer
	attempts  int
}

// Supervisor owns one protocol connection per session and drives the
// connect, QR and reconnect state machine.
type Supervisor struct {
	registry *Registry
	dialer   protocol.Dialer
	creds    CredentialStore
	emitter  Emitter
	media    MediaStager
	qr       QRRenderer
	opts     Options

	mu      sync.Mutex
	workers map[string]*worker
}

func newSupervisor(registry *Registry, deps Deps, opts Options) *Supervisor {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Supervisor{
		registry: registry,
		dialer:   deps.Dialer,
		creds:    deps.Credentials,
		emitter:  deps.Emitter,
		media:    deps.Media,
		qr:       deps.QR,
		opts:     opts,
		workers:  make(map[string]*worker),
	}
}

// Start moves id to Connecting and dials in the background, closing any
// previous connection. A manual start resets the reconnect attempt counter.
func (s *Supervisor) Start(ctx context.Context, id string) {
	s.start(ctx, id, true)
}

func (s *Supervisor) start(ctx context.Context, id string, manual bool) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		w = &worker{}
		s.workers[id] = w
	}
	w.gen++
	gen := w.gen
	old := w.conn
	w.conn = nil
	if w.reconnect != nil {
		w.reconnect.Stop()
		w.reconnect = nil
	}
	if manual {
		w.attempts = 0
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if !s.setStatus(id, session.StatusConnecting) && !s.registry.exists(id) {
		s.forget(id, w)
		return
	}

	go s.dial(context.WithoutCancel(ctx), id, w, gen)
}

// dial loads credentials and opens the connection for attempt gen.
func (s *Supervisor) dial(ctx context.Context, id string, w *worker, gen uint64) {
	if !s.isAttempt(id, w, gen) {
		return
	}

	creds, err := s.creds.Load(id)
	if err != nil {
		log.Printf("[session] load credentials id=%s failed: %v", id, err)
		s.scheduleReconnect(id, w, gen)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := s.dialer.Dial(dialCtx, id, creds)
	cancel()
	if err != nil {
		log.Printf("[session] dial id=%s failed: %v", id, err)
		s.scheduleReconnect(id, w, gen)
		return
	}

	s.mu.Lock()
	current := s.workers[id] == w && w.gen == gen
	if current {
		w.conn = conn
	}
	s.mu.Unlock()

	if !current {
		conn.Close()
		return
	}
	if !s.registry.exists(id) {
		// deleted while dialing
		s.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		s.mu.Unlock()
		s.forget(id, w)
		conn.Close()
		return
	}

	log.Printf("[session] connecting id=%s", id)
	go s.consume(id, w, conn)
}

// consume handles one connection's events in order.
func (s *Supervisor) consume(id string, w *worker, conn protocol.Conn) {
	for ev := range conn.Events() {
		if !s.isCurrent(id, w, conn) {
			return
		}
		switch e := ev.(type) {
		case protocol.CredentialsUpdated:
			if err := s.creds.Save(id, e.Credentials); err != nil {
				log.Printf("[session] save credentials id=%s failed: %v", id, err)
			}
		case protocol.QRChallenge:
			s.handleQR(id, e)
		case protocol.StateOpen:
			s.handleOpen(id, w, e)
		case protocol.StateClosed:
			s.handleClosed(id, w, conn, e)
			return
		case protocol.InboundBatch:
			s.handleInbound(id, e)
		}
	}

	// stream ended without a close signal
	if s.isCurrent(id, w, conn) {
		s.handleClosed(id, w, conn, protocol.StateClosed{Reason: "event stream ended"})
	}
}

func (s *Supervisor) handleQR(id string, e protocol.QRChallenge) {
	rendered, err := s.qr.Render(e.Code)
	if err != nil {
		log.Printf("[session] render qr id=%s failed: %v", id, err)
		return
	}

	var prev session.Status
	rec, ok := s.registry.update(id, func(rec *session.Record) {
		prev = rec.Status
		if !prev.CanTransition(session.StatusQRReady) {
			return
		}
		rec.Status = session.StatusQRReady
		rec.QR = rendered
	})
	if !ok || rec.Status != session.StatusQRReady {
		return
	}

	log.Printf("[session] qr ready id=%s", id)
	s.emit(event.QR(id, rendered))
	if prev != session.StatusQRReady {
		s.emit(event.Status(id, session.StatusQRReady))
	}
}

func (s *Supervisor) handleOpen(id string, w *worker, e protocol.StateOpen) {
	s.mu.Lock()
	w.attempts = 0
	s.mu.Unlock()

	// a scanned QR passes through Connecting before Connected
	if rec, err := s.registry.Get(id); err == nil && rec.Status == session.StatusQRReady {
		s.setStatus(id, session.StatusConnecting)
	}

	now := s.registry.now().UTC()
	var moved bool
	_, ok := s.registry.update(id, func(rec *session.Record) {
		if !rec.Status.CanTransition(session.StatusConnected) {
			return
		}
		moved = true
		rec.Status = session.StatusConnected
		rec.QR = ""
		rec.LastSeen = &now
		if e.Identity != "" {
			rec.Phone = e.Identity
		}
	})
	if !ok || !moved {
		return
	}

	log.Printf("[session] connected id=%s identity=%s", id, e.Identity)
	s.emit(event.Status(id, session.StatusConnected))
}

func (s *Supervisor) handleClosed(id string, w *worker, conn protocol.Conn, e protocol.StateClosed) {
	s.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	gen := w.gen
	s.mu.Unlock()
	conn.Close()

	if e.Terminal {
		log.Printf("[session] logged out id=%s reason=%s", id, e.Reason)
		if err := s.creds.Reset(id); err != nil {
			log.Printf("[session] reset credentials id=%s failed: %v", id, err)
		}
		s.setStatus(id, session.StatusDisconnected)
		return
	}

	log.Printf("[session] connection closed id=%s reason=%s, reconnecting", id, e.Reason)
	s.setStatus(id, session.StatusConnecting)
	s.scheduleReconnect(id, w, gen)
}

func (s *Supervisor) handleInbound(id string, batch protocol.InboundBatch) {
	for _, in := range batch.Messages {
		if in.FromSelf {
			continue
		}

		content := in.Content
		if in.Media != nil && content.Media != nil {
			content = s.stageInbound(id, in, content)
		}

		var to string
		_, ok := s.registry.update(id, func(rec *session.Record) {
			rec.MessageCount++
			to = rec.Phone
		})
		if !ok {
			return
		}

		s.emit(event.Received(message.NewEnvelope(id, in.From, to, content)))
	}
}

// stageInbound downloads an attachment and points the content at the staged
// copy. Failures leave the URL empty.
func (s *Supervisor) stageInbound(id string, in protocol.Inbound, content message.Content) message.Content {
	if s.media == nil || in.Media.Fetch == nil {
		return content
	}

	ctx, cancel := context.WithTimeout(context.Background(), mediaFetchTimeout)
	defer cancel()

	data, err := in.Media.Fetch(ctx)
	if err != nil {
		log.Printf("[session] download media id=%s msg=%s failed: %v", id, in.ID, err)
		return content
	}
	staged, err := s.media.Stage(data, in.Media.MimeType)
	if err != nil {
		log.Printf("[session] stage media id=%s msg=%s failed: %v", id, in.ID, err)
		return content
	}

	m := *content.Media
	m.URL = staged.URL
	if m.MimeType == "" {
		m.MimeType = in.Media.MimeType
	}
	content.Media = &m
	return content
}

// scheduleReconnect restarts the session after the flat backoff delay unless
// attempt gen has been superseded or the attempt ceiling is reached.
func (s *Supervisor) scheduleReconnect(id string, w *worker, gen uint64) {
	s.mu.Lock()
	if s.workers[id] != w || w.gen != gen {
		s.mu.Unlock()
		return
	}
	w.attempts++
	if limit := s.opts.MaxReconnectAttempts; limit > 0 && w.attempts > limit {
		s.mu.Unlock()
		log.Printf("[session] giving up on id=%s after %d attempts", id, limit)
		s.setStatus(id, session.StatusDisconnected)
		return
	}
	defer s.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(s.opts.ReconnectDelay, func() {
		s.mu.Lock()
		fire := s.workers[id] == w && w.reconnect == timer
		if fire {
			w.reconnect = nil
		}
		s.mu.Unlock()
		if fire {
			s.start(context.Background(), id, false)
		}
	})
	w.reconnect = timer
}

// Send delivers content over the live connection, bounded by SendTimeout.
func (s *Supervisor) Send(ctx context.Context, id, to string, content message.Content) (message.SendResult, error) {
	s.mu.Lock()
	var conn protocol.Conn
	if w, ok := s.workers[id]; ok {
		conn = w.conn
	}
	s.mu.Unlock()
	if conn == nil {
		return message.SendResult{}, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	address := protocol.NormalizeAddress(to)
	result, err := conn.SendMessage(ctx, address, content)
	if err != nil {
		return message.SendResult{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if result.To == "" {
		result.To = address
	}
	return result, nil
}

// Stop tears down the session's connection and cancels a pending reconnect.
// With logout set the server-side session is terminated first, best-effort.
func (s *Supervisor) Stop(ctx context.Context, id string, logout bool) {
	s.mu.Lock()
	var conn protocol.Conn
	if w, ok := s.workers[id]; ok {
		delete(s.workers, id)
		conn = w.conn
		w.conn = nil
		if w.reconnect != nil {
			w.reconnect.Stop()
			w.reconnect = nil
		}
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}

	if logout {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		if err := conn.Logout(logoutCtx); err != nil {
			log.Printf("[session] logout id=%s failed: %v", id, err)
		}
		cancel()
	}
	if err := conn.Close(); err != nil {
		log.Printf("[session] close id=%s failed: %v", id, err)
	}
}

// StopAll closes every connection without logging out.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(context.Background(), id, false)
	}
}

func (s *Supervisor) isCurrent(id string, w *worker, conn protocol.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id] == w && w.conn == conn
}

func (s *Supervisor) isAttempt(id string, w *worker, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id] == w && w.gen == gen
}

func (s *Supervisor) forget(id string, w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[id] == w {
		delete(s.workers, id)
	}
}

// setStatus applies a state machine edge and emits session_status_update.
// It reports whether the status changed.
func (s *Supervisor) setStatus(id string, next session.Status) bool {
	var changed bool
	_, ok := s.registry.update(id, func(rec *session.Record) {
		if rec.Status == next || !rec.Status.CanTransition(next) {
			return
		}
		rec.Status = next
		if next != session.StatusQRReady {
			rec.QR = ""
		}
		changed = true
	})
	if ok && changed {
		s.emit(event.Status(id, next))
	}
	return changed
}

func (s *Supervisor) emit(ev event.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}
