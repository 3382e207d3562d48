package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/wagate/backend/internal/model/event"
	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/model/session"
	"github.com/zhouzirui/wagate/backend/internal/protocol"
	"github.com/zhouzirui/wagate/backend/internal/service/media"
)

// Emitter receives every lifecycle and message event.
type Emitter interface {
	Emit(ev event.Event)
}

// CredentialStore persists per-session credential material.
type CredentialStore interface {
	Dir(sessionID string) (string, error)
	Load(sessionID string) (protocol.Credentials, error)
	Save(sessionID string, creds protocol.Credentials) error
	Reset(sessionID string) error
	Remove(sessionID string) error
}

// MediaStager stages downloaded attachments behind a public URL.
type MediaStager interface {
	Stage(data []byte, mimeType string) (media.StagedFile, error)
}

// Deps are the collaborators of the registry and its supervisor.
type Deps struct {
	Dialer      protocol.Dialer
	Credentials CredentialStore
	Emitter     Emitter
	Media       MediaStager
	QR          QRRenderer
}

// Options tune the reconnect and send policy.
type Options struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 means unbounded
	SendTimeout          time.Duration
}

// Registry is the source of truth for session records and webhook
// subscriptions. Connection state fields are written only by its supervisor.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*session.Record
	order    []string
	webhooks map[string]session.Webhook

	creds      CredentialStore
	emitter    Emitter
	supervisor *Supervisor
	now        func() time.Time
}

// NewRegistry wires a registry with its connection supervisor.
func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.QR == nil {
		deps.QR = PNGRenderer{}
	}
	r := &Registry{
		records:  make(map[string]*session.Record),
		webhooks: make(map[string]session.Webhook),
		creds:    deps.Credentials,
		emitter:  deps.Emitter,
		now:      time.Now,
	}
	r.supervisor = newSupervisor(r, deps, opts)
	return r
}

// Create stores a Disconnected record and starts its connection. An empty id
// is replaced with a generated one.
func (r *Registry) Create(ctx context.Context, id, name string) (session.Record, error) {
	if name == "" {
		return session.Record{}, ErrNameRequired
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := r.creds.Dir(id); err != nil {
		return session.Record{}, err
	}

	r.mu.Lock()
	if _, exists := r.records[id]; exists {
		r.mu.Unlock()
		return session.Record{}, ErrAlreadyExists
	}
	r.records[id] = &session.Record{
		ID:        id,
		Name:      name,
		Status:    session.StatusDisconnected,
		CreatedAt: r.now().UTC(),
	}
	r.order = append(r.order, id)
	delete(r.webhooks, id)
	r.mu.Unlock()

	log.Printf("[session] created id=%s name=%q", id, name)
	r.supervisor.Start(ctx, id)

	return r.Get(id)
}

// Start (re)connects a session, replacing any attempt in progress.
func (r *Registry) Start(ctx context.Context, id string) error {
	if !r.exists(id) {
		return ErrNotFound
	}
	r.supervisor.Start(ctx, id)
	return nil
}

// Get returns a snapshot of one record.
func (r *Registry) Get(id string) (session.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return session.Record{}, ErrNotFound
	}
	return snapshot(rec), nil
}

// List returns snapshots in creation order.
func (r *Registry) List() []session.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.Record, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.records[id]; ok {
			out = append(out, snapshot(rec))
		}
	}
	return out
}

// Delete logs the session out best-effort and removes every trace of it.
// The record goes first so a concurrent Start fails with ErrNotFound; the
// subscription outlives it until session_deleted has been routed.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.supervisor.Stop(ctx, id, true)

	if err := r.creds.Remove(id); err != nil {
		log.Printf("[session] remove credentials id=%s failed: %v", id, err)
	}

	log.Printf("[session] deleted id=%s", id)
	r.emit(event.Deleted(id))

	r.mu.Lock()
	if _, recreated := r.records[id]; !recreated {
		delete(r.webhooks, id)
	}
	r.mu.Unlock()
	return nil
}

// SetWebhook overwrites the session's subscription.
func (r *Registry) SetWebhook(id string, hook session.Webhook) error {
	if hook.Events == nil {
		hook.Events = []string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	r.webhooks[id] = hook
	return nil
}

// GetWebhook returns the subscription, or a disabled empty one when unset.
// A session being deleted keeps its subscription until Delete returns.
func (r *Registry) GetWebhook(id string) (session.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hook, ok := r.webhooks[id]
	if !ok {
		if _, exists := r.records[id]; !exists {
			return session.Webhook{}, ErrNotFound
		}
		return session.Webhook{URL: "", Events: []string{}, Enabled: false}, nil
	}
	hook.Events = append([]string(nil), hook.Events...)
	return hook, nil
}

// SendMessage sends content through a connected session and emits message_sent.
func (r *Registry) SendMessage(ctx context.Context, id, to string, content message.Content) (message.SendResult, error) {
	rec, err := r.Get(id)
	if err != nil {
		return message.SendResult{}, err
	}
	if rec.Status != session.StatusConnected {
		return message.SendResult{}, ErrNotConnected
	}
	if err := content.Validate(); err != nil {
		return message.SendResult{}, err
	}

	result, err := r.supervisor.Send(ctx, id, to, content)
	if err != nil {
		return message.SendResult{}, err
	}

	r.emit(event.Sent(message.NewEnvelope(id, rec.Phone, result.To, content)))
	return result, nil
}

// Shutdown closes every connection without logging out.
func (r *Registry) Shutdown() {
	r.supervisor.StopAll()
}

func (r *Registry) exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// update applies fn to the live record under the write lock and returns the
// resulting snapshot. It reports false when the session no longer exists.
func (r *Registry) update(id string, fn func(rec *session.Record)) (session.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return session.Record{}, false
	}
	fn(rec)
	return snapshot(rec), true
}

func (r *Registry) emit(ev event.Event) {
	if r.emitter != nil {
		r.emitter.Emit(ev)
	}
}

func snapshot(rec *session.Record) session.Record {
	out := *rec
	if rec.LastSeen != nil {
		seen := *rec.LastSeen
		out.LastSeen = &seen
	}
	return out
}
