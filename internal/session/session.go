// Package session implements the session manager (C9): a live table of
// in-progress relay sessions, a disconnected-info sidecar that permits a
// single authorized reconnect within a grace window, and a TTL sweeper
// generalizing the idle-connection janitor pattern to per-session
// time-to-live enforcement.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/token"
)

// Record is the live state of a session the manager holds from register
// until deregister.
type Record struct {
	ID                 uuid.UUID
	AppProtocol        token.ApplicationProtocol
	Mode               token.ConnectionMode
	StartedAt          time.Time
	TTL                time.Duration // zero means no TTL
	DisconnectInterest bool
	JTI                string

	kill chan struct{}
	once sync.Once
}

// Kill fires the session's cancellation notifier. Safe to call more than
// once and from more than one goroutine.
func (r *Record) Kill() {
	r.once.Do(func() { close(r.kill) })
}

// Done returns the channel that closes when the session is killed, either
// by the TTL sweeper or through Manager.Kill (an admin request). A peer
// closing ends the splice without closing this channel.
func (r *Record) Done() <-chan struct{} {
	return r.kill
}

// ErrAlreadyRegistered is returned by Register when a session id collides
// with a live record.
var ErrAlreadyRegistered = errors.New("session: already registered")

// ErrNotFound is returned by operations addressing an id with no live
// record.
var ErrNotFound = errors.New("session: not found")

// Notifier is notified, best-effort, of session lifecycle events. A nil
// Notifier is valid and means no one is subscribed.
type Notifier interface {
	SessionStarted(rec *Record)
	SessionEnded(id uuid.UUID)
}

// Manager owns the session_id -> Record table and the disconnected_id ->
// DisconnectedInfo sidecar, plus a TTL sweeper goroutine.
type Manager struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]*Record
	disconnected  map[uuid.UUID]token.DisconnectedInfo
	graceDuration time.Duration

	notifier Notifier

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithNotifier attaches a best-effort lifecycle subscriber.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithGracePeriod overrides the default 30-second disconnected-info grace
// window.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.graceDuration = d }
}

// WithSweepInterval overrides the default TTL sweeper tick.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// New creates a Manager and starts its TTL sweeper goroutine. Call Close
// to stop the sweeper.
func New(opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[uuid.UUID]*Record),
		disconnected:  make(map[uuid.UUID]token.DisconnectedInfo),
		graceDuration: 30 * time.Second,
		sweepInterval: 5 * time.Second,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Register adds a new live session record. It fails if id is already
// registered, per the at-most-one-active-record-per-session invariant.
func (m *Manager) Register(id uuid.UUID, appProto token.ApplicationProtocol, mode token.ConnectionMode, ttl time.Duration, jti string, disconnectInterest bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, ErrAlreadyRegistered
	}

	rec := &Record{
		ID:                 id,
		AppProtocol:        appProto,
		Mode:               mode,
		StartedAt:          time.Now(),
		TTL:                ttl,
		DisconnectInterest: disconnectInterest,
		JTI:                jti,
		kill:               make(chan struct{}),
	}
	m.sessions[id] = rec

	if m.notifier != nil {
		go m.notifier.SessionStarted(rec)
	}
	return rec, nil
}

// Deregister removes a live session record. Idempotent: deregistering an
// unknown id is not an error. If the record's DisconnectInterest was set,
// a DisconnectedInfo entry is staged, expiring after the configured grace
// period, to permit a single authorized reconnect.
func (m *Manager) Deregister(id uuid.UUID) {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)

	if rec.DisconnectInterest {
		m.disconnected[id] = token.DisconnectedInfo{
			JTI:       rec.JTI,
			ExpiresAt: time.Now().Add(m.graceDuration),
		}
	}
	m.mu.Unlock()

	if m.notifier != nil {
		go m.notifier.SessionEnded(id)
	}
}

// GetDisconnectedInfo consults the sidecar during token authorization to
// permit a one-shot reconnect. A stale (expired) entry is treated as
// absent and swept lazily.
func (m *Manager) GetDisconnectedInfo(id uuid.UUID) (token.DisconnectedInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.disconnected[id]
	if !ok {
		return token.DisconnectedInfo{}, false
	}
	if time.Now().After(info.ExpiresAt) {
		delete(m.disconnected, id)
		return token.DisconnectedInfo{}, false
	}
	return info, true
}

// Get returns the live record for id, if any.
func (m *Manager) Get(id uuid.UUID) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok
}

// Kill fires the kill handle for a live session, as an admin "kill
// session" request would. A no-op if the session is not live.
func (m *Manager) Kill(id uuid.UUID) error {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	rec.Kill()
	return nil
}

// Len returns the number of currently live sessions, for diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the TTL sweeper. It does not kill live sessions; callers
// that want a full shutdown should Kill each record first.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepExpiredTTLs()
			m.sweepExpiredDisconnected()
		}
	}
}

func (m *Manager) sweepExpiredTTLs() {
	var expired []*Record

	m.mu.Lock()
	now := time.Now()
	for id, rec := range m.sessions {
		if rec.TTL > 0 && now.Sub(rec.StartedAt) > rec.TTL {
			expired = append(expired, rec)
			_ = id
		}
	}
	m.mu.Unlock()

	for _, rec := range expired {
		rec.Kill()
	}
}

func (m *Manager) sweepExpiredDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, info := range m.disconnected {
		if now.After(info.ExpiresAt) {
			delete(m.disconnected, id)
		}
	}
}
