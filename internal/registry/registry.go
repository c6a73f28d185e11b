// Package registry implements the association registry (C3): an in-memory
// map of associations and their candidates, with a forward-only state
// machine per candidate and an accept-timeout reaper.
package registry

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransportKind identifies the wire transport a candidate was offered on.
type TransportKind int

const (
	TransportTCP TransportKind = iota
	TransportWS
	TransportWSS
)

// State is a candidate's position in its forward-only lifecycle.
type State int

const (
	StateCreated State = iota
	StateAccepted
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound        = errors.New("registry: not found")
	ErrBadState        = errors.New("registry: candidate state machine violation")
	ErrVersionMismatch = errors.New("registry: jet version mismatch")
	ErrAlreadyExists   = errors.New("registry: association already exists")
	ErrWrongMode       = errors.New("registry: token mode is not rendezvous")
)

// Candidate is one transport offer under an association.
type Candidate struct {
	ID        uuid.UUID
	Kind      TransportKind
	State     State
	BytesIn   uint64
	BytesOut  uint64
	transport io.ReadWriteCloser // bound once Accepted; nil until then
}

// Association is a brokered meeting point between two peers.
type Association struct {
	ID         uuid.UUID
	Version    int
	Created    time.Time
	Candidates map[uuid.UUID]*Candidate
}

// Registry is the single in-memory map association_id -> Association. All
// mutations are serialized under one writer lock; the map itself is never
// read without holding the lock either, matching spec.md §5's "single
// writer lock, bounded critical sections" requirement.
type Registry struct {
	mu           sync.Mutex
	associations map[uuid.UUID]*Association

	acceptTimeout time.Duration

	// onReap is called (outside the lock) whenever the accept-timeout reaper
	// removes an association; tests and gateway.Server use it to observe
	// reaping without polling.
	onReap func(aid uuid.UUID)

	// waiters holds one closeable channel per candidate currently being
	// awaited via AwaitConnected, so MatchConnect can wake the rendezvous
	// matcher's Accept call without it having to poll CandidateState.
	waiters map[uuid.UUID]map[uuid.UUID]chan struct{}
}

// New builds an empty Registry. acceptTimeout is the default wait for a
// connect peer after accept registers (spec.md §3, default 5s).
func New(acceptTimeout time.Duration) *Registry {
	if acceptTimeout <= 0 {
		acceptTimeout = 5 * time.Second
	}
	return &Registry{
		associations:  make(map[uuid.UUID]*Association),
		acceptTimeout: acceptTimeout,
		waiters:       make(map[uuid.UUID]map[uuid.UUID]chan struct{}),
	}
}

// AwaitConnected returns a channel that is closed once the candidate (aid,
// cid) transitions to Connected via MatchConnect, or immediately-closed if
// it is already Connected or gone. Callers should select on it alongside
// their own cancellation/timeout channels rather than polling
// CandidateState.
func (r *Registry) AwaitConnected(aid, cid uuid.UUID) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, _, err := r.candidateLocked(aid, cid)
	if err != nil || c.State == StateConnected {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	byCid, ok := r.waiters[aid]
	if !ok {
		byCid = make(map[uuid.UUID]chan struct{})
		r.waiters[aid] = byCid
	}
	ch, ok := byCid[cid]
	if !ok {
		ch = make(chan struct{})
		byCid[cid] = ch
	}
	return ch
}

// wakeWaiterLocked closes and forgets the waiter channel for (aid, cid), if
// any. Must be called with r.mu held.
func (r *Registry) wakeWaiterLocked(aid, cid uuid.UUID) {
	byCid, ok := r.waiters[aid]
	if !ok {
		return
	}
	if ch, ok := byCid[cid]; ok {
		close(ch)
		delete(byCid, cid)
	}
	if len(byCid) == 0 {
		delete(r.waiters, aid)
	}
}

// OnReap registers a callback invoked after an association is removed by
// the accept-timeout reaper.
func (r *Registry) OnReap(f func(aid uuid.UUID)) {
	r.mu.Lock()
	r.onReap = f
	r.mu.Unlock()
}

// Create registers a new association for a rendezvous-mode token. version
// must be 1 or 2.
func (r *Registry) Create(aid uuid.UUID, version int) (*Association, error) {
	if version != 1 && version != 2 {
		return nil, ErrVersionMismatch
	}

	r.mu.Lock()

	if _, exists := r.associations[aid]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}

	a := &Association{
		ID:         aid,
		Version:    version,
		Created:    time.Now(),
		Candidates: make(map[uuid.UUID]*Candidate),
	}
	r.associations[aid] = a
	r.mu.Unlock()

	// Every successful create schedules an unconditional reap, covering the
	// case where no accept ever registers. BindAccept schedules its own
	// reap too, covering the case where accept arrives but connect never
	// does — both are no-ops if the association is already gone.
	r.scheduleReap(aid)
	return a, nil
}

// AddCandidate registers a new candidate under aid in StateCreated.
func (r *Registry) AddCandidate(aid, cid uuid.UUID, kind TransportKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.associations[aid]
	if !ok {
		return ErrNotFound
	}
	if _, exists := a.Candidates[cid]; exists {
		return ErrAlreadyExists
	}
	a.Candidates[cid] = &Candidate{ID: cid, Kind: kind, State: StateCreated}
	return nil
}

// BindAccept attaches the accept-side transport to a Created candidate,
// transitioning it to Accepted, and schedules the accept-timeout reaper.
func (r *Registry) BindAccept(aid, cid uuid.UUID, transport io.ReadWriteCloser) error {
	r.mu.Lock()
	c, _, err := r.candidateLocked(aid, cid)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if c.State != StateCreated {
		r.mu.Unlock()
		return ErrBadState
	}
	c.State = StateAccepted
	c.transport = transport
	r.mu.Unlock()

	r.scheduleReap(aid)
	return nil
}

// MatchConnect transitions an Accepted candidate to Connected and returns
// (moves out) its bound accept-side transport. The caller now owns the
// transport exclusively — the registry never retains a reference after
// this call, modeling single-ownership transfer rather than shared
// ownership (spec.md §9).
func (r *Registry) MatchConnect(aid, cid uuid.UUID) (io.ReadWriteCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, _, err := r.candidateLocked(aid, cid)
	if err != nil {
		return nil, err
	}
	if c.State != StateAccepted {
		return nil, ErrBadState
	}
	c.State = StateConnected
	transport := c.transport
	c.transport = nil
	r.wakeWaiterLocked(aid, cid)
	return transport, nil
}

// Remove deletes one candidate (or the whole association if cid is the
// nil UUID). Removing the last candidate of an association removes the
// association too. Both are idempotent no-ops if already gone.
func (r *Registry) Remove(aid, cid uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(aid, cid)
}

func (r *Registry) removeLocked(aid, cid uuid.UUID) {
	a, ok := r.associations[aid]
	if !ok {
		return
	}
	if cid == uuid.Nil {
		for c := range a.Candidates {
			r.wakeWaiterLocked(aid, c)
		}
		delete(r.associations, aid)
		return
	}
	if c, ok := a.Candidates[cid]; ok {
		c.State = StateClosed
		delete(a.Candidates, cid)
		r.wakeWaiterLocked(aid, cid)
	}
	if len(a.Candidates) == 0 {
		delete(r.associations, aid)
	}
}

// Get returns a snapshot-safe view of an association's existence and
// candidate count, for diagnostics and tests.
func (r *Registry) Get(aid uuid.UUID) (version int, candidateCount int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.associations[aid]
	if !exists {
		return 0, 0, false
	}
	return a.Version, len(a.Candidates), true
}

// CandidateState reports a single candidate's current state.
func (r *Registry) CandidateState(aid, cid uuid.UUID) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, _, err := r.candidateLocked(aid, cid)
	if err != nil {
		return 0, err
	}
	return c.State, nil
}

func (r *Registry) candidateLocked(aid, cid uuid.UUID) (*Candidate, *Association, error) {
	a, ok := r.associations[aid]
	if !ok {
		return nil, nil, ErrNotFound
	}
	c, ok := a.Candidates[cid]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return c, a, nil
}

// scheduleReap fires, after the accept timeout, an unconditional removal of
// aid — a no-op if the connect half already raced ahead and emptied the
// association (or removed it outright), matching Atsika-aznet's
// Listener.janitor ticker-driven sweep adapted to a one-shot per-accept
// timer instead of periodic idle eviction.
func (r *Registry) scheduleReap(aid uuid.UUID) {
	timeout := r.acceptTimeout
	time.AfterFunc(timeout, func() {
		r.mu.Lock()
		_, existed := r.associations[aid]
		r.removeLocked(aid, uuid.Nil)
		cb := r.onReap
		r.mu.Unlock()
		if existed && cb != nil {
			cb(aid)
		}
	})
}
